package preflight

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
)

// Prober drives the client side of the preflight protocol. At most one probe
// is active: starting a probe for a new URL, or closing the prober, aborts
// any in-flight request immediately and no further updates are delivered for
// the aborted probe.
type Prober struct {
	endpoint string
	client   *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// NewProber creates a prober against the preflight endpoint (the full URL of
// the GET handler, without the url query parameter).
func NewProber(endpoint string) *Prober {
	return &Prober{endpoint: endpoint, client: &http.Client{}}
}

// Start begins probing target and returns the phase updates. The channel
// carries every adopted state, ends on a terminal phase, and is closed when
// the probe finishes or is aborted.
func (p *Prober) Start(target string) <-chan Phase {
	updates := make(chan Phase, 8)

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	if p.closed {
		p.mu.Unlock()
		close(updates)
		return updates
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(ctx, target, updates)
	return updates
}

// Close aborts the in-flight probe, if any. The prober cannot be reused.
func (p *Prober) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
}

func (p *Prober) run(ctx context.Context, target string, updates chan<- Phase) {
	defer close(updates)

	state := PhaseLoading
	emit := func(next Phase) bool {
		state = Reduce(state, next)
		select {
		case updates <- state:
			return true
		case <-ctx.Done():
			return false
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"?url="+url.QueryEscape(target), nil)
	if err != nil {
		emit(PhaseError)
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			emit(PhaseError)
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		emit(PhaseError)
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			emit(PhaseError)
			return
		}
		if !emit(msg.Status) {
			return
		}
		if state.Terminal() {
			return
		}
	}
	if scanner.Err() != nil && ctx.Err() == nil {
		// Stream cut off mid-protocol without a terminal phase.
		emit(PhaseError)
	}
}
