package preflight

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/karlorz/cmux/internal/previewurl"
	"github.com/karlorz/cmux/internal/provider"
)

const (
	defaultResumeRetries = 3
	probeTimeout         = 10 * time.Second
)

// Activity is the ledger write the handler performs after a resume.
type Activity interface {
	RecordResume(instanceID, provider string) error
}

// Handler serves GET /api/preflight?url=... as a chunked stream of
// newline-delimited JSON phase objects.
type Handler struct {
	Providers *provider.Registry
	Activity  Activity
	// Probe issues the readiness request against the target URL. Defaults to
	// a client with a fixed timeout.
	Probe *http.Client
	// ResumeRetries is how many resume attempts the server makes before
	// giving up. Each attempt surfaces as a repeated "resuming" phase.
	ResumeRetries int
}

func (h *Handler) retries() int {
	if h.ResumeRetries > 0 {
		return h.ResumeRetries
	}
	return defaultResumeRetries
}

func (h *Handler) probeClient() *http.Client {
	if h.Probe != nil {
		return h.Probe
	}
	return &http.Client{Timeout: probeTimeout}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		http.Error(w, "url query parameter required", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	stream := func(p Phase) {
		json.NewEncoder(w).Encode(Message{Status: p})
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}

	stream(PhaseLoading)
	ctx := r.Context()

	route := previewurl.Resolve(target)
	if route.MorphID == "" {
		stream(PhaseNotFound)
		return
	}

	prov, inst, err := h.findInstance(ctx, route.MorphID)
	if err != nil {
		if errors.Is(err, provider.ErrNotFound) {
			stream(PhaseNotFound)
		} else {
			log.Error().Err(err).Str("instance_id", route.MorphID).Msg("preflight lookup failed")
			stream(PhaseError)
		}
		return
	}

	if inst.Status == provider.StatusStopped {
		// Terminal for policy purposes; the instance will not come back.
		stream(PhaseNotFound)
		return
	}

	if inst.Status != provider.StatusRunning {
		resumed := false
		for attempt := 0; attempt < h.retries(); attempt++ {
			stream(PhaseResuming)
			if _, err := prov.Resume(ctx, inst.ID); err != nil {
				log.Warn().Err(err).Str("instance_id", inst.ID).Int("attempt", attempt+1).Msg("resume attempt failed")
				continue
			}
			resumed = true
			break
		}
		if !resumed {
			stream(PhaseResumeFailed)
			return
		}
		if h.Activity != nil {
			if err := h.Activity.RecordResume(inst.ID, prov.Name()); err != nil {
				log.Error().Err(err).Str("instance_id", inst.ID).Msg("failed to record resume")
			}
		}
		stream(PhaseResumed)
	}

	if err := h.probe(ctx, target); err != nil {
		log.Warn().Err(err).Str("url", target).Msg("preflight probe failed")
		stream(PhaseError)
		return
	}
	stream(PhaseReady)
}

// findInstance asks every configured provider for the id; the first hit wins.
func (h *Handler) findInstance(ctx context.Context, id string) (provider.Provider, *provider.Instance, error) {
	var lastErr error = provider.ErrNotFound
	for _, p := range h.Providers.All() {
		inst, err := p.Get(ctx, id)
		if err == nil {
			return p, inst, nil
		}
		if !errors.Is(err, provider.ErrNotFound) {
			lastErr = err
		}
	}
	return nil, nil, lastErr
}

func (h *Handler) probe(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := h.probeClient().Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
