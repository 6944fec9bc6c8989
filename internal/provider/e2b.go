package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	e2bDefaultDomain = "e2b.app"
	e2bHTTPTimeout   = 60 * time.Second
)

// E2BConfig configures the E2B managed-sandbox backend.
type E2BConfig struct {
	Domain   string // API domain, defaults to e2b.app
	APIKey   string
	Template string // default sandbox template
}

// E2B talks to the E2B REST API. Sandboxes expose HTTP services at
// <port>-<id>.<domain>.
type E2B struct {
	cfg    E2BConfig
	client *http.Client
}

var _ Provider = (*E2B)(nil)

func NewE2B(cfg E2BConfig) *E2B {
	if cfg.Domain == "" {
		cfg.Domain = e2bDefaultDomain
	}
	return &E2B{cfg: cfg, client: &http.Client{Timeout: e2bHTTPTimeout}}
}

func (e *E2B) Name() string { return "e2b" }

type e2bSandbox struct {
	SandboxID  string            `json:"sandboxID"`
	TemplateID string            `json:"templateID"`
	State      string            `json:"state"`
	Metadata   map[string]string `json:"metadata"`
	StartedAt  time.Time         `json:"startedAt"`
}

func (e *E2B) toInstance(s *e2bSandbox) *Instance {
	inst := &Instance{
		ID:        s.SandboxID,
		Provider:  e.Name(),
		Status:    e2bStatus(s.State),
		Metadata:  s.Metadata,
		CreatedAt: s.StartedAt,
	}
	for _, port := range wellKnownPorts {
		inst.Networking = append(inst.Networking, Service{
			Port: port,
			URL:  fmt.Sprintf("https://%d-%s.%s", port, s.SandboxID, e.cfg.Domain),
		})
	}
	return inst
}

func e2bStatus(s string) Status {
	switch s {
	case "running":
		return StatusRunning
	case "paused":
		return StatusPaused
	case "killed", "stopped":
		return StatusStopped
	default:
		return StatusUnknown
	}
}

func (e *E2B) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	url := fmt.Sprintf("https://api.%s%s", e.cfg.Domain, path)
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", e.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: e2b: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: e2b returned %d for %s %s", ErrProviderUnavailable, resp.StatusCode, method, path)
	case resp.StatusCode >= 400:
		return fmt.Errorf("e2b returned %d for %s %s", resp.StatusCode, method, path)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode e2b response: %w", err)
		}
	}
	return nil
}

func (e *E2B) Start(ctx context.Context, spec Spec) (*Instance, error) {
	template := spec.Image
	if template == "" {
		template = e.cfg.Template
	}
	body := map[string]any{
		"templateID": template,
		"metadata":   specMetadata(spec),
	}
	if spec.TTLHours > 0 {
		body["timeout"] = spec.TTLHours * 3600
	}
	var sb e2bSandbox
	if err := e.do(ctx, http.MethodPost, "/sandboxes", body, &sb); err != nil {
		return nil, fmt.Errorf("start e2b sandbox: %w", err)
	}
	log.Info().Str("provider", e.Name()).Str("instance_id", sb.SandboxID).Msg("started instance")
	return waitForStatus(ctx, func(ctx context.Context) (*Instance, error) {
		return e.Get(ctx, sb.SandboxID)
	}, StatusRunning)
}

func (e *E2B) Get(ctx context.Context, id string) (*Instance, error) {
	var sb e2bSandbox
	if err := e.do(ctx, http.MethodGet, "/sandboxes/"+id, nil, &sb); err != nil {
		return nil, err
	}
	return e.toInstance(&sb), nil
}

func (e *E2B) List(ctx context.Context) ([]*Instance, error) {
	var sbs []e2bSandbox
	if err := e.do(ctx, http.MethodGet, "/sandboxes", nil, &sbs); err != nil {
		return nil, fmt.Errorf("list e2b sandboxes: %w", err)
	}
	out := make([]*Instance, 0, len(sbs))
	for i := range sbs {
		out = append(out, e.toInstance(&sbs[i]))
	}
	return out, nil
}

func (e *E2B) Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error) {
	var res ExecResult
	body := map[string]any{"command": cmd}
	if err := e.do(ctx, http.MethodPost, "/sandboxes/"+id+"/commands", body, &res); err != nil {
		return nil, fmt.Errorf("exec on e2b sandbox %s: %w", id, err)
	}
	return &res, nil
}

func (e *E2B) Pause(ctx context.Context, id string) error {
	if err := e.do(ctx, http.MethodPost, "/sandboxes/"+id+"/pause", nil, nil); err != nil {
		return fmt.Errorf("pause e2b sandbox %s: %w", id, err)
	}
	return nil
}

func (e *E2B) Resume(ctx context.Context, id string) (*Instance, error) {
	if err := e.do(ctx, http.MethodPost, "/sandboxes/"+id+"/resume", nil, nil); err != nil {
		return nil, fmt.Errorf("resume e2b sandbox %s: %w", id, err)
	}
	return waitForStatus(ctx, func(ctx context.Context) (*Instance, error) {
		return e.Get(ctx, id)
	}, StatusRunning)
}

func (e *E2B) Stop(ctx context.Context, id string) error {
	if err := e.do(ctx, http.MethodDelete, "/sandboxes/"+id, nil, nil); err != nil {
		return fmt.Errorf("stop e2b sandbox %s: %w", id, err)
	}
	return nil
}
