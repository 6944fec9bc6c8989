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
	morphDefaultBaseURL = "https://cloud.morph.so/api"
	morphHTTPTimeout    = 60 * time.Second
)

// MorphConfig configures the Morph cloud backend.
type MorphConfig struct {
	BaseURL string
	APIKey  string
}

// Morph talks to the Morph Cloud REST API. Morph VMs expose HTTP services at
// port-<port>-morphvm-<id>.http.cloud.morph.so.
type Morph struct {
	cfg    MorphConfig
	client *http.Client
}

var _ Provider = (*Morph)(nil)

func NewMorph(cfg MorphConfig) *Morph {
	if cfg.BaseURL == "" {
		cfg.BaseURL = morphDefaultBaseURL
	}
	return &Morph{
		cfg:    cfg,
		client: &http.Client{Timeout: morphHTTPTimeout},
	}
}

func (m *Morph) Name() string { return "morph" }

// morphInstance is the wire shape of a Morph instance.
type morphInstance struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	SnapshotID   string            `json:"snapshot_id"`
	Metadata     map[string]string `json:"metadata"`
	Created      int64             `json:"created"`
	HTTPServices []struct {
		Name string `json:"name"`
		Port int    `json:"port"`
		URL  string `json:"url"`
	} `json:"networking,omitempty"`
}

func (m *Morph) toInstance(wi *morphInstance) *Instance {
	inst := &Instance{
		ID:        wi.ID,
		Provider:  m.Name(),
		Status:    morphStatus(wi.Status),
		Metadata:  wi.Metadata,
		CreatedAt: time.Unix(wi.Created, 0).UTC(),
	}
	// Normalize networking onto the well-known ports. Morph's raw payload only
	// lists explicitly exposed services, but the externally visible URL is a
	// pure function of (port, id), so every well-known port gets an entry.
	for _, port := range wellKnownPorts {
		inst.Networking = append(inst.Networking, Service{
			Port: port,
			URL:  fmt.Sprintf("https://port-%d-morphvm-%s.http.cloud.morph.so", port, wi.ID),
		})
	}
	return inst
}

func morphStatus(s string) Status {
	switch s {
	case "ready", "running":
		return StatusRunning
	case "paused":
		return StatusPaused
	case "saving", "pausing":
		return StatusPaused
	case "stopped", "deleted":
		return StatusStopped
	default:
		return StatusUnknown
	}
}

func (m *Morph) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, m.cfg.BaseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: morph: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: morph returned %d for %s %s", ErrProviderUnavailable, resp.StatusCode, method, path)
	case resp.StatusCode >= 400:
		return fmt.Errorf("morph returned %d for %s %s", resp.StatusCode, method, path)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode morph response: %w", err)
		}
	}
	return nil
}

func (m *Morph) Start(ctx context.Context, spec Spec) (*Instance, error) {
	body := map[string]any{
		"snapshot_id": spec.Image,
		"metadata":    specMetadata(spec),
	}
	if spec.TTLHours > 0 {
		body["ttl_seconds"] = spec.TTLHours * 3600
	}
	var wi morphInstance
	if err := m.do(ctx, http.MethodPost, "/instance", body, &wi); err != nil {
		return nil, fmt.Errorf("start morph instance: %w", err)
	}
	log.Info().Str("provider", m.Name()).Str("instance_id", wi.ID).Msg("started instance")
	return waitForStatus(ctx, func(ctx context.Context) (*Instance, error) {
		return m.Get(ctx, wi.ID)
	}, StatusRunning)
}

func (m *Morph) Get(ctx context.Context, id string) (*Instance, error) {
	var wi morphInstance
	if err := m.do(ctx, http.MethodGet, "/instance/"+id, nil, &wi); err != nil {
		return nil, err
	}
	return m.toInstance(&wi), nil
}

func (m *Morph) List(ctx context.Context) ([]*Instance, error) {
	var page struct {
		Data []morphInstance `json:"data"`
	}
	if err := m.do(ctx, http.MethodGet, "/instance", nil, &page); err != nil {
		return nil, fmt.Errorf("list morph instances: %w", err)
	}
	out := make([]*Instance, 0, len(page.Data))
	for i := range page.Data {
		out = append(out, m.toInstance(&page.Data[i]))
	}
	return out, nil
}

func (m *Morph) Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error) {
	var res ExecResult
	body := map[string]any{"command": cmd}
	if err := m.do(ctx, http.MethodPost, "/instance/"+id+"/exec", body, &res); err != nil {
		return nil, fmt.Errorf("exec on morph instance %s: %w", id, err)
	}
	return &res, nil
}

func (m *Morph) Pause(ctx context.Context, id string) error {
	if err := m.do(ctx, http.MethodPost, "/instance/"+id+"/pause", nil, nil); err != nil {
		return fmt.Errorf("pause morph instance %s: %w", id, err)
	}
	return nil
}

func (m *Morph) Resume(ctx context.Context, id string) (*Instance, error) {
	if err := m.do(ctx, http.MethodPost, "/instance/"+id+"/resume", nil, nil); err != nil {
		return nil, fmt.Errorf("resume morph instance %s: %w", id, err)
	}
	return waitForStatus(ctx, func(ctx context.Context) (*Instance, error) {
		return m.Get(ctx, id)
	}, StatusRunning)
}

func (m *Morph) Stop(ctx context.Context, id string) error {
	if err := m.do(ctx, http.MethodDelete, "/instance/"+id, nil, nil); err != nil {
		return fmt.Errorf("stop morph instance %s: %w", id, err)
	}
	return nil
}

func specMetadata(spec Spec) map[string]string {
	md := map[string]string{}
	if spec.TeamID != "" {
		md["teamId"] = spec.TeamID
	}
	if spec.TaskID != "" {
		md["taskId"] = spec.TaskID
	}
	return md
}
