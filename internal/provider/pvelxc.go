package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	pveHTTPTimeout = 60 * time.Second

	// pvePausedTag marks a container that was stopped by Pause rather than
	// Stop. It lives on the container's tags so the distinction survives
	// orchestrator restarts.
	pvePausedTag = "cmux-paused"
)

// PVELXCConfig configures a Proxmox VE node hosting LXC sandboxes.
type PVELXCConfig struct {
	BaseURL  string // e.g. https://pve.internal:8006
	Node     string // PVE node name
	TokenID  string // user@realm!tokenid
	Secret   string
	HostIP   string // address containers are reachable on from the router
	Template string // default CT template volid
}

// PVELXC drives LXC containers through the Proxmox VE REST API.
//
// PVE has no non-billed suspend primitive for containers, so Pause satisfies
// the contract semantically: the container is stopped (disk preserved) and
// tagged as paused so Get keeps reporting paused rather than stopped.
type PVELXC struct {
	cfg    PVELXCConfig
	client *http.Client
}

var _ Provider = (*PVELXC)(nil)

func NewPVELXC(cfg PVELXCConfig) *PVELXC {
	return &PVELXC{
		cfg:    cfg,
		client: &http.Client{Timeout: pveHTTPTimeout},
	}
}

func (p *PVELXC) Name() string { return "pve-lxc" }

type pveContainer struct {
	VMID   json.Number `json:"vmid"`
	Status string      `json:"status"` // running | stopped
	Tags   string      `json:"tags"`
	Uptime int64       `json:"uptime"`
}

func (p *PVELXC) toInstance(ct *pveContainer) *Instance {
	id := ct.VMID.String()
	status := StatusUnknown
	switch ct.Status {
	case "running":
		status = StatusRunning
	case "stopped":
		status = StatusStopped
	}

	if status == StatusStopped && hasTag(ct.Tags, pvePausedTag) {
		status = StatusPaused
	}

	inst := &Instance{
		ID:       id,
		Provider: p.Name(),
		Status:   status,
		Metadata: parsePVETags(ct.Tags),
	}
	for _, port := range wellKnownPorts {
		inst.Networking = append(inst.Networking, Service{
			Port: port,
			URL:  fmt.Sprintf("http://%s:%d", p.cfg.HostIP, port),
		})
	}
	return inst
}

// parsePVETags maps PVE's semicolon-separated tag list onto metadata.
// Tags are written as key_value pairs at creation time.
func parsePVETags(tags string) map[string]string {
	md := map[string]string{}
	for _, tag := range splitNonEmpty(tags, ';') {
		for _, key := range []string{"teamId", "taskId"} {
			prefix := key + "_"
			if len(tag) > len(prefix) && tag[:len(prefix)] == prefix {
				md[key] = tag[len(prefix):]
			}
		}
	}
	return md
}

func hasTag(tags, want string) bool {
	for _, tag := range splitNonEmpty(tags, ';') {
		if tag == want {
			return true
		}
	}
	return false
}

func addTag(tags, tag string) string {
	if hasTag(tags, tag) {
		return tags
	}
	return joinWith(append(splitNonEmpty(tags, ';'), tag), ';')
}

func removeTag(tags, tag string) string {
	var kept []string
	for _, t := range splitNonEmpty(tags, ';') {
		if t != tag {
			kept = append(kept, t)
		}
	}
	return joinWith(kept, ';')
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func (p *PVELXC) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body bytes.Buffer
	if form != nil {
		body.WriteString(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+"/api2/json"+path, &body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", p.cfg.TokenID, p.cfg.Secret))
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: pve: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: pve returned %d for %s %s", ErrProviderUnavailable, resp.StatusCode, method, path)
	case resp.StatusCode >= 400:
		return fmt.Errorf("pve returned %d for %s %s", resp.StatusCode, method, path)
	}
	if out != nil {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("decode pve response: %w", err)
		}
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode pve data: %w", err)
		}
	}
	return nil
}

func (p *PVELXC) lxcPath(id string) string {
	return "/nodes/" + p.cfg.Node + "/lxc/" + id
}

func (p *PVELXC) Start(ctx context.Context, spec Spec) (*Instance, error) {
	vmid := strconv.FormatInt(time.Now().UnixNano()%900000+100000, 10)
	form := url.Values{}
	form.Set("vmid", vmid)
	template := spec.Image
	if template == "" {
		template = p.cfg.Template
	}
	form.Set("ostemplate", template)
	var tags []string
	for k, v := range specMetadata(spec) {
		tags = append(tags, k+"_"+v)
	}
	if len(tags) > 0 {
		form.Set("tags", joinWith(tags, ';'))
	}
	if err := p.do(ctx, http.MethodPost, "/nodes/"+p.cfg.Node+"/lxc", form, nil); err != nil {
		return nil, fmt.Errorf("create lxc container: %w", err)
	}
	if err := p.do(ctx, http.MethodPost, p.lxcPath(vmid)+"/status/start", nil, nil); err != nil {
		return nil, fmt.Errorf("start lxc container %s: %w", vmid, err)
	}
	log.Info().Str("provider", p.Name()).Str("instance_id", vmid).Msg("started instance")
	return waitForStatus(ctx, func(ctx context.Context) (*Instance, error) {
		return p.Get(ctx, vmid)
	}, StatusRunning)
}

func joinWith(parts []string, sep byte) string {
	var buf bytes.Buffer
	for i, s := range parts {
		if i > 0 {
			buf.WriteByte(sep)
		}
		buf.WriteString(s)
	}
	return buf.String()
}

func (p *PVELXC) Get(ctx context.Context, id string) (*Instance, error) {
	var ct pveContainer
	if err := p.do(ctx, http.MethodGet, p.lxcPath(id)+"/status/current", nil, &ct); err != nil {
		return nil, err
	}
	if ct.VMID.String() == "" {
		ct.VMID = json.Number(id)
	}
	return p.toInstance(&ct), nil
}

func (p *PVELXC) List(ctx context.Context) ([]*Instance, error) {
	var cts []pveContainer
	if err := p.do(ctx, http.MethodGet, "/nodes/"+p.cfg.Node+"/lxc", nil, &cts); err != nil {
		return nil, fmt.Errorf("list lxc containers: %w", err)
	}
	out := make([]*Instance, 0, len(cts))
	for i := range cts {
		out = append(out, p.toInstance(&cts[i]))
	}
	return out, nil
}

func (p *PVELXC) Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error) {
	// PVE has no synchronous exec API for containers; commands go through the
	// worker service exposed on the well-known worker port.
	body, err := json.Marshal(map[string]any{"command": cmd})
	if err != nil {
		return nil, fmt.Errorf("encode exec request: %w", err)
	}
	url := fmt.Sprintf("http://%s:%d/exec", p.cfg.HostIP, PortWorker)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build exec request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: pve worker: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pve worker exec returned %d", resp.StatusCode)
	}
	var res ExecResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("decode exec response: %w", err)
	}
	return &res, nil
}

// Pause stops the container and tags it as paused. Disk state is kept, the
// container stops billing node resources, and Get reports paused from any
// orchestrator process, restarts included.
func (p *PVELXC) Pause(ctx context.Context, id string) error {
	var ct pveContainer
	if err := p.do(ctx, http.MethodGet, p.lxcPath(id)+"/status/current", nil, &ct); err != nil {
		return fmt.Errorf("pause lxc container %s: %w", id, err)
	}
	if err := p.do(ctx, http.MethodPost, p.lxcPath(id)+"/status/stop", nil, nil); err != nil {
		return fmt.Errorf("pause (stop) lxc container %s: %w", id, err)
	}
	if err := p.setTags(ctx, id, addTag(ct.Tags, pvePausedTag)); err != nil {
		return fmt.Errorf("mark lxc container %s paused: %w", id, err)
	}
	return nil
}

func (p *PVELXC) Resume(ctx context.Context, id string) (*Instance, error) {
	var ct pveContainer
	if err := p.do(ctx, http.MethodGet, p.lxcPath(id)+"/status/current", nil, &ct); err != nil {
		return nil, err
	}
	if err := p.do(ctx, http.MethodPost, p.lxcPath(id)+"/status/start", nil, nil); err != nil {
		return nil, fmt.Errorf("resume lxc container %s: %w", id, err)
	}
	if hasTag(ct.Tags, pvePausedTag) {
		if err := p.setTags(ctx, id, removeTag(ct.Tags, pvePausedTag)); err != nil {
			log.Warn().Err(err).Str("provider", p.Name()).Str("instance_id", id).Msg("failed to clear paused tag")
		}
	}
	return waitForStatus(ctx, func(ctx context.Context) (*Instance, error) {
		return p.Get(ctx, id)
	}, StatusRunning)
}

func (p *PVELXC) Stop(ctx context.Context, id string) error {
	if err := p.do(ctx, http.MethodPost, p.lxcPath(id)+"/status/stop", nil, nil); err != nil && err != ErrNotFound {
		return fmt.Errorf("stop lxc container %s: %w", id, err)
	}
	if err := p.do(ctx, http.MethodDelete, p.lxcPath(id), nil, nil); err != nil {
		return fmt.Errorf("destroy lxc container %s: %w", id, err)
	}
	return nil
}

func (p *PVELXC) setTags(ctx context.Context, id, tags string) error {
	form := url.Values{}
	form.Set("tags", tags)
	return p.do(ctx, http.MethodPut, p.lxcPath(id)+"/config", form, nil)
}
