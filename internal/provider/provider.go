package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the normalized lifecycle state reported by every backend.
type Status string

const (
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
	StatusUnknown Status = "unknown"
)

// Well-known service ports inside every sandbox image.
const (
	PortWorker = 39377
	PortVSCode = 39378
	PortProxy  = 39379
	PortVNC    = 39380
	PortXterm  = 39383
	PortSocks  = 39384
)

// wellKnownPorts is the normalization order for Instance.Networking.
var wellKnownPorts = []int{PortWorker, PortVSCode, PortProxy, PortVNC, PortXterm, PortSocks}

// Error taxonomy surfaced by all backends. Callers match with errors.Is.
var (
	ErrNotFound            = errors.New("instance not found")
	ErrUnauthorized        = errors.New("instance belongs to another team")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrTimeout             = errors.New("timed out waiting for instance readiness")
)

const (
	// resumeReadyTimeout bounds how long Resume waits for the instance to
	// report running before surfacing ErrTimeout.
	resumeReadyTimeout = 2 * time.Minute
	pollInterval       = 2 * time.Second
)

// Service is one exposed HTTP endpoint of a sandbox.
type Service struct {
	Port int    `json:"port"`
	URL  string `json:"url"`
}

// Instance is the provider-neutral view of a sandbox.
type Instance struct {
	ID         string            `json:"id"`
	Provider   string            `json:"provider"`
	Status     Status            `json:"status"`
	Networking []Service         `json:"networking"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// ExecResult is the outcome of a command run inside a sandbox.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Spec describes a sandbox to start.
type Spec struct {
	Image    string            // snapshot/template/image id, backend-specific
	TeamID   string            // owning tenant, recorded in metadata
	TaskID   string            // task-run id, recorded in metadata
	Env      map[string]string // extra environment for the agent
	TTLHours int               // backend-enforced lifetime hint, 0 = backend default
}

// Provider is the uniform lifecycle contract over heterogeneous backends.
// Pause means "make inactive/non-billed while preserving disk state";
// backends without a native pause primitive satisfy it semantically.
type Provider interface {
	Name() string
	Start(ctx context.Context, spec Spec) (*Instance, error)
	Get(ctx context.Context, id string) (*Instance, error)
	List(ctx context.Context) ([]*Instance, error)
	Exec(ctx context.Context, id string, cmd []string) (*ExecResult, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) (*Instance, error)
	Stop(ctx context.Context, id string) error
}

// Registry holds the configured providers keyed by name.
type Registry struct {
	providers map[string]Provider
	order     []string
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		if _, ok := r.providers[p.Name()]; ok {
			continue
		}
		r.providers[p.Name()] = p
		r.order = append(r.order, p.Name())
	}
	return r
}

// Lookup returns the provider with the given name.
func (r *Registry) Lookup(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// All returns every configured provider in registration order.
func (r *Registry) All() []Provider {
	out := make([]Provider, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.providers[name])
	}
	return out
}

// Authorize rejects cross-tenant access to an instance. Instances without a
// teamId are legacy and pass.
func Authorize(inst *Instance, teamID string) error {
	owner := inst.Metadata["teamId"]
	if owner != "" && teamID != "" && owner != teamID {
		return ErrUnauthorized
	}
	return nil
}

// waitForStatus polls get until the instance reports want, bounded by
// resumeReadyTimeout.
func waitForStatus(ctx context.Context, get func(context.Context) (*Instance, error), want Status) (*Instance, error) {
	ctx, cancel := context.WithTimeout(ctx, resumeReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		inst, err := get(ctx)
		if err == nil && inst.Status == want {
			return inst, nil
		}
		if err != nil && errors.Is(err, ErrNotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return nil, fmt.Errorf("%w: last status error: %v", ErrTimeout, err)
			}
			if inst != nil {
				return nil, fmt.Errorf("%w: last status %q", ErrTimeout, inst.Status)
			}
			return nil, ErrTimeout
		case <-ticker.C:
		}
	}
}
