// Package maintenance runs the scheduled reclamation policy over sandbox
// instances: pause idle ones, stop long-paused ones, and clean up provider
// instances the task-run registry has never heard of.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/karlorz/cmux/internal/ledger"
	"github.com/karlorz/cmux/internal/provider"
	"github.com/karlorz/cmux/internal/registry"
)

// Activity is the slice of the ledger the jobs depend on.
type Activity interface {
	Get(instanceID string) (*ledger.Record, error)
	ListByProvider(provider string) ([]*ledger.Record, error)
	RecordPause(instanceID, provider string) error
	RecordStop(instanceID, provider string) error
}

// Config carries the deployment-supplied reclamation thresholds.
type Config struct {
	// IdleThreshold is how long a running instance may sit without a resume
	// before it is paused.
	IdleThreshold time.Duration
	// RetentionThreshold is how long a paused instance is kept before it is
	// stopped for good. Intentionally much longer than IdleThreshold so users
	// get a grace window.
	RetentionThreshold time.Duration
}

// DefaultConfig returns the default thresholds: 8 hours idle, 14 days retention.
func DefaultConfig() Config {
	return Config{
		IdleThreshold:      8 * time.Hour,
		RetentionThreshold: 14 * 24 * time.Hour,
	}
}

// Maintainer holds the collaborators the batch jobs run over. All three jobs
// are idempotent and tolerate partial failure; a failing instance is logged
// and skipped, and the next scheduled run retries it naturally.
type Maintainer struct {
	providers *provider.Registry
	activity  Activity
	registry  registry.Client
	cfg       Config
	now       func() time.Time
}

func New(providers *provider.Registry, activity Activity, reg registry.Client, cfg Config) *Maintainer {
	return &Maintainer{
		providers: providers,
		activity:  activity,
		registry:  reg,
		cfg:       cfg,
		now:       time.Now,
	}
}

// PauseOldInstances pauses every running instance whose last resume (or
// creation, if never resumed) is older than the idle threshold.
func (m *Maintainer) PauseOldInstances(ctx context.Context) error {
	cutoff := m.now().Add(-m.cfg.IdleThreshold)

	for _, p := range m.providers.All() {
		instances, err := m.union(ctx, p)
		if err != nil {
			log.Error().Err(err).Str("provider", p.Name()).Str("job", JobPauseOld).Msg("failed to list instances")
			continue
		}
		for _, entry := range instances {
			if entry.inst == nil || entry.inst.Status != provider.StatusRunning {
				continue
			}
			idleSince := entry.inst.CreatedAt
			if entry.rec != nil {
				if entry.rec.StoppedAt != nil {
					continue
				}
				if entry.rec.LastResumedAt != nil {
					idleSince = *entry.rec.LastResumedAt
				} else if idleSince.IsZero() {
					idleSince = entry.rec.CreatedAt
				}
			}
			if idleSince.IsZero() || !idleSince.Before(cutoff) {
				continue
			}
			log.Info().Str("provider", p.Name()).Str("instance_id", entry.id).
				Time("idle_since", idleSince).Msg("pausing idle instance")
			if err := p.Pause(ctx, entry.id); err != nil {
				log.Error().Err(err).Str("provider", p.Name()).Str("instance_id", entry.id).Msg("failed to pause instance")
				continue
			}
			if err := m.activity.RecordPause(entry.id, p.Name()); err != nil {
				log.Error().Err(err).Str("instance_id", entry.id).Msg("failed to record pause")
			}
		}
	}
	return nil
}

// StopOldInstances stops every paused instance whose last pause is older than
// the retention threshold and records the stop. This is the terminal
// reclamation step: a stopped instance surfaces as permanently expired.
func (m *Maintainer) StopOldInstances(ctx context.Context) error {
	cutoff := m.now().Add(-m.cfg.RetentionThreshold)

	for _, p := range m.providers.All() {
		instances, err := m.union(ctx, p)
		if err != nil {
			log.Error().Err(err).Str("provider", p.Name()).Str("job", JobStopOld).Msg("failed to list instances")
			continue
		}
		for _, entry := range instances {
			if entry.inst == nil || entry.inst.Status != provider.StatusPaused {
				continue
			}
			if entry.rec == nil || entry.rec.StoppedAt != nil || entry.rec.LastPausedAt == nil {
				continue
			}
			// Strictly older than the threshold; an instance paused exactly
			// at the cutoff instant survives until the next run.
			if !entry.rec.LastPausedAt.Before(cutoff) {
				continue
			}
			log.Info().Str("provider", p.Name()).Str("instance_id", entry.id).
				Time("paused_at", *entry.rec.LastPausedAt).Msg("stopping expired instance")
			if err := p.Stop(ctx, entry.id); err != nil {
				log.Error().Err(err).Str("provider", p.Name()).Str("instance_id", entry.id).Msg("failed to stop instance")
				continue
			}
			if err := m.activity.RecordStop(entry.id, p.Name()); err != nil {
				log.Error().Err(err).Str("instance_id", entry.id).Msg("failed to record stop")
			}
		}
	}
	return nil
}

// CleanupOrphanedContainers stops every provider-side instance with no
// task-run registry record. Guards against create-succeeded/registry-write-
// failed races: running it twice with no new instances issues zero stops on
// the second pass.
func (m *Maintainer) CleanupOrphanedContainers(ctx context.Context) error {
	if m.registry == nil {
		return fmt.Errorf("task-run registry not configured")
	}
	known, err := m.registry.KnownInstanceIDs(ctx)
	if err != nil {
		return fmt.Errorf("load known instance ids: %w", err)
	}

	for _, p := range m.providers.All() {
		live, err := p.List(ctx)
		if err != nil {
			log.Error().Err(err).Str("provider", p.Name()).Str("job", JobCleanupOrphans).Msg("failed to list instances")
			continue
		}
		for _, inst := range live {
			if _, ok := known[inst.ID]; ok {
				continue
			}
			log.Warn().Str("provider", p.Name()).Str("instance_id", inst.ID).Msg("stopping orphaned instance")
			if err := p.Stop(ctx, inst.ID); err != nil {
				log.Error().Err(err).Str("provider", p.Name()).Str("instance_id", inst.ID).Msg("failed to stop orphan")
			}
		}
	}
	return nil
}

// unionEntry pairs a provider's live view of an instance with its ledger row.
// Either side may be nil: live instances the ledger never saw, and ledger rows
// whose instance the provider no longer lists.
type unionEntry struct {
	id   string
	inst *provider.Instance
	rec  *ledger.Record
}

func (m *Maintainer) union(ctx context.Context, p provider.Provider) ([]unionEntry, error) {
	live, err := p.List(ctx)
	if err != nil {
		return nil, err
	}
	records, err := m.activity.ListByProvider(p.Name())
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*unionEntry)
	var order []string
	for _, inst := range live {
		byID[inst.ID] = &unionEntry{id: inst.ID, inst: inst}
		order = append(order, inst.ID)
	}
	for _, rec := range records {
		if entry, ok := byID[rec.InstanceID]; ok {
			entry.rec = rec
			continue
		}
		byID[rec.InstanceID] = &unionEntry{id: rec.InstanceID, rec: rec}
		order = append(order, rec.InstanceID)
	}

	out := make([]unionEntry, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}
