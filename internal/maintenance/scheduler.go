package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog/log"
)

// Job names, also the path segments for the manual trigger endpoint.
const (
	JobPauseOld       = "pause-old-instances"
	JobStopOld        = "stop-old-instances"
	JobCleanupOrphans = "cleanup-orphaned-containers"
)

// ErrUnknownJob distinguishes a bad job name from a job that ran and failed.
var ErrUnknownJob = errors.New("unknown maintenance job")

// Scheduler runs the three maintenance jobs on a fixed daily cadence.
// SingletonMode keeps a slow run from overlapping the next trigger, which is
// the only serialization the jobs need.
type Scheduler struct {
	m *Maintainer
	s *gocron.Scheduler
}

// NewScheduler wires the maintainer's jobs into a daily gocron schedule.
// at is the daily trigger time in "HH:MM" (UTC).
func NewScheduler(m *Maintainer, at string) (*Scheduler, error) {
	s := gocron.NewScheduler(time.UTC)

	jobs := []struct {
		name string
		run  func(context.Context) error
	}{
		{JobPauseOld, m.PauseOldInstances},
		{JobStopOld, m.StopOldInstances},
		{JobCleanupOrphans, m.CleanupOrphanedContainers},
	}
	for _, job := range jobs {
		job := job
		_, err := s.Every(1).Day().At(at).Tag(job.name).SingletonMode().Do(func() {
			runJob(job.name, job.run)
		})
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}
	return &Scheduler{m: m, s: s}, nil
}

// Start begins the schedule without blocking.
func (s *Scheduler) Start() {
	s.s.StartAsync()
}

// Stop halts the schedule. In-flight jobs finish; they are idempotent, so a
// re-trigger after restart is always safe.
func (s *Scheduler) Stop() {
	s.s.Stop()
}

// RunJob triggers one job by name out-of-band with identical semantics to the
// scheduled run.
func (m *Maintainer) RunJob(ctx context.Context, name string) error {
	switch name {
	case JobPauseOld:
		return m.PauseOldInstances(ctx)
	case JobStopOld:
		return m.StopOldInstances(ctx)
	case JobCleanupOrphans:
		return m.CleanupOrphanedContainers(ctx)
	default:
		return fmt.Errorf("%w %q", ErrUnknownJob, name)
	}
}

func runJob(name string, run func(context.Context) error) {
	start := time.Now()
	log.Info().Str("job", name).Msg("maintenance job starting")
	if err := run(context.Background()); err != nil {
		log.Error().Err(err).Str("job", name).Msg("maintenance job failed")
		return
	}
	log.Info().Str("job", name).Dur("took", time.Since(start)).Msg("maintenance job finished")
}
