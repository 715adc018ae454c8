package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler runs the idle sweep and periodic snapshots for a Machine
type Scheduler struct {
	machine       *Machine
	sweepEvery    time.Duration
	snapshotEvery time.Duration
	logger        zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(machine *Machine, sweepEvery, snapshotEvery time.Duration, logger zerolog.Logger) *Scheduler {
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	if snapshotEvery <= 0 {
		snapshotEvery = 5 * time.Minute
	}
	return &Scheduler{
		machine:       machine,
		sweepEvery:    sweepEvery,
		snapshotEvery: snapshotEvery,
		logger:        logger,
	}
}

// Start launches the background loop; calling it twice is a no-op
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
}

// Stop ends the loop and writes a final snapshot
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	if _, err := s.machine.SnapshotAll(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Final conversation snapshot failed")
	}
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	sweep := time.NewTicker(s.sweepEvery)
	defer sweep.Stop()
	snapshot := time.NewTicker(s.snapshotEvery)
	defer snapshot.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.machine.Sweep(ctx)
		case <-snapshot.C:
			saved, err := s.machine.SnapshotAll(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("Periodic conversation snapshot failed")
				continue
			}
			if saved > 0 {
				s.logger.Debug().Int("saved", saved).Msg("Conversation snapshot written")
			}
		}
	}
}
