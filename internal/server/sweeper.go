package server

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often stale sessions are reaped.
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically reaps sessions whose connection went silent or closed
// without a close event reaching the relay. Stop cancels it exactly once.
type Sweeper struct {
	relay    *Relay
	interval time.Duration
	logger   *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

func NewSweeper(relay *Relay, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		relay:    relay,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop. Later calls are no-ops.
func (s *Sweeper) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop halts the loop and waits for an in-flight sweep to finish. No
// sweep runs after Stop returns.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			select {
			case <-s.stopCh:
				return
			default:
			}
			if n := s.relay.Sweep(); n > 0 {
				rooms, sessions := s.relay.Registry().Stats()
				s.logger.Info("sweep finished", "reaped", n, "rooms", rooms, "sessions", sessions)
			}
		case <-s.stopCh:
			return
		}
	}
}
