package chat

import (
	"sync"
	"sync/atomic"
	"time"

	charmLog "github.com/charmbracelet/log"
)

const (
	defaultSweepInterval   = time.Hour
	defaultRetentionWindow = time.Hour
)

type SweeperConfig struct {
	Cache     *Cache
	Interval  time.Duration
	Retention time.Duration
	Logger    *charmLog.Logger
}

// Sweeper periodically evicts conversations that have gone idle for longer
// than the retention window. It is advisory: a late tick only delays
// eviction, and a failed tick never stops the next one.
type Sweeper struct {
	cache     *Cache
	interval  time.Duration
	retention time.Duration
	logger    *charmLog.Logger
	stopCh    chan struct{}
	doneCh    chan struct{}
	started   atomic.Bool
	stopOnce  sync.Once
}

func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = defaultRetentionWindow
	}
	logger := cfg.Logger
	if logger == nil {
		logger = charmLog.Default()
	}
	return &Sweeper{
		cache:     cfg.Cache,
		interval:  interval,
		retention: retention,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called. The first sweep happens
// immediately rather than one interval in.
func (s *Sweeper) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run()
}

// Stop shuts the loop down and waits for the in-flight sweep, if any, to
// finish. Safe to call more than once, and safe when Start never ran.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.started.Load() {
			<-s.doneCh
		}
	})
}

func (s *Sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer func() {
		ticker.Stop()
		close(s.doneCh)
	}()

	s.sweepOnce()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Sweeper) sweepOnce() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panicked", "panic", r)
		}
	}()

	cutoff := time.Now().UTC().Add(-s.retention)
	evicted := s.cache.EvictOlderThan(cutoff)
	if evicted > 0 {
		s.logger.Info("evicted stale conversations", "count", evicted, "cutoff", cutoff)
	} else {
		s.logger.Debug("sweep found nothing stale", "cutoff", cutoff)
	}
}
