package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cogdata/userlookup/internal/lookup"
)

const (
	defaultMaxConsecutiveErrors = 3
	defaultPollInterval         = 5 * time.Second
	defaultIdleSleep            = time.Second
	defaultMaxIdleIterations    = 3
	defaultStopWait             = 5 * time.Second
	defaultAnomalyWindow        = 30 * time.Second
	defaultAnomalyThreshold     = 10
)

type MonitorConfig struct {
	MaxConsecutiveErrors int
	PollInterval         time.Duration
	IdleSleep            time.Duration
	MaxIdleIterations    int
	StopWait             time.Duration
	AnomalyWindow        time.Duration
	AnomalyThreshold     int
}

func (c *MonitorConfig) applyDefaults() {
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = defaultMaxConsecutiveErrors
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = defaultIdleSleep
	}
	if c.MaxIdleIterations <= 0 {
		c.MaxIdleIterations = defaultMaxIdleIterations
	}
	if c.StopWait <= 0 {
		c.StopWait = defaultStopWait
	}
	if c.AnomalyWindow <= 0 {
		c.AnomalyWindow = defaultAnomalyWindow
	}
	if c.AnomalyThreshold <= 0 {
		c.AnomalyThreshold = defaultAnomalyThreshold
	}
}

// Monitor owns the background consumption of the change-event stream. It
// applies inserts into the cache and watches its own health two ways: a
// consecutive-error counter fed by per-event processing failures, and a
// sliding-window anomaly counter fed by the source's health signals that
// trips the monitor before outright processing failures accumulate.
//
// Once the error counter reaches its ceiling the loop exits and stays
// down: recovery is an operator switching back to lake mode, which stops,
// reconnects and restarts the monitor.
type Monitor struct {
	source Source
	cache  lookup.Cache
	cfg    MonitorConfig
	log    zerolog.Logger
	now    func() time.Time

	mu                sync.Mutex
	running           bool
	tripped           bool
	consecutiveErrors int
	anomalyCount      int
	anomalyLastAt     time.Time
	cancel            context.CancelFunc
	done              chan struct{}
}

func NewMonitor(source Source, cache lookup.Cache, log zerolog.Logger) *Monitor {
	return NewMonitorWithConfig(source, cache, log, MonitorConfig{})
}

func NewMonitorWithConfig(source Source, cache lookup.Cache, log zerolog.Logger, cfg MonitorConfig) *Monitor {
	cfg.applyDefaults()
	return &Monitor{
		source: source,
		cache:  cache,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
	}
}

// Connect establishes the stream subscription and resets all health state.
func (m *Monitor) Connect(ctx context.Context) error {
	if err := m.source.Subscribe(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveErrors = 0
	m.tripped = false
	m.anomalyCount = 0
	m.anomalyLastAt = time.Time{}
	m.log.Info().Msg("stream consumer connected")
	return nil
}

// Start launches the consumption loop. No-op when already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true
	go m.run(ctx, m.done)
	m.log.Info().Msg("stream consumer started")
}

// Stop requests loop termination and waits a bounded time for it to exit.
// A loop that does not come down in time is logged, not failed.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.log.Debug().Msg("stream consumer is not running")
		return
	}
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	select {
	case <-done:
		m.log.Info().Msg("stream consumer stopped")
	case <-time.After(m.cfg.StopWait):
		m.log.Warn().Msg("stream consumer did not stop gracefully")
	}
}

// Healthy reports whether the loop is running and below both trip-wires.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running && m.consecutiveErrors < m.cfg.MaxConsecutiveErrors && !m.tripped
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.log.Info().Msg("starting consumer loop")
	idleIterations := 0
	for {
		if ctx.Err() != nil {
			return
		}
		received := m.pollOnce(ctx)
		if received {
			idleIterations = 0
		} else {
			idleIterations++
			// A silent stream is only suspicious while errors are
			// outstanding; then it escalates instead of aging out.
			if idleIterations >= m.cfg.MaxIdleIterations && m.errorCount() > 0 {
				m.log.Warn().Int("idle_iterations", idleIterations).Msg("no events while errors outstanding")
				m.recordError()
				idleIterations = 0
			}
		}

		if m.errorCount() >= m.cfg.MaxConsecutiveErrors {
			m.log.Error().
				Int("consecutive_errors", m.errorCount()).
				Msg("consumer loop giving up; operator switch required")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.IdleSleep):
		}
	}
}

// pollOnce drains events and health signals for up to one poll interval,
// reporting whether any stream message arrived.
func (m *Monitor) pollOnce(ctx context.Context) bool {
	deadline := time.NewTimer(m.cfg.PollInterval)
	defer deadline.Stop()
	received := false
	for {
		select {
		case event := <-m.source.Events():
			m.processEvent(ctx, event)
			received = true
		case signal := <-m.source.Health():
			m.observeHealth(signal)
		case <-deadline.C:
			return received
		case <-ctx.Done():
			return received
		}
	}
}

func (m *Monitor) processEvent(ctx context.Context, event Event) {
	if event.Err != nil {
		m.log.Error().Err(event.Err).Msg("failed to process change event")
		m.recordError()
		return
	}
	if event.After == nil {
		m.log.Debug().Msg("skipping tombstone event")
		return
	}

	after := event.After
	exists, err := m.cache.Exists(ctx, after.UserID)
	if err != nil {
		m.log.Error().Err(err).Int64("user_id", after.UserID).Msg("existence check failed")
		m.recordError()
		return
	}
	if !exists {
		rec := lookup.UserRecord{
			UserID:        after.UserID,
			ConsumerToken: after.ConsumerToken,
			Platform:      after.Platform,
			DeviceID:      after.DeviceID,
		}
		if err := m.cache.Put(ctx, rec); err != nil {
			m.log.Error().Err(err).Int64("user_id", after.UserID).Msg("failed to cache change event")
			m.recordError()
			return
		}
		m.log.Info().Int64("user_id", after.UserID).Msg("added user from change stream")
	} else {
		m.log.Debug().Int64("user_id", after.UserID).Msg("user already cached, skipping")
	}

	m.mu.Lock()
	m.consecutiveErrors = 0
	m.mu.Unlock()
}

// observeHealth feeds the sliding anomaly window. Signals further apart
// than the window restart the count; reaching the threshold inside it
// forces the error counter to its ceiling immediately.
func (m *Monitor) observeHealth(signal HealthEvent) {
	at := signal.At
	if at.IsZero() {
		at = m.now()
	}

	m.mu.Lock()
	if !m.anomalyLastAt.IsZero() && at.Sub(m.anomalyLastAt) > m.cfg.AnomalyWindow {
		m.anomalyCount = 0
	}
	m.anomalyCount++
	m.anomalyLastAt = at
	count := m.anomalyCount
	m.mu.Unlock()

	m.log.Debug().
		Str("category", string(signal.Category)).
		Int("count", count).
		Int("threshold", m.cfg.AnomalyThreshold).
		Msg("upstream health warning")

	if count >= m.cfg.AnomalyThreshold {
		m.log.Error().
			Str("category", string(signal.Category)).
			Int("count", count).
			Dur("window", m.cfg.AnomalyWindow).
			Msg("upstream appears down, tripping consumer")
		m.mu.Lock()
		m.consecutiveErrors = m.cfg.MaxConsecutiveErrors
		m.tripped = true
		m.anomalyCount = 0
		m.mu.Unlock()
	}
}

func (m *Monitor) errorCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveErrors
}

func (m *Monitor) recordError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveErrors++
}
