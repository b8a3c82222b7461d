package world

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ClockListener receives world tick events. ctx is cancelled when the clock stops.
type ClockListener interface {
	OnTick(ctx context.Context, worldTime time.Time)
}

// WorldClock drives automatic turns with a configurable tick rate and time speed.
type WorldClock struct {
	speed     float64 // time multiplier, 1.0 = realtime
	interval  time.Duration
	listeners []ClockListener
	worldTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *zap.Logger
}

// NewWorldClock creates a clock with the given tick interval and speed multiplier.
func NewWorldClock(interval time.Duration, speed float64, logger *zap.Logger) *WorldClock {
	if speed <= 0 {
		speed = 1
	}
	return &WorldClock{
		speed:     speed,
		interval:  interval,
		worldTime: time.Now(),
		logger:    logger,
	}
}

// AddListener registers a tick listener.
func (c *WorldClock) AddListener(l ClockListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// WorldTime returns the current simulated world time.
func (c *WorldClock) WorldTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.worldTime
}

// SetSpeed changes the time multiplier.
func (c *WorldClock) SetSpeed(speed float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.speed = speed
}

// Running reports whether the tick loop is active.
func (c *WorldClock) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cancel != nil
}

// Start begins the tick loop in a background goroutine. Starting a running clock is a no-op.
func (c *WorldClock) Start() {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.loop(ctx, done)
	c.logger.Info("world clock started",
		zap.Duration("interval", c.interval),
		zap.Float64("speed", c.speed))
}

// Stop halts the tick loop, cancels an in-flight tick and waits for it to return.
func (c *WorldClock) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("world clock stopped")
}

func (c *WorldClock) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *WorldClock) tick(ctx context.Context) {
	c.mu.Lock()
	c.worldTime = c.worldTime.Add(
		time.Duration(float64(c.interval) * c.speed),
	)
	wt := c.worldTime
	listeners := make([]ClockListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, l := range listeners {
		l.OnTick(ctx, wt)
	}
}

// TurnFunc runs one turn.
type TurnFunc func(ctx context.Context) error

// TurnTicker is a ClockListener that runs a turn every `every` of world time.
// Ticks that arrive while a turn is still running are dropped.
type TurnTicker struct {
	every    time.Duration
	timeout  time.Duration
	turnFn   TurnFunc
	lastTurn time.Time
	running  sync.Mutex
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewTurnTicker creates a ticker. timeout bounds each turn; zero means none.
func NewTurnTicker(every, timeout time.Duration, turnFn TurnFunc, logger *zap.Logger) *TurnTicker {
	return &TurnTicker{every: every, timeout: timeout, turnFn: turnFn, logger: logger}
}

// OnTick implements ClockListener.
func (t *TurnTicker) OnTick(ctx context.Context, worldTime time.Time) {
	t.mu.Lock()
	if !t.lastTurn.IsZero() && worldTime.Sub(t.lastTurn) < t.every {
		t.mu.Unlock()
		return
	}
	t.lastTurn = worldTime
	t.mu.Unlock()

	if !t.running.TryLock() {
		t.logger.Debug("turn still running, tick dropped", zap.Time("world_time", worldTime))
		return
	}
	defer t.running.Unlock()

	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	if err := t.turnFn(ctx); err != nil {
		t.logger.Warn("scheduled turn failed", zap.Error(err))
	}
}
