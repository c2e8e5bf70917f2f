// Package autosave persists local edits into the sync engine on a fixed
// interval, tracking dirtiness against the last server-pushed text so
// stale remote state never clobbers unsaved edits and unsaved edits are
// never silently replaced.
package autosave

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the autosave period when none is configured.
const DefaultInterval = 10 * time.Second

// ErrSaveInFlight is returned by Save when another save is running.
var ErrSaveInFlight = errors.New("save already in flight")

// Saver persists the text. Implemented by the sync engine's write
// operations.
type Saver func(ctx context.Context, text string) error

// Ticker abstracts time.Ticker so tests can drive ticks by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Option configures New.
type Option func(*Controller)

// WithTicker substitutes the tick source.
func WithTicker(t Ticker) Option {
	return func(c *Controller) { c.ticker = t }
}

// WithInterval sets the autosave period.
func WithInterval(d time.Duration) Option {
	return func(c *Controller) { c.interval = d }
}

// Controller tracks one open document's local edit state.
//
// Three strings drive every decision: the last text seen from the
// server, the last text successfully saved, and the visible text. dirty
// means the visible text differs from the server's.
type Controller struct {
	save Saver
	log  *slog.Logger

	interval time.Duration
	ticker   Ticker

	mu         sync.Mutex
	text       string
	lastServer string
	lastSaved  string
	dirty      bool
	inFlight   bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New builds the controller and starts its autosave loop.
func New(save Saver, log *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		save:     save,
		log:      log,
		interval: DefaultInterval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ticker == nil {
		c.ticker = realTicker{time.NewTicker(c.interval)}
	}
	go c.run()
	return c
}

// SetText records a local edit. The document is dirty whenever the
// visible text differs from the last server text.
func (c *Controller) SetText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = text
	c.dirty = text != c.lastServer
}

// ApplyServer handles an incoming server push. The visible text is only
// replaced while clean; pending local edits keep the screen, and the
// push is remembered as the new server state either way.
func (c *Controller) ApplyServer(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastServer = text
	if !c.dirty {
		c.text = text
	}
}

// Text returns the visible text.
func (c *Controller) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// Dirty reports whether unsaved local edits exist.
func (c *Controller) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// Save persists the visible text unconditionally. It shares the
// in-flight exclusion with the autosave loop and surfaces failures to
// the caller.
func (c *Controller) Save(ctx context.Context) error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return ErrSaveInFlight
	}
	c.inFlight = true
	snapshot := c.text
	c.mu.Unlock()

	err := c.save(ctx, snapshot)
	c.finish(snapshot, err)
	return err
}

// tick is one autosave attempt: only fires when dirty, nothing is in
// flight, and the text actually moved since the last successful save.
func (c *Controller) tick(ctx context.Context) {
	c.mu.Lock()
	if !c.dirty || c.inFlight || c.text == c.lastSaved {
		c.mu.Unlock()
		return
	}
	c.inFlight = true
	snapshot := c.text
	c.mu.Unlock()

	err := c.save(ctx, snapshot)
	if err != nil {
		// Suppressed: the next tick retries while the text stays dirty.
		c.log.Warn("autosave failed", "err", err)
	}
	c.finish(snapshot, err)
}

func (c *Controller) finish(snapshot string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	if err != nil {
		return
	}
	c.lastSaved = snapshot
	c.lastServer = snapshot
	// Edits typed while the save was in flight stay dirty.
	c.dirty = c.text != snapshot
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case <-c.ticker.C():
			c.tick(context.Background())
		}
	}
}

// Close stops the autosave loop. Safe to call more than once.
func (c *Controller) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.ticker.Stop()
		<-c.done
	})
}
