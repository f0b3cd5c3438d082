package dispatch

import (
	"fmt"
	"sync"
	"time"
)

// Window is the length of one rate limiting window.
const Window = time.Second

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// Wait is how long until the current window ends. Zero when allowed.
	Wait time.Duration

	// window is the start of the window that admitted the forward.
	window time.Time
}

// Limiter decides whether an envelope reserved from channel may be
// forwarded now. Refund hands back an admission whose forward never
// reached the main queue.
type Limiter interface {
	Admit(channel string) Decision
	Refund(channel string, d Decision)
}

// FixedWindow counts forwards in a one-second window and admits at most
// ceiling of them. It is safe for concurrent use.
type FixedWindow struct {
	mu      sync.Mutex
	clock   Clock
	ceiling int
	start   time.Time
	count   int
}

// NewFixedWindow creates a window limiter. The first Admit opens the window.
func NewFixedWindow(ceiling int, clock Clock) (*FixedWindow, error) {
	if ceiling <= 0 {
		return nil, fmt.Errorf("ceiling must be greater than zero, got %d", ceiling)
	}
	return &FixedWindow{clock: clock, ceiling: ceiling}, nil
}

// Admit implements the window check. The count resets once a full second
// has elapsed since the window started.
func (w *FixedWindow) Admit() Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clock.Now()
	if w.start.IsZero() || now.Sub(w.start) >= Window {
		w.start = now
		w.count = 0
	}

	if w.count < w.ceiling {
		w.count++
		return Decision{Allowed: true, window: w.start}
	}

	return Decision{Wait: w.start.Add(Window).Sub(now)}
}

// Refund returns the slot taken by d. Refunds for an earlier window are
// ignored since that window's budget is already gone.
func (w *FixedWindow) Refund(d Decision) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if d.Allowed && d.window.Equal(w.start) && w.count > 0 {
		w.count--
	}
}

// Ceiling returns the configured maximum per window.
func (w *FixedWindow) Ceiling() int { return w.ceiling }

// GlobalLimiter shares one window across every channel, so the ceiling
// bounds total throughput.
type GlobalLimiter struct {
	window *FixedWindow
}

// NewGlobalLimiter creates a limiter with one shared window.
func NewGlobalLimiter(ceiling int, clock Clock) (*GlobalLimiter, error) {
	w, err := NewFixedWindow(ceiling, clock)
	if err != nil {
		return nil, err
	}
	return &GlobalLimiter{window: w}, nil
}

func (g *GlobalLimiter) Admit(string) Decision {
	return g.window.Admit()
}

func (g *GlobalLimiter) Refund(_ string, d Decision) {
	g.window.Refund(d)
}

// ChannelLimiter keeps an independent window per channel.
type ChannelLimiter struct {
	mu      sync.Mutex
	clock   Clock
	ceiling int
	windows map[string]*FixedWindow
}

// NewChannelLimiter creates one window per channel using the override
// ceiling where present and the default ceiling otherwise.
func NewChannelLimiter(channels []string, ceiling int, overrides map[string]int, clock Clock) (*ChannelLimiter, error) {
	if ceiling <= 0 {
		return nil, fmt.Errorf("default ceiling must be greater than zero, got %d", ceiling)
	}

	l := &ChannelLimiter{
		clock:   clock,
		ceiling: ceiling,
		windows: make(map[string]*FixedWindow, len(channels)),
	}
	for _, ch := range channels {
		c := ceiling
		if o, ok := overrides[ch]; ok {
			c = o
		}
		w, err := NewFixedWindow(c, clock)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", ch, err)
		}
		l.windows[ch] = w
	}
	return l, nil
}

// Admit checks the channel's own window. A channel that was not listed at
// construction gets a window with the default ceiling on first use.
func (l *ChannelLimiter) Admit(channel string) Decision {
	return l.window(channel).Admit()
}

func (l *ChannelLimiter) Refund(channel string, d Decision) {
	l.window(channel).Refund(d)
}

func (l *ChannelLimiter) window(channel string) *FixedWindow {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[channel]
	if !ok {
		w = &FixedWindow{clock: l.clock, ceiling: l.ceiling}
		l.windows[channel] = w
	}
	return w
}
