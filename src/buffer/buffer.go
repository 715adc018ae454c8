package buffer

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Fragment is one inbound message body
type Fragment struct {
	Text      string
	ArrivedAt time.Time
}

// Turn is the coalesced result of the fragments received within one quiet window
type Turn struct {
	CounterpartID string
	Fragments     []Fragment
	Text          string
	FirstAt       time.Time
	LastAt        time.Time
}

// Options controls debounce timing
type Options struct {
	QuietWindow time.Duration // flush after this long without a new fragment
	MaxDelay    time.Duration // flush at most this long after the first fragment; 0 disables
}

type pending struct {
	fragments []Fragment
	firstSeen time.Time
	timer     *time.Timer
	gen       uint64
}

// Buffer debounces fragments per counterpart and hands complete turns to a callback
type Buffer struct {
	mu      sync.Mutex
	opts    Options
	pending map[string]*pending
	onFlush func(Turn)
	now     func() time.Time
	stopped bool
	logger  zerolog.Logger
}

// New creates a buffer. onFlush runs on the timer goroutine for timed flushes
// and on the caller goroutine for Flush.
func New(opts Options, onFlush func(Turn), logger zerolog.Logger) *Buffer {
	if opts.QuietWindow <= 0 {
		opts.QuietWindow = 15 * time.Second
	}
	if opts.MaxDelay > 0 && opts.MaxDelay < opts.QuietWindow {
		opts.MaxDelay = opts.QuietWindow
	}
	return &Buffer{
		opts:    opts,
		pending: make(map[string]*pending),
		onFlush: onFlush,
		now:     time.Now,
		logger:  logger,
	}
}

// Add appends a fragment for counterpartID and restarts its quiet window.
// Empty fragments are ignored. Returns false once the buffer is stopped.
func (b *Buffer) Add(counterpartID, text string, arrivedAt time.Time) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return false
	}
	if arrivedAt.IsZero() {
		arrivedAt = b.now()
	}

	p, ok := b.pending[counterpartID]
	if !ok {
		p = &pending{firstSeen: b.now()}
		b.pending[counterpartID] = p
	}
	p.fragments = append(p.fragments, Fragment{Text: text, ArrivedAt: arrivedAt})

	wait := b.arm(counterpartID, p)

	b.logger.Debug().
		Str("counterpart", counterpartID).
		Int("fragments", len(p.fragments)).
		Dur("wait", wait).
		Msg("Fragment buffered")
	return true
}

// arm restarts the counterpart's timer; callers hold mu
func (b *Buffer) arm(counterpartID string, p *pending) time.Duration {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++

	wait := b.opts.QuietWindow
	if b.opts.MaxDelay > 0 {
		if left := b.opts.MaxDelay - b.now().Sub(p.firstSeen); left < wait {
			wait = max(left, 0)
		}
	}

	gen := p.gen
	p.timer = time.AfterFunc(wait, func() {
		b.fire(counterpartID, gen)
	})
	return wait
}

// fire flushes only if no fragment arrived since the timer for gen was armed
func (b *Buffer) fire(counterpartID string, gen uint64) {
	b.mu.Lock()
	p, ok := b.pending[counterpartID]
	if !ok || p.gen != gen || b.stopped {
		b.mu.Unlock()
		return
	}
	turn := b.take(counterpartID, p)
	b.mu.Unlock()

	b.onFlush(turn)
}

// take removes the counterpart's state; callers hold mu
func (b *Buffer) take(counterpartID string, p *pending) Turn {
	delete(b.pending, counterpartID)
	if p.timer != nil {
		p.timer.Stop()
	}

	texts := make([]string, len(p.fragments))
	for i, f := range p.fragments {
		texts[i] = f.Text
	}
	return Turn{
		CounterpartID: counterpartID,
		Fragments:     p.fragments,
		Text:          strings.Join(texts, " "),
		FirstAt:       p.fragments[0].ArrivedAt,
		LastAt:        p.fragments[len(p.fragments)-1].ArrivedAt,
	}
}

// Flush immediately hands over whatever is pending for counterpartID
func (b *Buffer) Flush(counterpartID string) bool {
	b.mu.Lock()
	p, ok := b.pending[counterpartID]
	if !ok || b.stopped {
		b.mu.Unlock()
		return false
	}
	turn := b.take(counterpartID, p)
	b.mu.Unlock()

	b.onFlush(turn)
	return true
}

// Requeue puts the fragments of a turn that could not be processed back in
// front of anything received since, and restarts the quiet window.
func (b *Buffer) Requeue(turn Turn) bool {
	if len(turn.Fragments) == 0 {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return false
	}
	p, ok := b.pending[turn.CounterpartID]
	if !ok {
		p = &pending{firstSeen: b.now()}
		b.pending[turn.CounterpartID] = p
	}
	p.fragments = append(append([]Fragment{}, turn.Fragments...), p.fragments...)
	b.arm(turn.CounterpartID, p)
	return true
}

// Pending returns the number of fragments waiting for counterpartID
func (b *Buffer) Pending(counterpartID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pending[counterpartID]; ok {
		return len(p.fragments)
	}
	return 0
}

// Len returns how many counterparts have pending fragments
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop cancels all timers and discards pending fragments
func (b *Buffer) Stop() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for id, p := range b.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		dropped += len(p.fragments)
		delete(b.pending, id)
	}
	b.stopped = true
	if dropped > 0 {
		b.logger.Warn().Int("fragments", dropped).Msg("Buffer stopped with pending fragments")
	}
	return dropped
}
