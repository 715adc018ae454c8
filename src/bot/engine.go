package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"leadbot/src/buffer"
	"leadbot/src/lock"
	"leadbot/src/media"
	"leadbot/src/pipeline"
	"leadbot/src/transport"
)

// Busy policies for a turn that flushes while the previous one is running
const (
	BusyQueue = "queue"
	BusyDrop  = "drop"
)

// imagePlaceholder stands in for the text of a caption-less image
const imagePlaceholder = "[imagen]"

// Processor turns a buffered turn into a reply
type Processor interface {
	ProcessTurn(ctx context.Context, counterpartID, text string, image *media.Attachment) (pipeline.Outcome, error)
}

// Replier delivers a reply to a counterpart
type Replier interface {
	Send(ctx context.Context, to, text string) error
}

// Options configures an Engine
type Options struct {
	Buffer         buffer.Options
	BusyPolicy     string
	MediaMaxBytes  int64
	ProcessTimeout time.Duration
	Reconnect      transport.ReconnectOptions
}

// Engine connects the transport to the conversation pipeline
type Engine struct {
	transport transport.Transport
	sender    Replier
	processor Processor
	locker    lock.Locker
	sink      media.Sink
	content   pipeline.ContentSource
	opts      Options
	logger    zerolog.Logger

	buf         *buffer.Buffer
	reconnector *transport.Reconnector

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closing   bool
	images    map[string]*media.Attachment
	connected bool
	lastQR    string
	lastQRAt  time.Time
	startedAt time.Time

	counters counters
}

type counters struct {
	turns         atomic.Int64
	replies       atomic.Int64
	sendFailures  atomic.Int64
	leads         atomic.Int64
	objections    atomic.Int64
	dropped       atomic.Int64
	requeued      atomic.Int64
	mediaRejected atomic.Int64
}

// New builds an engine. sink may be nil to skip media archival.
func New(t transport.Transport, sender Replier, processor Processor, locker lock.Locker, sink media.Sink, content pipeline.ContentSource, opts Options, logger zerolog.Logger) *Engine {
	if opts.BusyPolicy != BusyDrop {
		opts.BusyPolicy = BusyQueue
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		transport: t,
		sender:    sender,
		processor: processor,
		locker:    locker,
		sink:      sink,
		content:   content,
		opts:      opts,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		images:    make(map[string]*media.Attachment),
		startedAt: time.Now(),
	}
	e.buf = buffer.New(opts.Buffer, e.onFlush, logger.With().Str("component", "buffer").Logger())

	reconnect := opts.Reconnect
	if reconnect.Connect == nil {
		reconnect.Connect = t.Connect
	}
	onFailed := reconnect.OnFailed
	reconnect.OnFailed = func(reason string) {
		e.setConnected(false)
		e.logger.Error().Str("reason", reason).Msg("Transport failed; manual intervention required")
		if onFailed != nil {
			onFailed(reason)
		}
	}
	e.reconnector = transport.NewReconnector(ctx, reconnect, logger.With().Str("component", "reconnect").Logger())
	return e
}

// ====== Run loop ======

// Run connects the transport and dispatches events until ctx is done.
// Pending fragments are discarded on return; in-flight turns finish first.
func (e *Engine) Run(ctx context.Context) error {
	defer e.shutdown()

	if err := e.transport.Connect(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Initial transport connect failed")
		e.reconnector.OnDisconnect(err.Error())
	} else {
		e.reconnector.OnConnected()
	}

	events := e.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			e.Handle(ev)
		}
	}
}

func (e *Engine) shutdown() {
	e.reconnector.Stop()
	e.buf.Stop()
	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()
	e.wg.Wait()
	e.cancel()
	if err := e.transport.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("Failed to close transport")
	}
}

// Handle processes one transport event
func (e *Engine) Handle(ev transport.Event) {
	switch ev.Kind {
	case transport.EventMessage:
		e.handleMessage(ev.Message)
	case transport.EventQR:
		e.mu.Lock()
		e.lastQR = ev.QR
		e.lastQRAt = ev.At
		e.mu.Unlock()
		e.logger.Info().Msg("QR challenge received")
	case transport.EventAuthenticated:
		e.logger.Info().Msg("Transport authenticated")
	case transport.EventReady:
		e.setConnected(true)
		e.reconnector.OnConnected()
		e.logger.Info().Msg("Transport ready")
	case transport.EventAuthFailure:
		e.setConnected(false)
		e.reconnector.OnAuthFailure(ev.Reason)
	case transport.EventDisconnected, transport.EventError:
		e.setConnected(false)
		e.reconnector.OnDisconnect(fmt.Sprintf("%s: %s", ev.Kind, ev.Reason))
	}
}

func (e *Engine) handleMessage(msg *transport.Message) {
	if msg == nil || msg.FromMe {
		return
	}
	text := strings.TrimSpace(msg.Text)

	if msg.Media != nil {
		if err := media.Validate(*msg.Media, e.opts.MediaMaxBytes); err != nil {
			e.counters.mediaRejected.Add(1)
			e.logger.Warn().Err(err).Str("counterpart", msg.From).Msg("Rejected inbound media")
			e.replyAsync(msg.From, e.mediaMessage(err))
			if text == "" {
				return
			}
		} else {
			e.mu.Lock()
			e.images[msg.From] = msg.Media
			e.mu.Unlock()
			e.archive(*msg.Media)
			if text == "" {
				text = imagePlaceholder
			}
		}
	}

	e.buf.Add(msg.From, text, msg.Timestamp)
}

func (e *Engine) mediaMessage(err error) string {
	msgs := e.content.Content().Messages
	if errors.Is(err, media.ErrMediaTooLarge) {
		return msgs.MediaTooLarge
	}
	return msgs.MediaUnsupported
}

// archive uploads media in the background; failures never block the turn
func (e *Engine) archive(a media.Attachment) {
	if e.sink == nil {
		return
	}
	e.spawn(func() {
		url, err := e.sink.Upload(e.ctx, a.Data, a.MimeType)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Failed to archive media")
			return
		}
		e.logger.Debug().Str("url", url).Msg("Media archived")
	})
}

// spawn runs fn tracked by wg unless the engine is shutting down
func (e *Engine) spawn(fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closing {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
	return true
}

// ====== Turns ======

func (e *Engine) onFlush(turn buffer.Turn) {
	if !e.spawn(func() { e.processTurn(turn) }) {
		e.counters.dropped.Add(1)
		e.logger.Warn().Str("counterpart", turn.CounterpartID).Msg("Engine stopping, turn dropped")
	}
}

// ChatLockName is the single-flight lock for one counterpart
func ChatLockName(counterpartID string) string {
	return "chat:" + counterpartID
}

func (e *Engine) processTurn(turn buffer.Turn) {
	id := turn.CounterpartID
	name := ChatLockName(id)
	log := e.logger.With().Str("counterpart", id).Logger()

	var token lock.Token
	if e.opts.BusyPolicy == BusyDrop {
		t, ok, err := e.locker.TryAcquire(e.ctx, name)
		if err != nil || !ok {
			e.counters.dropped.Add(1)
			log.Warn().Err(err).Int("fragments", len(turn.Fragments)).Msg("Counterpart busy, dropping turn")
			return
		}
		token = t
	} else {
		t, err := e.locker.Acquire(e.ctx, name)
		if err != nil {
			if errors.Is(err, lock.ErrLockTimeout) && e.buf.Requeue(turn) {
				e.counters.requeued.Add(1)
				log.Warn().Msg("Counterpart still busy, turn requeued")
				return
			}
			e.counters.dropped.Add(1)
			log.Error().Err(err).Msg("Failed to acquire counterpart lock")
			return
		}
		token = t
	}
	defer func() {
		if err := e.locker.Release(context.WithoutCancel(e.ctx), name, token); err != nil {
			log.Warn().Err(err).Msg("Failed to release counterpart lock")
		}
	}()

	e.mu.Lock()
	image := e.images[id]
	delete(e.images, id)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(e.ctx, e.opts.ProcessTimeout)
	defer cancel()

	out, err := e.processor.ProcessTurn(ctx, id, turn.Text, image)
	if err != nil {
		log.Warn().Err(err).Msg("Turn rejected")
	}
	e.counters.turns.Add(1)
	if out.LeadRecorded {
		e.counters.leads.Add(1)
	}
	if out.ObjectionFound {
		e.counters.objections.Add(1)
	}

	if out.Reply == "" {
		return
	}
	if err := e.sender.Send(ctx, id, out.Reply); err != nil {
		e.counters.sendFailures.Add(1)
		log.Error().Err(err).Msg("Failed to deliver reply")
		return
	}
	e.counters.replies.Add(1)
}

func (e *Engine) replyAsync(to, text string) {
	if text == "" {
		return
	}
	e.spawn(func() {
		if err := e.sender.Send(e.ctx, to, text); err != nil {
			e.counters.sendFailures.Add(1)
			e.logger.Error().Err(err).Str("counterpart", to).Msg("Failed to deliver notice")
			return
		}
		e.counters.replies.Add(1)
	})
}

// SendManual delivers text directly, bypassing the conversation pipeline
func (e *Engine) SendManual(ctx context.Context, to, text string) error {
	if strings.TrimSpace(to) == "" || strings.TrimSpace(text) == "" {
		return fmt.Errorf("recipient and text are required")
	}
	if err := e.sender.Send(ctx, to, text); err != nil {
		e.counters.sendFailures.Add(1)
		return err
	}
	e.counters.replies.Add(1)
	return nil
}

// Reconnect clears a terminal transport failure and retries
func (e *Engine) Reconnect(reason string) {
	e.reconnector.Reset(reason)
}

func (e *Engine) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}
