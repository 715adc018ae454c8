package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"leadbot/src/conversation"
	"leadbot/src/llm"
	"leadbot/src/llm/extract"
	"leadbot/src/media"
	"leadbot/src/model"
	"leadbot/src/retry"
)

// ====================== Collaborators ======================

// LeadSink records the events a turn produces
type LeadSink interface {
	RecordLead(ctx context.Context, lead model.LeadRecord) error
	RecordObjection(ctx context.Context, event model.ObjectionEvent) error
	RecordOffer(ctx context.Context, offer model.FreeConsultationOffer) error
}

// ContentSource returns the current prompts and canned messages
type ContentSource interface {
	Content() model.Content
}

// StaticContent is a ContentSource that never changes
type StaticContent model.Content

func (s StaticContent) Content() model.Content { return model.Content(s) }

// Outcome reports what a processed turn did besides replying
type Outcome struct {
	Reply          string
	State          model.State
	Fallback       bool
	LeadRecorded   bool
	ObjectionFound bool
}

// Options configures a Pipeline
type Options struct {
	Policy   retry.Policy
	Strategy conversation.ContextStrategy
	Content  ContentSource
	Now      func() time.Time
}

// Pipeline turns one buffered turn into a reply, merging extracted facts
// and recording lead events along the way.
type Pipeline struct {
	completer llm.Completer
	machine   *conversation.Machine
	sink      LeadSink
	opts      Options
	logger    zerolog.Logger
}

func New(completer llm.Completer, machine *conversation.Machine, sink LeadSink, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.Strategy == nil {
		opts.Strategy = conversation.NewReplyContextStrategy(10, machine.Location())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Policy.Classify = llm.RetryClass
	opts.Policy.Logger = logger
	return &Pipeline{
		completer: completer,
		machine:   machine,
		sink:      sink,
		opts:      opts,
		logger:    logger,
	}
}

// ====================== Process ======================

// Process handles one turn and returns the text to send back. Provider
// failures become canned messages; only capacity errors are returned.
func (p *Pipeline) Process(ctx context.Context, counterpartID, text string, image *media.Attachment) (string, error) {
	out, err := p.ProcessTurn(ctx, counterpartID, text, image)
	return out.Reply, err
}

// ProcessTurn is Process with the full outcome
func (p *Pipeline) ProcessTurn(ctx context.Context, counterpartID, text string, image *media.Attachment) (out Outcome, err error) {
	content := p.opts.Content.Content()
	log := p.logger.With().Str("counterpart", counterpartID).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Turn processing panicked")
			out = Outcome{Reply: content.Messages.Generic, Fallback: true}
			err = nil
		}
	}()

	state, err := p.machine.Get(ctx, counterpartID)
	if err != nil {
		if errors.Is(err, conversation.ErrCapacityExceeded) {
			return Outcome{Reply: content.Messages.Capacity, Fallback: true}, err
		}
		log.Error().Err(err).Msg("Failed to load conversation")
		return Outcome{Reply: content.Messages.ProcessingError, Fallback: true}, nil
	}

	// a finished conversation starts over, keeping what we know
	if state.State == model.StateFinished {
		if state, err = p.machine.Transition(ctx, counterpartID, model.StateInitial, model.Patch{}); err != nil {
			return p.failed(log, content, err), nil
		}
	}

	now := p.opts.Now()
	greeted := p.machine.IsGreetedToday(counterpartID)
	block := p.opts.Strategy.BuildContext(state, greeted, now)
	today := model.LocalDay(now, p.machine.Location())

	imageURL := ""
	if image != nil {
		imageURL = image.DataURL()
	}

	var (
		reply    string
		replyErr error
		result   = extract.Empty()
	)

	// reply and extraction are independent; neither failure cancels the other
	var g errgroup.Group
	g.Go(func() (err error) {
		defer recoverTo(&err)
		reply, replyErr = p.complete(ctx, "llm-reply", llm.Request{
			Template: llm.NewReplyTemplate(content.Prompts.Reply),
			Vars: map[string]any{
				llm.VarContext: block,
				llm.VarToday:   today,
				llm.VarTurn:    llm.UserTurn(text, imageURL),
			},
		})
		return nil
	})
	g.Go(func() (err error) {
		defer recoverTo(&err)
		result = p.extract(ctx, log, content, text, today)
		return nil
	})
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Turn processing panicked")
		return Outcome{Reply: content.Messages.Generic, Fallback: true}, nil
	}

	updated, err := p.machine.Merge(ctx, counterpartID, result.Patch())
	if err != nil {
		return p.failed(log, content, err), nil
	}

	next := NextState(updated, text, result)
	if next != updated.State {
		var patch model.Patch
		if next == model.StateScheduling {
			patch.LastAppointment = &now
		}
		if updated, err = p.machine.Transition(ctx, counterpartID, next, patch); err != nil {
			return p.failed(log, content, err), nil
		}
		log.Debug().Str("state", string(next)).Msg("Conversation advanced")
	}

	out.State = updated.State
	out.ObjectionFound = result.ObjectionDetected
	out.LeadRecorded = p.record(ctx, log, counterpartID, updated, text, result)

	if replyErr != nil {
		log.Warn().Err(replyErr).Str("kind", llm.Classify(replyErr).String()).Msg("Reply generation failed, sending fallback")
		out.Reply = fallback(content.Messages, replyErr)
		out.Fallback = true
	} else {
		out.Reply = reply
		if err := p.machine.MarkGreeted(ctx, counterpartID); err != nil {
			log.Warn().Err(err).Msg("Failed to mark greeted")
		}
	}

	if strings.TrimSpace(text) != "" {
		_ = p.machine.AppendHistory(ctx, counterpartID, "user", text)
	}
	if !out.Fallback {
		_ = p.machine.AppendHistory(ctx, counterpartID, "assistant", out.Reply)
	}

	log.Info().
		Str("state", string(out.State)).
		Bool("fallback", out.Fallback).
		Bool("lead", out.LeadRecorded).
		Bool("objection", out.ObjectionFound).
		Msg("Turn processed")
	return out, nil
}

// recoverTo turns a panic in a worker goroutine into an error
func recoverTo(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("panic: %v", r)
	}
}

func (p *Pipeline) complete(ctx context.Context, name string, req llm.Request) (string, error) {
	policy := p.opts.Policy
	policy.Name = name
	var text string
	err := policy.Do(ctx, func(ctx context.Context) error {
		var err error
		text, err = p.completer.Complete(ctx, req)
		return err
	})
	return text, err
}

// extract never fails: provider or parse errors yield an empty result
func (p *Pipeline) extract(ctx context.Context, log zerolog.Logger, content model.Content, text, today string) extract.Result {
	if strings.TrimSpace(text) == "" {
		return extract.Empty()
	}
	raw, err := p.complete(ctx, "llm-extract", llm.Request{
		Template: llm.NewExtractionTemplate(content.Prompts.Extraction),
		Vars: map[string]any{
			llm.VarToday: today,
			llm.VarTurn:  llm.UserTurn(text, ""),
		},
	})
	if err != nil {
		log.Warn().Err(err).Msg("Extraction call failed, treating turn as no new data")
		return extract.Empty()
	}
	result, err := extract.ParseOrEmpty(raw)
	if err != nil {
		log.Warn().Err(err).Msg("Extraction payload rejected")
	}
	return result
}

// record emits objection, offer and lead events. Failures are logged only.
func (p *Pipeline) record(ctx context.Context, log zerolog.Logger, counterpartID string, state model.ConversationState, text string, result extract.Result) bool {
	phone := model.PhoneFromCounterpart(counterpartID)
	name := state.Facts.Name

	if result.ObjectionDetected {
		objection := result.Objection()
		if err := p.sink.RecordObjection(ctx, model.ObjectionEvent{
			Phone:   phone,
			Name:    name,
			Type:    objection,
			RawText: text,
		}); err != nil {
			log.Error().Err(err).Msg("Failed to record objection")
		}

		reason := string(objection)
		if reason == "" {
			reason = "objection"
		}
		if err := p.sink.RecordOffer(ctx, model.FreeConsultationOffer{
			Phone:   phone,
			Name:    name,
			Reason:  reason,
			RawText: text,
			Status:  model.OfferOffered,
		}); err != nil {
			log.Error().Err(err).Msg("Failed to record free consultation offer")
		}
	}

	if status := result.ConsultationResponse(); status != "" {
		if err := p.sink.RecordOffer(ctx, model.FreeConsultationOffer{
			Phone:   phone,
			Name:    name,
			Reason:  "response",
			RawText: text,
			Status:  status,
		}); err != nil {
			log.Error().Err(err).Msg("Failed to record offer response")
		}
	}

	if !result.HasLeadSignal() || p.machine.IsLeadProcessedToday(counterpartID) {
		return false
	}
	err := p.sink.RecordLead(ctx, model.LeadRecord{
		Phone:    phone,
		Name:     name,
		Location: state.Facts.Location,
		Symptoms: state.Facts.Symptoms,
		Day:      p.machine.Today(),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to record lead")
		return false
	}
	if err := p.machine.MarkLeadProcessed(ctx, counterpartID); err != nil {
		log.Warn().Err(err).Msg("Failed to mark lead processed")
	}
	return true
}

func (p *Pipeline) failed(log zerolog.Logger, content model.Content, err error) Outcome {
	log.Error().Err(err).Msg("Turn processing failed")
	return Outcome{Reply: content.Messages.ProcessingError, Fallback: true}
}

// fallback picks the canned message for a failed reply
func fallback(msgs model.Messages, err error) string {
	switch llm.Classify(err) {
	case llm.KindContextTooLong:
		return msgs.TooLong
	case llm.KindRateLimited, llm.KindServerError:
		return msgs.HighDemand
	default:
		return msgs.ProcessingError
	}
}

// String makes an Outcome readable in logs and test failures
func (o Outcome) String() string {
	return fmt.Sprintf("state=%s fallback=%t lead=%t objection=%t", o.State, o.Fallback, o.LeadRecorded, o.ObjectionFound)
}
