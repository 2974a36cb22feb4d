package session

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-go-golems/dschat/pkg/completion"
	"github.com/go-go-golems/dschat/pkg/events"
	"github.com/go-go-golems/dschat/pkg/persistence"
	"github.com/go-go-golems/dschat/pkg/settings"
	"github.com/go-go-golems/dschat/pkg/transcript"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// TurnResult is the outcome of a submitted turn.
type TurnResult struct {
	// Turn is the assistant turn appended to the transcript, nil when none was.
	Turn *transcript.Turn
	// Err is the *completion.ServiceError that ended the request early.
	Err         *completion.ServiceError
	Interrupted bool
	// Closed is set when the input was an exit token and the session was closed.
	Closed   bool
	CloseErr error
}

// Engine drives one conversation: it sends turns to a completion service,
// publishes display events and saves the transcript when closed.
//
// SubmitTurn is meant to be called from a single goroutine. Status,
// Transcript and Close are safe to call concurrently.
type Engine struct {
	settings        *settings.Settings
	service         completion.Service
	writer          persistence.Writer
	sinks           []events.EventSink
	sessionID       string
	responseTimeout time.Duration

	mu         sync.Mutex
	status     Status
	closing    bool
	transcript *transcript.Transcript
	// set while a turn is in flight
	inflight   chan struct{}
	cancelTurn context.CancelFunc
}

type Option func(*Engine)

// WithTranscript seeds the conversation, used to continue a saved session.
func WithTranscript(t *transcript.Transcript) Option {
	return func(e *Engine) {
		if t != nil {
			e.transcript = t.Clone()
		}
	}
}

// WithWriter saves the transcript on Close when persistence is enabled.
func WithWriter(w persistence.Writer) Option {
	return func(e *Engine) {
		e.writer = w
	}
}

func WithEventSinks(sinks ...events.EventSink) Option {
	return func(e *Engine) {
		e.sinks = append(e.sinks, sinks...)
	}
}

func WithSessionID(id string) Option {
	return func(e *Engine) {
		e.sessionID = id
	}
}

// WithResponseTimeout overrides the maximum wait for the next fragment.
func WithResponseTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.responseTimeout = d
	}
}

func NewEngine(s *settings.Settings, service completion.Service, options ...Option) (*Engine, error) {
	if s == nil {
		return nil, errors.New("settings are nil")
	}
	if service == nil {
		return nil, errors.New("completion service is nil")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	ret := &Engine{
		settings:        s.Clone(),
		service:         service,
		sessionID:       uuid.NewString(),
		responseTimeout: s.ResponseTimeout,
		status:          StatusIdle,
		transcript:      transcript.New(),
	}
	for _, o := range options {
		o(ret)
	}
	if ret.responseTimeout <= 0 {
		ret.responseTimeout = settings.DefaultResponseTimeout
	}

	return ret, nil
}

func (e *Engine) SessionID() string {
	return e.sessionID
}

func (e *Engine) Settings() *settings.Settings {
	return e.settings.Clone()
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Transcript returns a copy of the conversation so far.
func (e *Engine) Transcript() *transcript.Transcript {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transcript.Clone()
}

func (e *Engine) persists() bool {
	return e.writer != nil && e.settings.Persist
}

// SubmitTurn sends text as the next user turn and publishes the response as
// display events. An exit token closes the session instead.
//
// The returned error is only set when the turn was rejected: ErrEmptyInput,
// ErrTurnInFlight or ErrSessionClosed. Request failures and interruptions are
// reported in the TurnResult and leave the session usable.
func (e *Engine) SubmitTurn(ctx context.Context, text string) (*TurnResult, error) {
	text = strings.TrimSpace(text)

	e.mu.Lock()
	if e.closing || e.status == StatusClosed {
		e.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if e.status != StatusIdle {
		e.mu.Unlock()
		return nil, ErrTurnInFlight
	}
	if text == "" {
		e.mu.Unlock()
		return nil, ErrEmptyInput
	}
	if IsExitToken(text) {
		e.mu.Unlock()
		log.Debug().Str("session_id", e.sessionID).Msg("Exit token received")
		err := e.Close(ctx)
		return &TurnResult{Closed: true, CloseErr: err}, nil
	}

	if err := e.transcript.Append(transcript.NewUserTurn(text)); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	window := e.transcript.Window(e.settings.ContextMemory)
	turnIndex := e.transcript.Len()

	reqCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.status = StatusAwaitingResponse
	e.inflight = done
	e.cancelTurn = cancel
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.inflight = nil
		e.cancelTurn = nil
		e.mu.Unlock()
		close(done)
	}()

	return e.runTurn(ctx, reqCtx, cancel, window, turnIndex), nil
}

func (e *Engine) metadata(turnIndex int) events.EventMetadata {
	return events.EventMetadata{
		ID:        uuid.New(),
		SessionID: e.sessionID,
		TurnIndex: turnIndex,
		Model:     e.settings.Model,
	}
}

func (e *Engine) runTurn(
	ctx context.Context,
	reqCtx context.Context,
	cancel context.CancelFunc,
	window []transcript.Turn,
	turnIndex int,
) *TurnResult {
	streaming := e.settings.Stream
	md := e.metadata(turnIndex)
	logger := log.With().Object("meta", md).Logger()

	logger.Debug().Int("window", len(window)).Bool("streaming", streaming).Msg("Sending request")
	e.publish(events.NewStartEvent(md, streaming))

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(e.responseTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	acc := newAccumulator(e.settings.IsReasoning())
	stream, err := e.service.Request(reqCtx, &completion.Request{
		Window:   window,
		Settings: e.settings,
	})
	if err == nil {
		defer func() {
			_ = stream.Close()
		}()
		err = e.consume(stream, acc, md, watchdog)
	}

	if reporter, ok := stream.(completion.UsageReporter); ok && err == nil {
		if usage, ok := reporter.Usage(); ok {
			md.Usage = &usage
		}
		md.StopReason = reporter.FinishReason()
	}

	ret := &TurnResult{}
	var serviceErr *completion.ServiceError
	timeout := false
	if err != nil {
		e.mu.Lock()
		closing := e.closing
		e.mu.Unlock()

		switch {
		case timedOut.Load():
			timeout = true
			serviceErr = completion.NewServiceError(
				completion.KindTimeout,
				errors.Errorf("no response within %s", e.responseTimeout),
			)
		case ctx.Err() != nil || closing:
			ret.Interrupted = true
		default:
			serviceErr = completion.AsServiceError(err)
		}
		ret.Err = serviceErr
	}

	var final *events.EventFinal
	e.mu.Lock()
	// a timed out response is dropped like one that never started
	if err == nil || (acc.Received() && !timeout) {
		turn := transcript.NewAssistantTurn(acc.Answer(), acc.Reasoning(), err != nil)
		if appendErr := e.transcript.Append(turn); appendErr != nil {
			logger.Error().Err(appendErr).Msg("Could not record assistant turn")
		} else {
			ret.Turn = &turn
		}
		final = events.NewFinalEvent(md, turn.Content, turn.Reasoning, turn.Truncated, !streaming)
	}
	if e.status != StatusClosed {
		e.status = StatusIdle
	}
	e.mu.Unlock()

	if final != nil {
		e.publish(final)
	}
	switch {
	case ret.Interrupted:
		logger.Info().Bool("partial", acc.Received()).Msg("Turn interrupted")
		e.publish(events.NewInterruptEvent(md, acc.Answer()))
	case serviceErr != nil:
		logger.Warn().Err(serviceErr).Str("kind", string(serviceErr.Kind)).Bool("partial", acc.Received()).Msg("Turn failed")
		e.publish(events.NewErrorEvent(md, string(serviceErr.Kind), serviceErr))
	default:
		logger.Debug().Int("answer_len", len(acc.Answer())).Msg("Turn completed")
	}

	return ret
}

// consume reads the stream until it ends, publishing partial events when
// streaming display is on. The watchdog is rearmed after every fragment.
func (e *Engine) consume(
	stream completion.Stream,
	acc *accumulator,
	md events.EventMetadata,
	watchdog *time.Timer,
) error {
	for {
		f, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		watchdog.Reset(e.responseTimeout)

		kept, reasoningFinished := acc.add(f)
		if !kept {
			continue
		}

		e.mu.Lock()
		if e.status == StatusAwaitingResponse {
			e.status = StatusStreaming
		}
		e.mu.Unlock()

		if !e.settings.Stream {
			continue
		}
		switch f.Channel {
		case completion.ChannelReasoning:
			e.publish(events.NewThinkingPartialEvent(md, f.Text, acc.Reasoning()))
		case completion.ChannelAnswer:
			if reasoningFinished {
				e.publish(events.NewReasoningFinishedEvent(md, acc.Reasoning()))
			}
			e.publish(events.NewPartialCompletionEvent(md, f.Text, acc.Answer()))
		}
	}
}

func (e *Engine) publish(ev events.Event) {
	for _, s := range e.sinks {
		if err := s.PublishEvent(ev); err != nil {
			log.Warn().Err(err).Str("event_type", string(ev.Type())).Msg("Failed to publish event")
		}
	}
}

// Close ends the session. It is idempotent and valid in any status. An
// in-flight turn is cancelled and finalized first. When persistence is
// enabled the transcript is flushed exactly once; a failed flush is
// reported as an error event and returned as *persistence.PersistenceError.
//
// The flush happens even if ctx is already cancelled.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closing || e.status == StatusClosed {
		e.mu.Unlock()
		return nil
	}
	e.closing = true
	inflight, cancel := e.inflight, e.cancelTurn
	e.mu.Unlock()

	if inflight != nil {
		cancel()
		select {
		case <-inflight:
		case <-ctx.Done():
			log.Warn().Str("session_id", e.sessionID).Msg("Closing before the in-flight turn was finalized")
		}
	}

	e.mu.Lock()
	e.status = StatusClosed
	snapshot := e.transcript.Clone()
	e.mu.Unlock()

	md := e.metadata(snapshot.Len())
	var ret error
	if e.persists() {
		flushCtx := context.WithoutCancel(ctx)
		err := e.writer.Flush(flushCtx, snapshot)
		if err != nil {
			var pe *persistence.PersistenceError
			if !errors.As(err, &pe) {
				pe = &persistence.PersistenceError{Path: e.writer.Location(), Err: err}
			}
			log.Warn().Err(pe).Str("session_id", e.sessionID).Msg("Could not save transcript")
			e.publish(events.NewErrorEvent(md, events.ErrorKindPersistence, pe))
			ret = pe
		} else {
			log.Info().Str("path", e.writer.Location()).Int("turns", snapshot.Len()).Msg("Saved transcript")
			e.publish(events.NewInfoEvent(md, events.InfoTranscriptSaved, map[string]interface{}{
				"path": e.writer.Location(),
			}))
		}
	}

	e.publish(events.NewInfoEvent(md, events.InfoSessionClosed, nil))
	return ret
}
