package events

import (
	"encoding/json"
	"fmt"

	"github.com/go-go-golems/dschat/pkg/completion"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	// EventTypeStart is published when a request is sent, before any fragment arrived.
	EventTypeStart EventType = "start"
	// EventTypePartialThinking carries one reasoning fragment.
	EventTypePartialThinking EventType = "partial-thinking"
	// EventTypeReasoningFinished is published once, when the first answer fragment follows reasoning.
	EventTypeReasoningFinished EventType = "reasoning-finished"
	// EventTypePartialCompletion carries one answer fragment.
	EventTypePartialCompletion EventType = "partial"
	EventTypeFinal             EventType = "final"
	EventTypeError             EventType = "error"
	EventTypeInterrupt         EventType = "interrupt"
	EventTypeInfo              EventType = "info"
)

// Error kinds carried by EventError besides the completion error kinds.
const (
	ErrorKindPersistence = "persistence"
)

// Info messages published by the session.
const (
	InfoTranscriptSaved = "transcript-saved"
	InfoSessionClosed   = "session-closed"
)

type Event interface {
	Type() EventType
	Metadata() EventMetadata
	Payload() []byte
}

// EventMetadata correlates events of one response.
type EventMetadata struct {
	ID        uuid.UUID         `json:"message_id" yaml:"message_id"`
	SessionID string            `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	TurnIndex int               `json:"turn_index" yaml:"turn_index"`
	Model     string            `json:"model,omitempty" yaml:"model,omitempty"`
	Usage     *completion.Usage `json:"usage,omitempty" yaml:"usage,omitempty"`
	// StopReason is the provider's finish reason, when known.
	StopReason string `json:"stop_reason,omitempty" yaml:"stop_reason,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("message_id", em.ID.String())
	if em.SessionID != "" {
		e.Str("session_id", em.SessionID)
	}
	e.Int("turn_index", em.TurnIndex)
	if em.Model != "" {
		e.Str("model", em.Model)
	}
	if em.Usage != nil {
		e.Int("input_tokens", em.Usage.InputTokens)
		e.Int("output_tokens", em.Usage.OutputTokens)
	}
	if em.StopReason != "" {
		e.Str("stop_reason", em.StopReason)
	}
}

type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta"`

	// raw JSON when the event was decoded by NewEventFromJson
	payload []byte
}

func (e *EventImpl) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("type", string(e.Type_))
	ev.Object("meta", e.Metadata_)
}

func (e *EventImpl) Type() EventType {
	return e.Type_
}

func (e *EventImpl) Metadata() EventMetadata {
	return e.Metadata_
}

func (e *EventImpl) Payload() []byte {
	return e.payload
}

var _ Event = &EventImpl{}

type EventStart struct {
	EventImpl
	// Streaming tells whether fragments will follow as partial events.
	Streaming bool `json:"streaming"`
}

func NewStartEvent(metadata EventMetadata, streaming bool) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{Type_: EventTypeStart, Metadata_: metadata},
		Streaming: streaming,
	}
}

type EventThinkingPartial struct {
	EventImpl
	Delta string `json:"delta"`
	// Completion is the reasoning accumulated so far, delta included.
	Completion string `json:"completion"`
}

func NewThinkingPartialEvent(metadata EventMetadata, delta string, completion string) *EventThinkingPartial {
	return &EventThinkingPartial{
		EventImpl:  EventImpl{Type_: EventTypePartialThinking, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

type EventReasoningFinished struct {
	EventImpl
	Reasoning string `json:"reasoning"`
}

func NewReasoningFinishedEvent(metadata EventMetadata, reasoning string) *EventReasoningFinished {
	return &EventReasoningFinished{
		EventImpl: EventImpl{Type_: EventTypeReasoningFinished, Metadata_: metadata},
		Reasoning: reasoning,
	}
}

type EventPartialCompletion struct {
	EventImpl
	Delta string `json:"delta"`
	// Completion is the answer accumulated so far, delta included.
	Completion string `json:"completion"`
}

func NewPartialCompletionEvent(metadata EventMetadata, delta string, completion string) *EventPartialCompletion {
	return &EventPartialCompletion{
		EventImpl:  EventImpl{Type_: EventTypePartialCompletion, Metadata_: metadata},
		Delta:      delta,
		Completion: completion,
	}
}

// EventFinal closes a response. When Buffered is set, no partial events were
// published and Text/Reasoning are displayed in one piece.
type EventFinal struct {
	EventImpl
	Text      string `json:"text"`
	Reasoning string `json:"reasoning,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Buffered  bool   `json:"buffered,omitempty"`
}

func NewFinalEvent(metadata EventMetadata, text string, reasoning string, truncated bool, buffered bool) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal, Metadata_: metadata},
		Text:      text,
		Reasoning: reasoning,
		Truncated: truncated,
		Buffered:  buffered,
	}
}

type EventError struct {
	EventImpl
	Kind        string `json:"kind"`
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(metadata EventMetadata, kind string, err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError, Metadata_: metadata},
		Kind:        kind,
		ErrorString: err.Error(),
	}
}

type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(metadata EventMetadata, text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt, Metadata_: metadata},
		Text:      text,
	}
}

type EventInfo struct {
	EventImpl
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func NewInfoEvent(metadata EventMetadata, message string, data map[string]interface{}) *EventInfo {
	return &EventInfo{
		EventImpl: EventImpl{Type_: EventTypeInfo, Metadata_: metadata},
		Message:   message,
		Data:      data,
	}
}

// NewEventFromJson decodes an event serialized by a sink back into its typed form.
func NewEventFromJson(b []byte) (Event, error) {
	var e *EventImpl
	err := json.Unmarshal(b, &e)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("empty event")
	}

	var ret Event
	switch e.Type_ {
	case EventTypeStart:
		ret, err = decodeTyped[EventStart](b)
	case EventTypePartialThinking:
		ret, err = decodeTyped[EventThinkingPartial](b)
	case EventTypeReasoningFinished:
		ret, err = decodeTyped[EventReasoningFinished](b)
	case EventTypePartialCompletion:
		ret, err = decodeTyped[EventPartialCompletion](b)
	case EventTypeFinal:
		ret, err = decodeTyped[EventFinal](b)
	case EventTypeError:
		ret, err = decodeTyped[EventError](b)
	case EventTypeInterrupt:
		ret, err = decodeTyped[EventInterrupt](b)
	case EventTypeInfo:
		ret, err = decodeTyped[EventInfo](b)
	default:
		return nil, fmt.Errorf("unknown event type: %s", e.Type_)
	}
	if err != nil {
		return nil, fmt.Errorf("could not decode %s event: %w", e.Type_, err)
	}
	return ret, nil
}

type typedEvent[T any] interface {
	*T
	Event
	setPayload([]byte)
}

func decodeTyped[T any, PT typedEvent[T]](b []byte) (Event, error) {
	var ret T
	if err := json.Unmarshal(b, &ret); err != nil {
		return nil, err
	}
	PT(&ret).setPayload(b)
	return PT(&ret), nil
}

func (e *EventImpl) setPayload(b []byte) {
	e.payload = b
}
