package transcript

import (
	"strings"

	"github.com/pkg/errors"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one message of the conversation.
//
// Reasoning is only ever set on assistant turns produced by a reasoning model.
// Truncated marks an assistant turn whose response stream ended early.
type Turn struct {
	Role      Role   `json:"role" yaml:"role"`
	Content   string `json:"content" yaml:"content"`
	Reasoning string `json:"reasoning_content,omitempty" yaml:"reasoning_content,omitempty"`
	Truncated bool   `json:"truncated,omitempty" yaml:"truncated,omitempty"`
}

func NewUserTurn(text string) Turn {
	return Turn{Role: RoleUser, Content: text}
}

func NewAssistantTurn(content string, reasoning string, truncated bool) Turn {
	return Turn{Role: RoleAssistant, Content: content, Reasoning: reasoning, Truncated: truncated}
}

var (
	ErrUnknownRole         = errors.New("unknown turn role")
	ErrUserReasoning       = errors.New("user turns cannot carry reasoning")
	ErrUserTruncated       = errors.New("user turns cannot be truncated")
	ErrAssistantFirst      = errors.New("transcript must start with a user turn")
	ErrAssistantWithoutAsk = errors.New("assistant turn must follow a user turn")
)

func (t Turn) Validate() error {
	switch t.Role {
	case RoleUser:
		if t.Reasoning != "" {
			return ErrUserReasoning
		}
		if t.Truncated {
			return ErrUserTruncated
		}
	case RoleAssistant:
	default:
		return errors.Wrapf(ErrUnknownRole, "role %q", t.Role)
	}
	return nil
}

// Transcript is the append-only record of a conversation.
//
// Turns alternate user/assistant starting with user. A user turn may be
// followed by another user turn when its request produced no answer; such
// unanswered turns stay in the record but are left out of request windows.
type Transcript struct {
	turns []Turn
}

func New() *Transcript {
	return &Transcript{}
}

// FromTurns builds a transcript by appending turns in order, validating each.
func FromTurns(turns []Turn) (*Transcript, error) {
	t := New()
	for i, turn := range turns {
		if err := t.Append(turn); err != nil {
			return nil, errors.Wrapf(err, "turn %d", i)
		}
	}
	return t, nil
}

func (t *Transcript) Append(turn Turn) error {
	if err := turn.Validate(); err != nil {
		return err
	}
	if turn.Role == RoleAssistant {
		if len(t.turns) == 0 {
			return ErrAssistantFirst
		}
		if t.turns[len(t.turns)-1].Role != RoleUser {
			return ErrAssistantWithoutAsk
		}
	}
	t.turns = append(t.turns, turn)
	return nil
}

func (t *Transcript) Len() int {
	return len(t.turns)
}

// Turns returns a copy of the recorded turns.
func (t *Transcript) Turns() []Turn {
	ret := make([]Turn, len(t.turns))
	copy(ret, t.turns)
	return ret
}

func (t *Transcript) Last() (Turn, bool) {
	if len(t.turns) == 0 {
		return Turn{}, false
	}
	return t.turns[len(t.turns)-1], true
}

// AwaitingResponse reports whether the last turn is a user turn without an answer.
func (t *Transcript) AwaitingResponse() bool {
	last, ok := t.Last()
	return ok && last.Role == RoleUser
}

// Window returns the turns sent as context for the next request.
// Without context memory, only the last turn is sent. With context memory,
// every answered exchange plus the trailing user turn is sent.
func (t *Transcript) Window(contextMemory bool) []Turn {
	if len(t.turns) == 0 {
		return nil
	}
	if !contextMemory {
		return []Turn{t.turns[len(t.turns)-1]}
	}

	ret := make([]Turn, 0, len(t.turns))
	for i, turn := range t.turns {
		if turn.Role == RoleUser && i+1 < len(t.turns) && t.turns[i+1].Role == RoleUser {
			continue
		}
		ret = append(ret, turn)
	}
	return ret
}

// FirstUserMessage returns the content of the first user turn, or "" for an empty transcript.
func (t *Transcript) FirstUserMessage() string {
	for _, turn := range t.turns {
		if turn.Role == RoleUser {
			return strings.TrimSpace(turn.Content)
		}
	}
	return ""
}

// Clone returns an independent copy of the transcript.
func (t *Transcript) Clone() *Transcript {
	return &Transcript{turns: t.Turns()}
}
