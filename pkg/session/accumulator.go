package session

import (
	"strings"

	"github.com/go-go-golems/dschat/pkg/completion"
)

// accumulator concatenates the fragments of one response per channel.
type accumulator struct {
	keepReasoning bool

	reasoning strings.Builder
	answer    strings.Builder
	received  int
	// answerStarted is set by the first answer fragment
	answerStarted bool
}

func newAccumulator(keepReasoning bool) *accumulator {
	return &accumulator{keepReasoning: keepReasoning}
}

// add records f. It returns false for fragments that are dropped, and
// reports whether f is the first answer fragment following reasoning.
func (a *accumulator) add(f completion.Fragment) (kept bool, reasoningFinished bool) {
	if f.Text == "" {
		return false, false
	}
	switch f.Channel {
	case completion.ChannelReasoning:
		if !a.keepReasoning {
			return false, false
		}
		a.reasoning.WriteString(f.Text)
	case completion.ChannelAnswer:
		reasoningFinished = !a.answerStarted && a.reasoning.Len() > 0
		a.answerStarted = true
		a.answer.WriteString(f.Text)
	default:
		return false, false
	}
	a.received++
	return true, reasoningFinished
}

func (a *accumulator) Answer() string {
	return a.answer.String()
}

func (a *accumulator) Reasoning() string {
	return a.reasoning.String()
}

func (a *accumulator) Received() bool {
	return a.received > 0
}
