package completion

import (
	"context"
	"io"

	"github.com/go-go-golems/dschat/pkg/settings"
	"github.com/go-go-golems/dschat/pkg/transcript"
)

// Channel tags a fragment as deliberation or final answer text.
type Channel string

const (
	ChannelReasoning Channel = "reasoning"
	ChannelAnswer    Channel = "answer"
)

type Fragment struct {
	Channel Channel
	Text    string
}

func Answer(text string) Fragment {
	return Fragment{Channel: ChannelAnswer, Text: text}
}

func Reasoning(text string) Fragment {
	return Fragment{Channel: ChannelReasoning, Text: text}
}

type Request struct {
	// Window holds the turns sent as context, the last one being the new user turn.
	Window   []transcript.Turn
	Settings *settings.Settings
}

// Stream is a lazy sequence of fragments. Recv returns io.EOF once the
// response is complete; any other error ends the stream.
// Fragments of one channel arrive in generation order.
type Stream interface {
	Recv() (Fragment, error)
	Close() error
}

// Service sends a request to a language model.
// Implementations must unblock Recv when ctx is cancelled.
type Service interface {
	Request(ctx context.Context, req *Request) (Stream, error)
}

// SliceStream replays a fixed list of fragments.
type SliceStream struct {
	fragments []Fragment
	err       error
	pos       int
	closed    bool
}

var _ Stream = (*SliceStream)(nil)

func NewSliceStream(fragments ...Fragment) *SliceStream {
	return &SliceStream{fragments: fragments}
}

// NewFailingSliceStream replays fragments and then fails with err instead of io.EOF.
func NewFailingSliceStream(err error, fragments ...Fragment) *SliceStream {
	return &SliceStream{fragments: fragments, err: err}
}

func (s *SliceStream) Recv() (Fragment, error) {
	if s.closed {
		return Fragment{}, io.ErrClosedPipe
	}
	if s.pos < len(s.fragments) {
		f := s.fragments[s.pos]
		s.pos++
		return f, nil
	}
	if s.err != nil {
		return Fragment{}, s.err
	}
	return Fragment{}, io.EOF
}

func (s *SliceStream) Close() error {
	s.closed = true
	return nil
}

type Usage struct {
	InputTokens  int `json:"input_tokens" yaml:"input_tokens"`
	OutputTokens int `json:"output_tokens" yaml:"output_tokens"`
}

// UsageReporter is implemented by streams that learn token usage and the
// stop reason from the provider. Values are complete once Recv returned io.EOF.
type UsageReporter interface {
	Usage() (Usage, bool)
	FinishReason() string
}
