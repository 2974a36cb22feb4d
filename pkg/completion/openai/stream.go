package openai

import (
	"context"
	"io"

	"github.com/go-go-golems/dschat/pkg/completion"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// chatStream turns chat completion deltas into channel tagged fragments.
// A single delta may carry both reasoning and answer text, so fragments are queued.
type chatStream struct {
	stream  *go_openai.ChatCompletionStream
	pending []completion.Fragment
	chunks  int

	usage        completion.Usage
	hasUsage     bool
	finishReason string
}

var _ completion.Stream = (*chatStream)(nil)
var _ completion.UsageReporter = (*chatStream)(nil)

func newChatStream(stream *go_openai.ChatCompletionStream) *chatStream {
	return &chatStream{stream: stream}
}

func (c *chatStream) Recv() (completion.Fragment, error) {
	for len(c.pending) == 0 {
		response, err := c.stream.Recv()
		if errors.Is(err, io.EOF) {
			log.Debug().
				Int("chunks_received", c.chunks).
				Str("finish_reason", c.finishReason).
				Msg("OpenAI stream completed")
			return completion.Fragment{}, io.EOF
		}
		if err != nil {
			log.Warn().Err(err).Int("chunks_received", c.chunks).Msg("OpenAI stream receive failed")
			return completion.Fragment{}, classifyError(context.Background(), err)
		}
		c.chunks++

		if response.Usage != nil {
			c.usage = completion.Usage{
				InputTokens:  response.Usage.PromptTokens,
				OutputTokens: response.Usage.CompletionTokens,
			}
			c.hasUsage = true
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		if choice.FinishReason != "" {
			c.finishReason = string(choice.FinishReason)
		}
		if choice.Delta.ReasoningContent != "" {
			c.pending = append(c.pending, completion.Reasoning(choice.Delta.ReasoningContent))
		}
		if choice.Delta.Content != "" {
			c.pending = append(c.pending, completion.Answer(choice.Delta.Content))
		}
	}

	f := c.pending[0]
	c.pending = c.pending[1:]
	return f, nil
}

func (c *chatStream) Close() error {
	return c.stream.Close()
}

func (c *chatStream) Usage() (completion.Usage, bool) {
	return c.usage, c.hasUsage
}

func (c *chatStream) FinishReason() string {
	return c.finishReason
}

// responseStream replays a non-streaming response.
type responseStream struct {
	*completion.SliceStream
	usage        completion.Usage
	finishReason string
}

var _ completion.UsageReporter = (*responseStream)(nil)

func responseToStream(resp *go_openai.ChatCompletionResponse) *responseStream {
	var fragments []completion.Fragment
	ret := &responseStream{
		usage: completion.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		ret.finishReason = string(choice.FinishReason)
		if choice.Message.ReasoningContent != "" {
			fragments = append(fragments, completion.Reasoning(choice.Message.ReasoningContent))
		}
		if choice.Message.Content != "" {
			fragments = append(fragments, completion.Answer(choice.Message.Content))
		}
	}
	ret.SliceStream = completion.NewSliceStream(fragments...)
	return ret
}

func (r *responseStream) Usage() (completion.Usage, bool) {
	return r.usage, r.usage.InputTokens > 0 || r.usage.OutputTokens > 0
}

func (r *responseStream) FinishReason() string {
	return r.finishReason
}
