package openai

import (
	"context"
	"math"

	"github.com/go-go-golems/dschat/pkg/completion"
	"github.com/go-go-golems/dschat/pkg/transcript"
	"github.com/pkg/errors"
	go_openai "github.com/sashabaranov/go-openai"
)

// MakeCompletionRequest builds a chat completion request from the turn window.
// Reasoning traces of earlier turns are never sent back to the API.
func MakeCompletionRequest(req *completion.Request) (*go_openai.ChatCompletionRequest, error) {
	s := req.Settings
	if s.Model == "" {
		return nil, errors.New("no model specified")
	}
	if len(req.Window) == 0 {
		return nil, errors.New("empty turn window")
	}

	msgs := make([]go_openai.ChatCompletionMessage, 0, len(req.Window))
	for _, turn := range req.Window {
		var role string
		switch turn.Role {
		case transcript.RoleUser:
			role = go_openai.ChatMessageRoleUser
		case transcript.RoleAssistant:
			role = go_openai.ChatMessageRoleAssistant
		default:
			return nil, errors.Errorf("unsupported role %q", turn.Role)
		}
		msgs = append(msgs, go_openai.ChatCompletionMessage{
			Role:    role,
			Content: turn.Content,
		})
	}

	ret := &go_openai.ChatCompletionRequest{
		Model:       s.Model,
		Messages:    msgs,
		Temperature: requestTemperature(s.Temperature),
		Stream:      s.Stream,
	}
	if s.Stream {
		ret.StreamOptions = &go_openai.StreamOptions{IncludeUsage: true}
	}
	return ret, nil
}

// requestTemperature keeps a temperature of 0 on the wire, go-openai omits
// zero values.
func requestTemperature(t float64) float32 {
	if t == 0 {
		return math.SmallestNonzeroFloat32
	}
	return float32(t)
}

// classifyError maps go-openai and transport errors onto completion error kinds.
func classifyError(ctx context.Context, err error) *completion.ServiceError {
	var se *completion.ServiceError
	if errors.As(err, &se) {
		return se
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return completion.NewServiceError(completion.KindCanceled, err)
	}

	var apiErr *go_openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return &completion.ServiceError{
			Kind:       completion.KindFromStatus(apiErr.HTTPStatusCode),
			StatusCode: apiErr.HTTPStatusCode,
			Err:        err,
		}
	}
	var reqErr *go_openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &completion.ServiceError{
			Kind:       completion.KindFromStatus(reqErr.HTTPStatusCode),
			StatusCode: reqErr.HTTPStatusCode,
			Err:        err,
		}
	}
	return completion.AsServiceError(err)
}
