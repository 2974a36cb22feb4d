package openai

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-go-golems/dschat/pkg/completion"
	"github.com/go-go-golems/dschat/pkg/settings"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

// Service implements completion.Service against an OpenAI compatible
// chat completions endpoint (DeepSeek standard and beta endpoints).
type Service struct {
	client     *go_openai.Client
	newBackOff func() backoff.BackOff
}

var _ completion.Service = (*Service)(nil)

type ServiceOption func(*serviceConfig)

type serviceConfig struct {
	httpClient *http.Client
	newBackOff func() backoff.BackOff
}

func WithHTTPClient(c *http.Client) ServiceOption {
	return func(cfg *serviceConfig) {
		cfg.httpClient = c
	}
}

// WithBackOff sets the backoff policy used between attempts to open a request.
func WithBackOff(f func() backoff.BackOff) ServiceOption {
	return func(cfg *serviceConfig) {
		cfg.newBackOff = f
	}
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 8 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

func NewService(s *settings.Settings, options ...ServiceOption) (*Service, error) {
	if s == nil {
		return nil, errors.New("no settings")
	}
	if s.APIKey == "" {
		return nil, errors.New("no API key")
	}
	cfg := &serviceConfig{newBackOff: defaultBackOff}
	for _, o := range options {
		o(cfg)
	}

	return &Service{
		client:     MakeClient(s, cfg.httpClient),
		newBackOff: cfg.newBackOff,
	}, nil
}

func MakeClient(s *settings.Settings, httpClient *http.Client) *go_openai.Client {
	config := go_openai.DefaultConfig(s.APIKey)
	config.BaseURL = s.BaseURL
	if httpClient != nil {
		config.HTTPClient = httpClient
	}
	return go_openai.NewClientWithConfig(config)
}

// Request opens a chat completion. With streaming enabled the returned stream
// relays server sent deltas, otherwise the complete response is fetched first
// and replayed as at most one reasoning and one answer fragment.
//
// Opening the request is retried for rate limits, server and transport
// failures. Once a stream is open no retry happens.
func (s *Service) Request(ctx context.Context, req *completion.Request) (completion.Stream, error) {
	if req == nil || req.Settings == nil {
		return nil, completion.NewServiceError(completion.KindRequest, errors.New("incomplete request"))
	}
	ccr, err := MakeCompletionRequest(req)
	if err != nil {
		return nil, completion.NewServiceError(completion.KindRequest, err)
	}

	log.Debug().
		Str("model", ccr.Model).
		Int("num_messages", len(ccr.Messages)).
		Bool("stream", ccr.Stream).
		Msg("OpenAI request started")

	if ccr.Stream {
		var stream *go_openai.ChatCompletionStream
		err := s.retry(ctx, req.Settings.MaxRetries, func() error {
			var err error
			stream, err = s.client.CreateChatCompletionStream(ctx, *ccr)
			return err
		})
		if err != nil {
			return nil, err
		}
		return newChatStream(stream), nil
	}

	var resp go_openai.ChatCompletionResponse
	err = s.retry(ctx, req.Settings.MaxRetries, func() error {
		var err error
		resp, err = s.client.CreateChatCompletion(ctx, *ccr)
		return err
	})
	if err != nil {
		return nil, err
	}
	return responseToStream(&resp), nil
}

func (s *Service) retry(ctx context.Context, maxRetries int, op func() error) error {
	attempt := 0
	var b backoff.BackOff = backoff.WithMaxRetries(s.newBackOff(), uint64(maxRetries))
	b = backoff.WithContext(b, ctx)

	err := backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		se := classifyError(ctx, err)
		if !se.Retryable() {
			return backoff.Permanent(se)
		}
		return se
	}, b, func(err error, d time.Duration) {
		log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", d).Msg("OpenAI request failed, retrying")
	})
	if err != nil {
		log.Error().Err(err).Int("attempts", attempt).Msg("OpenAI request failed")
		return classifyError(ctx, err)
	}
	return nil
}
