package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-go-golems/dschat/pkg/completion"
	"github.com/go-go-golems/dschat/pkg/settings"
	"github.com/go-go-golems/dschat/pkg/transcript"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSettings(baseURL string) *settings.Settings {
	s := settings.NewSettings()
	s.APIKey = "sk-test"
	s.BaseURL = baseURL
	s.MaxRetries = 2
	return s
}

func newTestService(t *testing.T, s *settings.Settings) *Service {
	t.Helper()
	svc, err := NewService(s, WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }))
	require.NoError(t, err)
	return svc
}

func writeSSE(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, c := range chunks {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
}

func deltaChunk(reasoning, content string) string {
	delta := map[string]string{}
	if reasoning != "" {
		delta["reasoning_content"] = reasoning
	}
	if content != "" {
		delta["content"] = content
	}
	b, _ := json.Marshal(map[string]interface{}{
		"id":      "chatcmpl-1",
		"object":  "chat.completion.chunk",
		"model":   "deepseek-reasoner",
		"choices": []interface{}{map[string]interface{}{"index": 0, "delta": delta}},
	})
	return string(b)
}

func collect(t *testing.T, stream completion.Stream) []completion.Fragment {
	t.Helper()
	var ret []completion.Fragment
	for {
		f, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return ret
		}
		require.NoError(t, err)
		ret = append(ret, f)
	}
}

func request(s *settings.Settings, turns ...transcript.Turn) *completion.Request {
	return &completion.Request{Window: turns, Settings: s}
}

func TestRequest_StreamingSplitsChannels(t *testing.T) {
	bodies := make(chan map[string]interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies <- body
		usage := `{"id":"chatcmpl-1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`
		writeSSE(w,
			deltaChunk("Let me", ""),
			deltaChunk(" think", ""),
			deltaChunk("", "Hel"),
			deltaChunk("", "lo"),
			usage,
		)
	}))
	defer srv.Close()

	s := testSettings(srv.URL)
	s.Model = settings.ReasonerModel
	svc := newTestService(t, s)

	stream, err := svc.Request(context.Background(), request(s,
		transcript.NewUserTurn("A"),
		transcript.NewAssistantTurn("a", "old reasoning", false),
		transcript.NewUserTurn("B"),
	))
	require.NoError(t, err)
	defer func() { _ = stream.Close() }()

	assert.Equal(t, []completion.Fragment{
		completion.Reasoning("Let me"),
		completion.Reasoning(" think"),
		completion.Answer("Hel"),
		completion.Answer("lo"),
	}, collect(t, stream))

	reporter, ok := stream.(completion.UsageReporter)
	require.True(t, ok)
	usage, ok := reporter.Usage()
	require.True(t, ok)
	assert.Equal(t, completion.Usage{InputTokens: 7, OutputTokens: 3}, usage)

	body := <-bodies
	assert.Equal(t, settings.ReasonerModel, body["model"])
	assert.Equal(t, true, body["stream"])
	msgs, ok := body["messages"].([]interface{})
	require.True(t, ok)
	require.Len(t, msgs, 3)
	for _, m := range msgs {
		_, hasReasoning := m.(map[string]interface{})["reasoning_content"]
		assert.False(t, hasReasoning)
	}
	assert.Equal(t, "B", msgs[2].(map[string]interface{})["content"])
}

func TestRequest_NonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, streaming := body["stream"]
		assert.False(t, streaming)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-2",
			"object": "chat.completion",
			"model": "deepseek-reasoner",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "Hello", "reasoning_content": "Thinking"}}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
		}`)
	}))
	defer srv.Close()

	s := testSettings(srv.URL)
	s.Stream = false
	svc := newTestService(t, s)

	stream, err := svc.Request(context.Background(), request(s, transcript.NewUserTurn("hi")))
	require.NoError(t, err)
	assert.Equal(t, []completion.Fragment{
		completion.Reasoning("Thinking"),
		completion.Answer("Hello"),
	}, collect(t, stream))
	assert.Equal(t, "stop", stream.(completion.UsageReporter).FinishReason())
}

func errorHandler(status int, calls *int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, `{"error":{"message":"status %d","type":"test_error","code":"test"}}`, status)
	}
}

func TestRequest_AuthErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(errorHandler(http.StatusUnauthorized, &calls))
	defer srv.Close()

	s := testSettings(srv.URL)
	_, err := newTestService(t, s).Request(context.Background(), request(s, transcript.NewUserTurn("hi")))
	require.Error(t, err)

	var se *completion.ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, completion.KindAuth, se.Kind)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRequest_ServerErrorExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(errorHandler(http.StatusServiceUnavailable, &calls))
	defer srv.Close()

	s := testSettings(srv.URL)
	_, err := newTestService(t, s).Request(context.Background(), request(s, transcript.NewUserTurn("hi")))

	var se *completion.ServiceError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, completion.KindServer, se.Kind)
	assert.Equal(t, int32(s.MaxRetries+1), atomic.LoadInt32(&calls))
}

func TestRequest_RateLimitRecovers(t *testing.T) {
	var calls int32
	limited := errorHandler(http.StatusTooManyRequests, &calls)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&calls) < 2 {
			limited(w, r)
			return
		}
		atomic.AddInt32(&calls, 1)
		writeSSE(w, deltaChunk("", "ok"))
	}))
	defer srv.Close()

	s := testSettings(srv.URL)
	stream, err := newTestService(t, s).Request(context.Background(), request(s, transcript.NewUserTurn("hi")))
	require.NoError(t, err)
	assert.Equal(t, []completion.Fragment{completion.Answer("ok")}, collect(t, stream))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestMakeCompletionRequest(t *testing.T) {
	s := testSettings("http://localhost")
	s.Temperature = 1.25

	_, err := MakeCompletionRequest(request(s))
	require.Error(t, err)

	req, err := MakeCompletionRequest(request(s, transcript.NewUserTurn("B")))
	require.NoError(t, err)
	assert.Equal(t, settings.ChatModel, req.Model)
	assert.InDelta(t, 1.25, req.Temperature, 1e-6)
	assert.True(t, req.Stream)
	require.NotNil(t, req.StreamOptions)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
}

func TestRequest_SendsZeroTemperature(t *testing.T) {
	temperatures := make(chan interface{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		temperatures <- body["temperature"]
		writeSSE(w, deltaChunk("", "ok"))
	}))
	defer srv.Close()

	s := testSettings(srv.URL)
	s.Temperature = 0
	svc, err := NewService(s, WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	stream, err := svc.Request(context.Background(), request(s, transcript.NewUserTurn("hi")))
	require.NoError(t, err)
	assert.Equal(t, []completion.Fragment{completion.Answer("ok")}, collect(t, stream))

	temperature := <-temperatures
	require.NotNil(t, temperature)
	assert.InDelta(t, 0, temperature, 1e-6)
}

func TestNewService_RequiresKey(t *testing.T) {
	_, err := NewService(settings.NewSettings())
	require.Error(t, err)
}
