package completion

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSliceStream(t *testing.T) {
	s := NewSliceStream(Reasoning("r"), Answer("a"))
	f, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, Fragment{Channel: ChannelReasoning, Text: "r"}, f)
	f, err = s.Recv()
	require.NoError(t, err)
	assert.Equal(t, ChannelAnswer, f.Channel)
	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, s.Close())
	_, err = s.Recv()
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestFailingSliceStream(t *testing.T) {
	boom := errors.New("boom")
	s := NewFailingSliceStream(boom, Answer("Hel"))
	_, err := s.Recv()
	require.NoError(t, err)
	_, err = s.Recv()
	assert.ErrorIs(t, err, boom)
}

func TestKindFromStatus(t *testing.T) {
	assert.Equal(t, KindAuth, KindFromStatus(http.StatusUnauthorized))
	assert.Equal(t, KindAuth, KindFromStatus(http.StatusPaymentRequired))
	assert.Equal(t, KindRateLimit, KindFromStatus(http.StatusTooManyRequests))
	assert.Equal(t, KindServer, KindFromStatus(http.StatusServiceUnavailable))
	assert.Equal(t, KindTimeout, KindFromStatus(http.StatusGatewayTimeout))
	assert.Equal(t, KindRequest, KindFromStatus(http.StatusBadRequest))
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestAsServiceError(t *testing.T) {
	assert.Nil(t, AsServiceError(nil))

	se := NewServiceError(KindRateLimit, errors.New("slow down"))
	assert.Same(t, se, AsServiceError(errors.Wrap(se, "wrapped")))

	assert.Equal(t, KindCanceled, AsServiceError(context.Canceled).Kind)
	assert.Equal(t, KindTimeout, AsServiceError(errors.Wrap(context.DeadlineExceeded, "x")).Kind)
	assert.Equal(t, KindTimeout, AsServiceError(timeoutErr{}).Kind)
	assert.Equal(t, KindTransport, AsServiceError(&net.OpError{Op: "dial", Err: errors.New("refused")}).Kind)
	assert.Equal(t, KindUnknown, AsServiceError(errors.New("???")).Kind)
}

func TestServiceError_Retryable(t *testing.T) {
	assert.True(t, NewServiceError(KindRateLimit, nil).Retryable())
	assert.True(t, NewServiceError(KindServer, nil).Retryable())
	assert.True(t, NewServiceError(KindTransport, nil).Retryable())
	assert.False(t, NewServiceError(KindAuth, nil).Retryable())
	assert.False(t, NewServiceError(KindTimeout, nil).Retryable())

	err := &ServiceError{Kind: KindAuth, StatusCode: 401, Err: errors.New("bad key")}
	assert.Equal(t, "auth error (HTTP 401): bad key", err.Error())
}
