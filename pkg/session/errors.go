package session

import "github.com/pkg/errors"

var (
	ErrEmptyInput    = errors.New("empty input")
	ErrTurnInFlight  = errors.New("a turn is already in flight")
	ErrSessionClosed = errors.New("session is closed")
)
