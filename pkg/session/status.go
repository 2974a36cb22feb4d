package session

import "strings"

// Status is the position of the engine in its turn cycle:
// idle -> awaiting_response -> streaming -> idle, and closed from anywhere.
type Status string

const (
	StatusIdle             Status = "idle"
	StatusAwaitingResponse Status = "awaiting_response"
	StatusStreaming        Status = "streaming"
	StatusClosed           Status = "closed"
)

var exitTokens = []string{"exit", "quit", "q"}

// IsExitToken reports whether input asks to end the session.
func IsExitToken(input string) bool {
	input = strings.TrimSpace(input)
	for _, t := range exitTokens {
		if strings.EqualFold(input, t) {
			return true
		}
	}
	return false
}
