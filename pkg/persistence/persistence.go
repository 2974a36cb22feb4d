package persistence

import (
	"context"
	"fmt"

	"github.com/go-go-golems/dschat/pkg/transcript"
)

// Writer saves a transcript when a session closes.
type Writer interface {
	Flush(ctx context.Context, t *transcript.Transcript) error
	// Location describes where Flush writes, shown to the user after a save.
	Location() string
}

// PersistenceError reports a failed save or load. It never ends a session.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("persistence error: %v", e.Err)
	}
	return fmt.Sprintf("persistence error (%s): %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
