package main

import (
	"bufio"
	"io"

	"github.com/rs/zerolog/log"
)

const maxLineSize = 1024 * 1024

// readLines delivers the lines of r on the returned channel, which is closed
// at end of input. The reading goroutine is left blocked in Read when the
// session ends first; the process is exiting by then.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("Stopped reading input")
		}
	}()
	return lines
}
