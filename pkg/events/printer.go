package events

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAssistantName = "DeepSeek"
	thinkingPrefix       = "Thinking :"
	reasoningSeparator   = "==========Reasoning finished.=========="
	truncatedMarker      = "[response truncated]"
)

// MarkdownRenderer renders a complete answer for display, glamour's TermRenderer being one.
type MarkdownRenderer interface {
	Render(in string) (string, error)
}

// Printer writes session events to a terminal-like writer.
// It is a sink itself and can also consume events from a watermill router.
type Printer struct {
	w        io.Writer
	name     string
	renderer MarkdownRenderer

	mu          sync.Mutex
	atLineStart bool
	sawThinking bool
}

var _ EventSink = (*Printer)(nil)

type PrinterOption func(*Printer)

func WithAssistantName(name string) PrinterOption {
	return func(p *Printer) {
		p.name = name
	}
}

// WithMarkdownRenderer renders buffered answers. Streamed fragments are always printed raw.
func WithMarkdownRenderer(r MarkdownRenderer) PrinterOption {
	return func(p *Printer) {
		p.renderer = r
	}
}

func NewPrinter(w io.Writer, options ...PrinterOption) *Printer {
	p := &Printer{
		w:           w,
		name:        DefaultAssistantName,
		atLineStart: true,
	}
	for _, o := range options {
		o(p)
	}
	return p
}

func (p *Printer) write(s string) error {
	if s == "" {
		return nil
	}
	_, err := io.WriteString(p.w, s)
	if err != nil {
		return err
	}
	p.atLineStart = strings.HasSuffix(s, "\n")
	return nil
}

func (p *Printer) endLine() error {
	if p.atLineStart {
		return nil
	}
	return p.write("\n")
}

func (p *Printer) PublishEvent(e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p_ := e.(type) {
	case *EventStart:
		p.sawThinking = false
		if err := p.endLine(); err != nil {
			return err
		}
		if p_.Streaming {
			return p.write(fmt.Sprintf("%s> \n", p.name))
		}
		return p.write(fmt.Sprintf("%s> ", p.name))

	case *EventThinkingPartial:
		if !p.sawThinking {
			p.sawThinking = true
			if err := p.write(thinkingPrefix); err != nil {
				return err
			}
		}
		return p.write(p_.Delta)

	case *EventReasoningFinished:
		if err := p.endLine(); err != nil {
			return err
		}
		return p.write(reasoningSeparator + "\n")

	case *EventPartialCompletion:
		return p.write(p_.Delta)

	case *EventFinal:
		if p_.Buffered {
			if p_.Reasoning != "" {
				if err := p.write(thinkingPrefix + p_.Reasoning); err != nil {
					return err
				}
				if err := p.endLine(); err != nil {
					return err
				}
				if err := p.write(reasoningSeparator + "\n"); err != nil {
					return err
				}
			}
			if err := p.write(p.render(p_.Text)); err != nil {
				return err
			}
		}
		if p_.Truncated {
			if err := p.endLine(); err != nil {
				return err
			}
			if err := p.write(truncatedMarker); err != nil {
				return err
			}
		}
		return p.endLine()

	case *EventError:
		if err := p.endLine(); err != nil {
			return err
		}
		return p.write(fmt.Sprintf("[error: %s] %s\n", p_.Kind, p_.ErrorString))

	case *EventInterrupt:
		if err := p.endLine(); err != nil {
			return err
		}
		return p.write("[interrupted]\n")

	case *EventInfo:
		switch p_.Message {
		case InfoSessionClosed:
			return nil
		case InfoTranscriptSaved:
			if err := p.endLine(); err != nil {
				return err
			}
			return p.write(fmt.Sprintf("transcript saved to %v\n", p_.Data["path"]))
		default:
			if err := p.endLine(); err != nil {
				return err
			}
			return p.write(fmt.Sprintf("[i] %s\n", p_.Message))
		}
	}

	return nil
}

func (p *Printer) render(text string) string {
	if p.renderer == nil || strings.TrimSpace(text) == "" {
		return text
	}
	out, err := p.renderer.Render(text)
	if err != nil {
		log.Warn().Err(err).Msg("Could not render markdown, printing raw answer")
		return text
	}
	return out
}

// HandleMessage is a watermill handler printing events received on a topic.
func (p *Printer) HandleMessage(msg *message.Message) error {
	defer msg.Ack()

	e, err := NewEventFromJson(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Str("message_id", msg.UUID).Msg("Could not decode event")
		return nil
	}
	return p.PublishEvent(e)
}
