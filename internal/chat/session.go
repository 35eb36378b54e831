package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/ekisa-team/fedassist/internal/backend"
	"github.com/ekisa-team/fedassist/internal/metrics"
)

// Line commands.
const (
	CommandStop  = "stop"
	CommandClear = "clear"
)

const (
	userPrompt  = "\n用户："
	clearScreen = "\033[H\033[2J"
	maxLineSize = 1 << 20
)

// Generator streams a model response for query given the previous turns. The stream must be
// closed once ctx is cancelled.
type Generator interface {
	StreamChat(ctx context.Context, query string, history []Turn) (<-chan backend.StreamChunk, error)
}

// Session is one interactive conversation.
type Session struct {
	id         string
	generator  Generator
	dispatcher *Dispatcher
	history    History
	banner     string
	modelLabel string
	interrupts <-chan struct{}
	tty        bool
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithBanner sets the text shown on start and after clear.
func WithBanner(banner string) SessionOption {
	return func(s *Session) {
		s.banner = banner
	}
}

// WithModelLabel sets the prefix printed before generated text.
func WithModelLabel(label string) SessionOption {
	return func(s *Session) {
		s.modelLabel = label
	}
}

// WithInterrupts sets the channel that signals a user interrupt. While a response is streaming an
// interrupt cancels that response only; at the prompt it is discarded and the prompt is shown again.
func WithInterrupts(ch <-chan struct{}) SessionOption {
	return func(s *Session) {
		s.interrupts = ch
	}
}

// NewSession creates a session.
func NewSession(generator Generator, dispatcher *Dispatcher, opts ...SessionOption) *Session {
	s := &Session{
		id:         uuid.NewString(),
		generator:  generator,
		dispatcher: dispatcher,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ID returns the session identifier used in logs.
func (s *Session) ID() string {
	return s.id
}

// History returns a copy of the turns so far.
func (s *Session) History() []Turn {
	return s.history.Turns()
}

// Run reads lines from in until stop, end of input, or ctx is done.
// Errors from the generator end the session and are returned unchanged.
func (s *Session) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	s.tty = isTerminal(out)

	lines, readErr := readLines(ctx, in)

	slog.Debug("Chat session started", "session", s.id)
	defer slog.Debug("Chat session ended", "session", s.id, "turns", s.history.Len())

	fmt.Fprintln(out, s.banner)
	for {
		fmt.Fprint(out, userPrompt)

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-s.interrupts:
			fmt.Fprintln(out)
			continue

		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return <-readErr
			}

			stop, err := s.Handle(ctx, out, line)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
		}
	}
}

// Handle processes one input line and reports whether the session should stop.
func (s *Session) Handle(ctx context.Context, out io.Writer, line string) (bool, error) {
	switch strings.TrimSpace(line) {
	case CommandStop:
		return true, nil

	case CommandClear:
		s.history.Clear()
		metrics.HistoryClearsTotal.Inc()
		if s.tty {
			fmt.Fprint(out, clearScreen)
		}
		fmt.Fprintln(out, s.banner)
		return false, nil
	}

	fired, err := s.dispatcher.Dispatch(out, line)
	for _, name := range fired {
		metrics.TriggerHitsTotal.WithLabelValues(name).Inc()
	}
	if err != nil {
		return false, err
	}
	if len(fired) > 0 {
		slog.Debug("Static recommendations shown", "session", s.id, "rules", fired)
	}

	return false, s.generate(ctx, out, line)
}

// generate streams one response. The per-generation context is the cancellation token: an
// interrupt cancels it and the loop notices before consuming the next chunk.
func (s *Session) generate(ctx context.Context, out io.Writer, query string) error {
	s.drainInterrupts()

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	stream, err := s.generator.StreamChat(genCtx, query, s.history.Turns())
	if err != nil {
		metrics.GenerationsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return err
	}

	fmt.Fprintf(out, "\n%s：", s.modelLabel)

	var response strings.Builder
	interrupted := false

loop:
	for {
		select {
		case <-s.interrupts:
			interrupted = true
			cancel()
			break loop

		case chunk, ok := <-stream:
			if !ok {
				break loop
			}
			metrics.StreamChunksTotal.Inc()

			if chunk.Error != nil {
				metrics.GenerationsTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
				return chunk.Error
			}
			if len(chunk.Data) > 0 {
				response.Write(chunk.Data)
				if _, err := out.Write(chunk.Data); err != nil {
					return err
				}
			}
			if chunk.Done {
				break loop
			}
		}
	}

	// Wait for the backend to wind down before the next turn starts.
	for range stream {
	}
	fmt.Fprintln(out)

	if err := ctx.Err(); err != nil {
		return err
	}

	s.history.Append(query, response.String())
	metrics.GenerationDuration.Observe(time.Since(start).Seconds())

	outcome := metrics.OutcomeCompleted
	if interrupted {
		outcome = metrics.OutcomeInterrupted
	}
	metrics.GenerationsTotal.WithLabelValues(outcome).Inc()
	slog.Debug("Generation finished", "session", s.id, "outcome", outcome, "bytes", response.Len(), "duration", time.Since(start))

	return nil
}

// drainInterrupts discards interrupts raised while no generation was running.
func (s *Session) drainInterrupts() {
	for {
		select {
		case <-s.interrupts:
		default:
			return
		}
	}
}

// readLines feeds lines from in to a channel. The error channel yields the scanner error (nil on
// EOF) after lines is closed.
func readLines(ctx context.Context, in io.Reader) (<-chan string, <-chan error) {
	lines := make(chan string)
	errc := make(chan error, 1)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				errc <- ctx.Err()
				return
			}
		}
		errc <- scanner.Err()
	}()

	return lines, errc
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
