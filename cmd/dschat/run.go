package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/dschat/pkg/completion/openai"
	"github.com/go-go-golems/dschat/pkg/events"
	"github.com/go-go-golems/dschat/pkg/helpers"
	"github.com/go-go-golems/dschat/pkg/persistence"
	"github.com/go-go-golems/dschat/pkg/session"
	"github.com/go-go-golems/dschat/pkg/settings"
	"github.com/go-go-golems/dschat/pkg/transcript"
)

const (
	userPrompt    = "User> "
	markdownWidth = 100
)

type chatOptions struct {
	in  io.Reader
	out io.Writer

	newSession      bool
	key             string
	beta            bool
	reasoner        bool
	memory          bool
	status          bool
	temperature     float64
	noStream        bool
	noContext       bool
	responseTimeout time.Duration
	maxRetries      int
	configPath      string
	dataDir         string
	dumpEvents      bool
	verbose         bool
}

func (o *chatOptions) addFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.BoolVarP(&o.newSession, "new", "n", false, "Archive the previous transcript and start a new conversation")
	f.StringVarP(&o.key, "key", "k", "", "Write a new settings file with this API key and exit")
	f.BoolVarP(&o.beta, "beta", "b", false, "Use the beta API endpoint")
	f.BoolVarP(&o.reasoner, "reasoner", "r", false, "Use the reasoning model")
	f.BoolVarP(&o.memory, "memory", "m", false, "Save the transcript on exit and continue it next time")
	f.BoolVarP(&o.status, "status", "s", false, "Print the resolved settings and exit")
	f.Float64VarP(&o.temperature, "temperature", "t", settings.DefaultTemperature, "Sampling temperature (0 to 1.5)")
	f.BoolVarP(&o.noStream, "no-stream", "d", false, "Print answers once complete instead of streaming them")
	f.BoolVar(&o.noContext, "no-context", false, "Send only the latest message instead of the whole conversation")
	f.DurationVar(&o.responseTimeout, "response-timeout", settings.DefaultResponseTimeout, "Maximum wait for the next part of a response")
	f.IntVar(&o.maxRetries, "max-retries", settings.DefaultMaxRetries, "Retries when a request cannot be opened")
	f.StringVar(&o.configPath, "config", "", "Settings file (default <config dir>/dschat/settings.yaml)")
	f.StringVar(&o.dataDir, "data-dir", "", "Transcript directory (default <config dir>/dschat)")
	f.BoolVar(&o.dumpEvents, "dump-events", false, "Print session events as JSON to stderr")
}

func (o *chatOptions) overrides(cmd *cobra.Command) settings.Overrides {
	ret := settings.Overrides{
		Beta:      o.beta,
		Reasoner:  o.reasoner,
		Memory:    o.memory,
		NoStream:  o.noStream,
		NoContext: o.noContext,
		New:       o.newSession,
	}
	if cmd.Flags().Changed("temperature") {
		ret.Temperature = &o.temperature
	}
	if cmd.Flags().Changed("response-timeout") {
		ret.ResponseTimeout = &o.responseTimeout
	}
	if cmd.Flags().Changed("max-retries") {
		ret.MaxRetries = &o.maxRetries
	}
	return ret
}

func (o *chatOptions) paths() (configPath string, dataDir string) {
	configDir := settings.DefaultConfigDir()
	configPath = o.configPath
	if configPath == "" {
		configPath = filepath.Join(configDir, settings.SettingsFileName)
	}
	dataDir = o.dataDir
	if dataDir == "" {
		dataDir = configDir
	}
	return configPath, dataDir
}

func (o *chatOptions) run(cmd *cobra.Command) error {
	configPath, dataDir := o.paths()
	o.verbose, _ = cmd.Flags().GetBool("verbose")

	if o.key != "" {
		return o.writeKey(configPath)
	}

	v, err := settings.NewViper(configPath, "")
	if err != nil {
		return err
	}
	s := settings.FromViper(v).Apply(o.overrides(cmd))
	if err := s.ValidateTemperature(); err != nil {
		return err
	}

	var storeOptions []persistence.FileStoreOption
	if s.ArchiveFormat != "" {
		storeOptions = append(storeOptions, persistence.WithArchiveTemplate(s.ArchiveFormat))
	}
	store, err := persistence.NewFileStore(dataDir, storeOptions...)
	if err != nil {
		return &settings.ConfigError{Field: "archive_format", Value: s.ArchiveFormat, Reason: "invalid transcript store", Err: err}
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if o.newSession {
		archived, err := store.Archive(ctx)
		switch {
		case err != nil && archived == "":
			// the previous transcript is still in place and must not be overwritten
			s.Persist = false
			_, _ = fmt.Fprintf(o.out, "[error: %s] %v, saving is disabled for this session\n", events.ErrorKindPersistence, err)
		case err != nil:
			_, _ = fmt.Fprintf(o.out, "[error: %s] %v\n", events.ErrorKindPersistence, err)
		case archived != "":
			_, _ = fmt.Fprintf(o.out, "previous transcript archived to %s\n", archived)
		}
	}

	if o.status {
		return s.WriteStatus(o.out, store.Location())
	}

	if err := s.Validate(); err != nil {
		return err
	}

	return o.chat(ctx, s, store)
}

func (o *chatOptions) writeKey(configPath string) error {
	s := settings.NewKeySettings(o.key, o.temperature)
	if err := s.ValidateTemperature(); err != nil {
		return err
	}
	if err := settings.Store(configPath, s); err != nil {
		return err
	}
	_, err := fmt.Fprintf(o.out, "settings written to %s\n", configPath)
	return err
}

func (o *chatOptions) loadTranscript(ctx context.Context, s *settings.Settings, store *persistence.FileStore) *transcript.Transcript {
	if !s.Continue {
		return transcript.New()
	}
	t, err := store.Load(ctx)
	if err != nil {
		// keep the unreadable file rather than overwriting it on exit
		s.Persist = false
		_, _ = fmt.Fprintf(o.out, "[error: %s] %v, saving is disabled for this session\n", events.ErrorKindPersistence, err)
		return transcript.New()
	}
	log.Debug().Int("turns", t.Len()).Str("path", store.Location()).Msg("Continuing previous session")
	return t
}

func (o *chatOptions) chat(ctx context.Context, s *settings.Settings, store *persistence.FileStore) error {
	t := o.loadTranscript(ctx, s, store)

	service, err := openai.NewService(s)
	if err != nil {
		return err
	}

	router, err := events.NewEventRouter(
		events.WithLogger(helpers.NewWatermill(log.Logger)),
		events.WithVerbose(o.verbose),
	)
	if err != nil {
		return err
	}
	defer func() {
		_ = router.Close()
	}()

	router.AddHandler("printer", events.DefaultTopic, o.newPrinter(s).HandleMessage)
	if o.dumpEvents {
		router.AddHandler("dump", events.DefaultTopic, router.DumpRawEventsTo(os.Stderr))
	}

	engine, err := session.NewEngine(s, service,
		session.WithTranscript(t),
		session.WithWriter(store),
		session.WithEventSinks(router.Sink(events.DefaultTopic)),
	)
	if err != nil {
		return err
	}
	log.Debug().Str("session_id", engine.SessionID()).Object("settings", s).Msg("Starting session")

	chatCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// the router outlives the chat loop so that the close notices are printed
	routerCtx, cancelRouter := context.WithCancel(context.Background())
	defer cancelRouter()

	eg := errgroup.Group{}
	eg.Go(func() error {
		defer cancelRouter()
		select {
		case <-router.Running():
		case <-routerCtx.Done():
			return errors.New("event router stopped before the session started")
		}
		return o.loop(chatCtx, engine)
	})
	eg.Go(func() error {
		err := router.Run(routerCtx)
		cancelRouter()
		return err
	})

	return eg.Wait()
}

// loop feeds input lines to the engine until an exit token, end of input or
// an interrupt, then closes the session. A failed save is reported by the
// engine and does not change the exit status.
func (o *chatOptions) loop(ctx context.Context, engine *session.Engine) error {
	defer func() {
		_ = engine.Close(context.WithoutCancel(ctx))
	}()

	prompt := isTerminal(o.in)
	lines := readLines(o.in)
	for {
		if prompt {
			_, _ = fmt.Fprint(o.out, userPrompt)
		}

		select {
		case <-ctx.Done():
			_, _ = fmt.Fprintln(o.out)
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			res, err := engine.SubmitTurn(ctx, line)
			switch {
			case errors.Is(err, session.ErrEmptyInput):
				continue
			case errors.Is(err, session.ErrSessionClosed):
				return nil
			case err != nil:
				return err
			}
			if res.Closed || res.Interrupted {
				return nil
			}
		}
	}
}

func (o *chatOptions) newPrinter(s *settings.Settings) *events.Printer {
	var options []events.PrinterOption
	if !s.Stream && isTerminal(o.out) {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(markdownWidth),
		)
		if err != nil {
			log.Warn().Err(err).Msg("Could not create markdown renderer")
		} else {
			options = append(options, events.WithMarkdownRenderer(r))
		}
	}
	return events.NewPrinter(o.out, options...)
}

func isTerminal(v interface{}) bool {
	f, ok := v.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
