package main

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/go-go-golems/dschat/pkg/settings"
)

type logConfig struct {
	WithCaller bool
	Level      string
	LogFormat  string
	LogFile    string
}

func addLoggingFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log-level", "error", "Log level (trace, debug, info, warn, error, fatal)")
	cmd.PersistentFlags().String("log-format", "text", "Log format (json, text)")
	cmd.PersistentFlags().String("log-file", "", "Also write logs to this file, rotated")
	cmd.PersistentFlags().Bool("with-caller", false, "Log caller")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose output (debug logging)")
}

// initLogger reads the logging flags, which can also be set as DSCHAT_LOG_LEVEL and co.
func initLogger(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix(settings.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	logLevel := v.GetString("log-level")
	if v.GetBool("verbose") && logLevel != "trace" {
		logLevel = "debug"
	}

	return InitLogger(&logConfig{
		Level:      logLevel,
		LogFile:    v.GetString("log-file"),
		LogFormat:  v.GetString("log-format"),
		WithCaller: v.GetBool("with-caller"),
	})
}

func InitLogger(config *logConfig) error {
	// logs always go to stderr, stdout is the conversation
	var logWriter io.Writer
	if config.LogFormat == "text" {
		logWriter = zerolog.ConsoleWriter{Out: os.Stderr}
	} else {
		logWriter = os.Stderr
	}

	if config.LogFile != "" {
		logWriter = io.MultiWriter(
			logWriter,
			zerolog.ConsoleWriter{
				NoColor: true,
				Out: &lumberjack.Logger{
					Filename:   config.LogFile,
					MaxSize:    10, // megabytes
					MaxBackups: 3,
					MaxAge:     28, // days
				},
			})
	}

	logger := zerolog.New(logWriter).With().Timestamp()
	if config.WithCaller {
		logger = logger.Caller()
	}
	log.Logger = logger.Logger()

	level, err := zerolog.ParseLevel(strings.ToLower(config.Level))
	if err != nil || config.Level == "" {
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	return nil
}
