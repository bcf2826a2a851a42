// Package log configures the daemon's per-channel structured loggers.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package log

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var root zerolog.Logger

// Init configures the process-wide sink: the console when console is set
// (logFile is then ignored), otherwise logFile. Having neither is an error;
// a daemon with neither has nowhere to report.
func Init(level string, console bool, logFile string) error {
	lvl, err := zerolog.ParseLevel(normalize(level))
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer
	switch {
	case console:
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	case logFile != "":
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrapf(err, "failed to open log file %q", logFile)
		}
		out = f
	default:
		return errors.New("log file must be set")
	}
	root = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

// Channel returns a named child logger; components hold the handle instead
// of reaching for a global.
func Channel(name string) zerolog.Logger {
	return root.With().Str("channel", name).Logger()
}

func normalize(level string) string {
	switch level {
	case "", "warning":
		if level == "warning" {
			return "warn"
		}
		return "info"
	default:
		return level
	}
}
