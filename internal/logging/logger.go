package logging

import (
	"io"
	"os"
	"time"

	"github.com/crazy-max/unarc/pkg/config"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	LogLevel   string
	LogJSON    bool
	LogCaller  bool
	LogNoColor bool
	LogFile    string
}

// Configure configures the global logger. Logs go to stderr so that stdout
// stays free for protocol frames and entry contents.
func Configure(cli config.Cli) io.Closer {
	logger, closer, err := New(os.Stderr, Options{
		LogLevel:   cli.LogLevel,
		LogJSON:    cli.LogJSON,
		LogCaller:  cli.LogCaller,
		LogNoColor: cli.LogNoColor,
		LogFile:    cli.LogFile,
	})
	if err != nil {
		log.Fatal().Err(err).Msgf("Unknown log level")
	}
	log.Logger = logger
	zerolog.SetGlobalLevel(logger.GetLevel())
	return closer
}

// New creates a logger writing to out and, if opts.LogFile is set, to a
// rotated log file. The returned closer releases the log file.
func New(out io.Writer, opts Options) (zerolog.Logger, io.Closer, error) {
	logLevel, err := zerolog.ParseLevel(opts.LogLevel)
	if err != nil {
		return zerolog.Nop(), nil, errors.Wrapf(err, "invalid log level %q", opts.LogLevel)
	}

	// Adds support for NO_COLOR. More info https://no-color.org/
	_, noColor := os.LookupEnv("NO_COLOR")

	var w io.Writer
	if !opts.LogJSON {
		w = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    noColor || opts.LogNoColor,
			TimeFormat: time.RFC1123,
		}
	} else {
		w = out
	}

	var closer io.Closer = nopCloser{}
	if opts.LogFile != "" {
		file := &lumberjack.Logger{
			Filename:   opts.LogFile,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		// the file always gets JSON lines
		w = zerolog.MultiLevelWriter(w, file)
		closer = file
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	ctx := zerolog.New(w).With().Timestamp()
	if opts.LogCaller {
		ctx = ctx.Caller()
	}
	return ctx.Logger().Level(logLevel), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error {
	return nil
}
