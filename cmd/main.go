package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	_ "time/tzdata"

	"github.com/alecthomas/kong"
	"github.com/crazy-max/unarc/internal/app"
	"github.com/crazy-max/unarc/internal/logging"
	"github.com/crazy-max/unarc/pkg/config"
	"github.com/rs/zerolog/log"
)

var (
	unarc   *app.Unarc
	cli     config.Cli
	version = "dev"
	meta    = config.Meta{
		ID:     "unarc",
		Name:   "Unarc",
		Desc:   "Read archive entries through a sandboxed request protocol",
		URL:    "https://github.com/crazy-max/unarc",
		Author: "CrazyMax",
	}
)

func main() {
	var err error
	runtime.GOMAXPROCS(runtime.NumCPU())

	meta.Version = version
	meta.UserAgent = fmt.Sprintf("%s/%s go/%s %s", meta.ID, meta.Version, runtime.Version()[2:], strings.Title(runtime.GOOS)) //nolint:staticcheck // ignoring "SA1019: strings.Title is deprecated", as for our use we don't need full unicode support

	kctx := kong.Parse(&cli,
		kong.Name(meta.ID),
		kong.Description(fmt.Sprintf("%s. More info: %s", meta.Desc, meta.URL)),
		kong.UsageOnError(),
		kong.Configuration(config.JSONC, "/etc/unarc/config.jsonc", "~/.config/unarc/config.jsonc"),
		kong.Vars{
			"version": version,
		},
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	// Logging
	logfile := logging.Configure(cli)
	defer logfile.Close()

	// Init
	if unarc, err = app.New(meta, cli); err != nil {
		log.Fatal().Err(err).Msg("cannot initialize unarc")
	}

	// Handle os signals
	channel := make(chan os.Signal, 1)
	signal.Notify(channel, os.Interrupt, SIGTERM)
	go func() {
		sig := <-channel
		unarc.Close()
		log.Warn().Msgf("caught signal %v", sig)
		_ = logfile.Close()
		os.Exit(0)
	}()

	// Start
	if err = unarc.Start(kctx.Command()); err != nil {
		_ = logfile.Close()
		log.Fatal().Stack().Err(err).Send()
	}
}
