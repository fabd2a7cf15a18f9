package cli

import (
	"fmt"

	"github.com/carlmontanari/meshcast/meshcast"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

const (
	configFlag     = "config"
	liveReloadFlag = "live-reload"
	logLevelFlag   = "log-level"
)

// ShowVersion shows the version information for the meshcast CLI.
func ShowVersion(_ *cli.Context) {
	fmt.Printf("\tversion: %s\n", meshcast.Version)                            //nolint:forbidigo
	fmt.Printf("\tsource : %s\n", "https://github.com/carlmontanari/meshcast") //nolint:forbidigo
}

// Entrypoint loads the meshcast config, creates the meshcast manager and runs it.
func Entrypoint() *cli.App {
	cli.VersionPrinter = ShowVersion

	return &cli.App{
		Name:    "meshcast",
		Version: meshcast.Version,
		Usage:   "relay multicast and broadcast traffic across a mesh!",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     configFlag,
				Usage:    "meshcast configuration file to load",
				Required: false,
				Value:    "meshcast.yaml",
			},
			&cli.BoolFlag{
				Name:     liveReloadFlag,
				Usage:    "watch the configuration file and apply changes without restarting",
				Required: false,
				Value:    false,
			},
			&cli.StringFlag{
				Name:     logLevelFlag,
				Usage:    "log level, overrides the level set in the configuration file",
				Required: false,
			},
		},
		Action: func(ctx *cli.Context) error {
			m, err := meshcast.GetManager(
				meshcast.WithConfigFile(ctx.String(configFlag)),
				meshcast.WithLiveReload(ctx.Bool(liveReloadFlag)),
				meshcast.WithLogLevel(ctx.String(logLevelFlag)),
			)
			if err != nil {
				log.Error().Err(err).Msg("failed setting up meshcast")

				return err
			}

			return m.Run()
		},
	}
}
