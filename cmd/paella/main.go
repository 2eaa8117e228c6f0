package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/paella/internal/logger"
	"github.com/samcharles93/paella/internal/version"
)

// fileConfig is the parsed config file, loaded before any command runs.
var fileConfig Config

func main() {
	app := &cli.Command{
		Name:    "paella",
		Usage:   "Text-conditional token diffusion sampler",
		Version: version.String(),
		Flags: append(loggingFlags(),
			&cli.StringFlag{
				Name:        "config",
				Usage:       "path to config.yaml",
				Value:       configPath(),
				Destination: &configFile,
			},
		),
		Before: setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			sampleCmd(),
			serveCmd(),
			initCmd(),
			inspectCmd(),
			prepCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := loadConfigFile(configFile)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	fileConfig = cfg
	applyLoggingConfig(cmd, cfg)

	level := logLevel
	if debug {
		level = "debug"
	}
	log, err := logger.Setup(os.Stderr, logFormat, level)
	if err != nil {
		return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	return logger.WithContext(ctx, log), nil
}
