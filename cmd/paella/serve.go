package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/paella/internal/api"
	"github.com/samcharles93/paella/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		opts          samplingOptions
		addr          string
		readTimeout   time.Duration
		rateLimit     float64
		rateBurst     int64
		storeCapacity int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the sampling REST API",
		Flags: append(append(commonModelFlags(), samplingFlags(&opts)...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Float64Flag{
				Name:        "rate-limit",
				Usage:       "sampling requests per second (0 = unlimited)",
				Destination: &rateLimit,
			},
			&cli.Int64Flag{
				Name:        "rate-burst",
				Usage:       "sampling requests allowed in a burst",
				Value:       4,
				Destination: &rateBurst,
			},
			&cli.Int64Flag{
				Name:        "store-capacity",
				Usage:       "finished samples kept for GET /v1/samples/:id (0 = unbounded)",
				Value:       256,
				Destination: &storeCapacity,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, fileConfig)
			applySamplingConfig(cmd, fileConfig, &opts)
			applyServeConfig(cmd, fileConfig, &addr, &rateLimit, &rateBurst)

			defaults, err := opts.config()
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}

			provider := api.NewCachedModelProvider(api.ModelProviderConfig{
				DefaultModelPath: modelPath,
				ModelsPath:       modelsPath,
				Workers:          int(workers),
			})
			server := api.NewServer(provider, api.ServerConfig{
				Defaults:      defaults,
				RateLimit:     rateLimit,
				Burst:         int(rateBurst),
				StoreCapacity: int(storeCapacity),
				Logger:        log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "model", modelPath, "models_path", modelsPath)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
