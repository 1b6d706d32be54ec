package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/parallite/parallite/daemon"
	"github.com/parallite/parallite/wire"
)

const version = "v0.3.0"

func main() {
	cli.VersionPrinter = func(ctx *cli.Context) {
		fmt.Println(version)
	}
	app := &cli.App{
		Name:    "parallited",
		Usage:   "local daemon brokering client submissions onto a pool of executor workers",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Config path exported to workers as CONFIG_PATH; opaque to the daemon.",
			},
			&cli.StringFlag{
				Name:     "socket",
				Usage:    "Endpoint address: a path ending in .sock, or a loopback host:port.",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "worker-cmd",
				Usage:    "Executor program spawned for each worker.",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:  "worker-arg",
				Usage: "Argument passed to the executor program; repeatable.",
			},
			&cli.IntFlag{
				Name:  "timeout-ms",
				Usage: "Per-task deadline in milliseconds.",
				Value: 30000,
			},
			&cli.IntFlag{
				Name:  "fixed-workers",
				Usage: "Fixed pool size; 0 sizes the pool to the host CPU count.",
				Value: 0,
			},
			&cli.StringFlag{
				Name:  "prefix-name",
				Usage: "Prefix applied to spawned worker process names where the OS allows.",
				Value: daemon.DefaultPrefixName,
			},
			&cli.StringFlag{
				Name:  "fail-mode",
				Usage: "Reaction to a worker failure. One of [continue,stop].",
				Value: string(daemon.FailModeContinue),
			},
			&cli.IntFlag{
				Name:  "max-payload-bytes",
				Usage: "Frame size ceiling on every stream.",
				Value: wire.DefaultMaxPayloadBytes,
			},
			&cli.StringFlag{
				Name:  "status-addr",
				Usage: "Loopback host:port for the HTTP status side-door; empty disables it.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level. One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx *cli.Context) error {
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	failMode, err := daemon.ParseFailMode(ctx.String("fail-mode"))
	if err != nil {
		return err
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	logger = logger.WithOptions(zap.IncreaseLevel(level))

	var hub *daemon.LogHub
	if ctx.String("status-addr") != "" {
		hub = daemon.NewLogHub()
		logger = daemon.TeeToHub(logger, hub, level)
	}
	defer logger.Sync()

	d, err := daemon.New(daemon.Config{
		SocketAddr:      ctx.String("socket"),
		WorkerCommand:   ctx.String("worker-cmd"),
		WorkerArgs:      ctx.StringSlice("worker-arg"),
		ConfigPath:      ctx.String("config"),
		TaskTimeout:     time.Duration(ctx.Int("timeout-ms")) * time.Millisecond,
		FixedWorkers:    ctx.Int("fixed-workers"),
		PrefixName:      ctx.String("prefix-name"),
		FailMode:        failMode,
		MaxPayloadBytes: ctx.Int("max-payload-bytes"),
		StatusAddr:      ctx.String("status-addr"),
	}, logger, hub)
	if err != nil {
		return err
	}
	return d.Run(context.Background())
}
