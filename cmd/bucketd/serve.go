package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yohan020/my-bucket-editor/internal/bootstrap"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the host process",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "Start a project server on this port"},
			&cli.StringFlag{Name: "path", Usage: "Project folder served on --port"},
			&cli.BoolFlag{Name: "tunnel", Usage: "Expose --port through a public tunnel"},
			&cli.StringFlag{Name: "data-dir", Usage: "Directory for approved users and the project list"},
		},
		Action: serve,
	}
}

func serve(c *cli.Context) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	if c.IsSet("host-addr") {
		cfg.HostAddr = c.String("host-addr")
	}
	if dir := c.String("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	port, path := c.Int("port"), c.String("path")
	if (port == 0) != (path == "") {
		return cli.Exit("--port and --path must be given together", 2)
	}
	if c.Bool("tunnel") && port == 0 {
		return cli.Exit("--tunnel needs --port", 2)
	}

	log := bootstrap.NewLogger(cfg)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.NewApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	if err := app.Start(); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		app.Shutdown(shutdownCtx)
	}()

	if port != 0 {
		if err := app.Servers.Start(port, path); err != nil {
			return err
		}
		if c.Bool("tunnel") {
			url, err := app.Tunnels.Start(ctx, port)
			if err != nil {
				log.WithError(err).Error("Tunnel failed, serving locally only")
			} else {
				log.Infof("Public URL: %s", url)
			}
		}
	}

	<-ctx.Done()
	log.Info("Shutdown signal received...")
	return nil
}
