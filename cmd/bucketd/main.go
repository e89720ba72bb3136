package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Build information, set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "bucketd",
		Usage:   "Share a project folder with guests for live co-editing",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "host-addr",
				Usage:   "Host control API address",
				EnvVars: []string{"BUCKET_HOST_ADDR"},
				Value:   "127.0.0.1:7070",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			projectsCommand(),
			usersCommand(),
			tunnelCommand(),
		},
	}
}
