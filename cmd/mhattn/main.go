package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/mhattn/internal/version"
)

func main() {
	app := &cli.Command{
		Name:    "mhattn",
		Usage:   "Multi-head attention block runner",
		Version: version.String(),
		Flags:   append(loggingFlags(), configFlag()),
		Before:  setup,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			workspaceCmd(),
			benchCmd(),
			pluginsCmd(),
			serveCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
