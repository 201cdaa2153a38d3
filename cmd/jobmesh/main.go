package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:  "jobmesh",
		Usage: "Cluster-aware recurring job scheduler",
		Commands: []*cli.Command{
			serveCmd(),
			nextCmd(),
			checkCmd(),
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func configFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to config (json or yaml)",
		Value:   "./config.json",
		Sources: cli.EnvVars("JOBMESH_CONFIG"),
	}
}
