package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"jobmesh/internal/config"
)

func checkCmd() *cli.Command {
	return &cli.Command{
		Name:   "check",
		Usage:  "Validate a config file and exit",
		Flags:  []cli.Flag{configFlag()},
		Action: check,
	}
}

func check(_ context.Context, cmd *cli.Command) error {
	if err := config.LoadDotenv(".env"); err != nil {
		return fmt.Errorf("dotenv: %w", err)
	}
	m := config.NewManager(cmd.String("config"))
	cfg, err := m.Parse()
	if err != nil {
		return err
	}
	fmt.Printf("config ok: storage=%s cluster=%s api=%v\n", orDefault(cfg.Storage.Driver, "memory"), orDefault(cfg.Cluster.Driver, "memory"), cfg.API.Enabled)
	return nil
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
