package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"jobmesh/internal/recurrence"
)

func nextCmd() *cli.Command {
	return &cli.Command{
		Name:  "next",
		Usage: "Print the next fire times of a recurrence spec",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "spec", Usage: "recurrence spec json file", Required: true},
			&cli.IntFlag{Name: "count", Aliases: []string{"n"}, Value: 5},
			&cli.StringFlag{Name: "tz", Usage: "IANA timezone (default: spec timezone or local)"},
			&cli.StringFlag{Name: "from", Usage: "RFC3339 start instant (default: now)"},
		},
		Action: next,
	}
}

func next(_ context.Context, cmd *cli.Command) error {
	b, err := os.ReadFile(cmd.String("spec"))
	if err != nil {
		return err
	}
	spec, err := recurrence.Parse(b)
	if err != nil {
		return err
	}
	from := time.Now()
	if raw := cmd.String("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			return fmt.Errorf("from: %w", err)
		}
	}
	times := recurrence.Preview(spec, cmd.String("tz"), from, cmd.Int("count"))
	if len(times) == 0 {
		fmt.Println("no upcoming fire times")
		return nil
	}
	for _, t := range times {
		fmt.Println(t.Format(time.RFC3339))
	}
	return nil
}
