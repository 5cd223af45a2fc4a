package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/alecthomas/kong"

	"github.com/wayfarer-app/wayfarer/src/engine"
)

// ModelsCmd lists the assistant models the service offers.
type ModelsCmd struct {
	Format string `help:"Output format (table, json)" default:"table"`
}

// Run executes the models command.
func (c *ModelsCmd) Run(ctx *kong.Context, cli *CLI) error {
	app, err := buildApp(cli, createCLILogger(cli.LogLevel), engine.Hooks{})
	if err != nil {
		return err
	}
	defer app.close()

	models, err := app.cat.Models(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}

	switch c.Format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(models)
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "ID\tName\tContext\tTools")
		fmt.Fprintln(w, "--\t----\t-------\t-----")
		for _, m := range models {
			tools := "no"
			if m.SupportsTools {
				tools = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", m.ID, m.Name, m.ContextLength, tools)
		}
		return nil
	default:
		return fmt.Errorf("invalid format: %s", c.Format)
	}
}
