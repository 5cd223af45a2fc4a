package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/alecthomas/kong"

	"github.com/wayfarer-app/wayfarer/src/engine"
	"github.com/wayfarer-app/wayfarer/src/history"
)

// HistoryCmd manages stored conversations.
type HistoryCmd struct {
	List HistoryListCmd `cmd:"" help:"List stored conversations"`
	Show HistoryShowCmd `cmd:"" help:"Print a stored conversation"`
	Rm   HistoryRmCmd   `cmd:"" help:"Delete a stored conversation"`
}

// HistoryListCmd lists stored conversations.
type HistoryListCmd struct {
	Trip   string `help:"Only conversations bound to this trip id"`
	Format string `help:"Output format (table, json)" default:"table"`
}

// Run executes the history list command.
func (c *HistoryListCmd) Run(ctx *kong.Context, cli *CLI) error {
	app, err := buildApp(cli, createCLILogger(cli.LogLevel), engine.Hooks{})
	if err != nil {
		return err
	}
	defer app.close()

	records, err := app.hist.List(context.Background(), c.Trip)
	if err != nil {
		return fmt.Errorf("failed to list conversations: %w", err)
	}

	switch c.Format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(records)
	case "table":
		return printHistoryTable(records)
	default:
		return fmt.Errorf("invalid format: %s", c.Format)
	}
}

// HistoryShowCmd prints one stored conversation.
type HistoryShowCmd struct {
	ID string `arg:"" help:"Conversation id"`
}

// Run executes the history show command.
func (c *HistoryShowCmd) Run(ctx *kong.Context, cli *CLI) error {
	app, err := buildApp(cli, createCLILogger(cli.LogLevel), engine.Hooks{})
	if err != nil {
		return err
	}
	defer app.close()

	rec, err := app.hist.Load(context.Background(), c.ID)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("conversation %s not found", c.ID)
	}

	fmt.Printf("%s (%s, %d messages)\n\n", rec.Title, rec.UpdatedAt.Format("2006-01-02 15:04"), rec.MessageCount)
	printTranscript(rec.Messages)
	return nil
}

// HistoryRmCmd deletes a stored conversation.
type HistoryRmCmd struct {
	ID string `arg:"" help:"Conversation id"`
}

// Run executes the history rm command.
func (c *HistoryRmCmd) Run(ctx *kong.Context, cli *CLI) error {
	app, err := buildApp(cli, createCLILogger(cli.LogLevel), engine.Hooks{})
	if err != nil {
		return err
	}
	defer app.close()

	if err := app.hist.Remove(context.Background(), c.ID); err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	fmt.Printf("deleted %s\n", c.ID)
	return nil
}

func printHistoryTable(records []*history.Record) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "ID\tTitle\tContext\tMessages\tUpdated")
	fmt.Fprintln(w, "--\t-----\t-------\t--------\t-------")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			rec.ID, rec.Title, rec.ContextKey, rec.MessageCount, rec.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}
