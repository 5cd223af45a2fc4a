package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
)

// CLI represents the main CLI structure
type CLI struct {
	Token    string `env:"WAYFARER_TOKEN" help:"API credential"`
	BaseURL  string `help:"Custom API base URL"`
	Model    string `help:"Model to use for new sessions"`
	LogLevel string `default:"warn" help:"Log level"`

	// Chat is the default command
	Chat    ChatCmd    `cmd:"" default:"1" help:"Interactive travel assistant chat (default)"`
	History HistoryCmd `cmd:"" help:"Stored conversation management"`
	Models  ModelsCmd  `cmd:"" help:"List available assistant models"`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("wayfarer"),
		kong.Description("AI travel assistant"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)

	err := ctx.Run(&cli)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
