package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/wayfarer-app/wayfarer/src/chatkit"
	"github.com/wayfarer-app/wayfarer/src/engine"
	"github.com/wayfarer-app/wayfarer/src/transcript"
	"github.com/wayfarer-app/wayfarer/src/transport"
)

// ChatCmd is the interactive chat REPL.
type ChatCmd struct {
	Trip     string `help:"Trip id to bind the conversation to"`
	TripName string `help:"Trip name shown in context switches"`
	Resume   string `help:"Conversation id to resume"`
}

// Run executes the chat command.
func (c *ChatCmd) Run(ctx *kong.Context, cli *CLI) error {
	logger := createChatLogger(cli.LogLevel)

	// Every way a turn can end signals done: completion, a mid-turn stream
	// error, or losing the connection.
	done := make(chan struct{}, 4)
	signal := func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}
	app, err := buildApp(cli, logger, engine.Hooks{
		TurnComplete: func(msg *chatkit.Message) { signal() },
		StreamError: func(err *transcript.StreamError) {
			fmt.Fprintf(os.Stderr, "\n%v\n", err)
			signal()
		},
		ConnError: func(err error) {
			if errors.Is(err, transport.ErrReconnecting) {
				fmt.Fprintln(os.Stderr, "connection lost, reconnecting...")
			} else {
				fmt.Fprintf(os.Stderr, "connection error: %v\n", err)
			}
			signal()
		},
	})
	if err != nil {
		return err
	}
	defer app.close()

	bg := context.Background()
	if c.Resume != "" {
		if err := app.eng.Restore(bg, c.Resume); err != nil {
			return fmt.Errorf("failed to resume conversation: %w", err)
		}
		printTranscript(app.eng.Messages())
	}
	if c.Trip != "" {
		if err := app.eng.SwitchContext(bg, chatkit.Context{TripID: c.Trip, TripName: c.TripName}); err != nil {
			return fmt.Errorf("failed to switch context: %w", err)
		}
	}

	fmt.Println("wayfarer: /new starts a conversation, /cancel stops a reply, /quit exits")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit, err := c.runSlashCommand(bg, app, line); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
			} else if quit {
				return nil
			}
			continue
		}

		// Drop signals from reconnect notices that arrived while idle.
		for len(done) > 0 {
			<-done
		}
		if err := app.eng.SendMessage(bg, line); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			continue
		}
		<-done
		if msgs := app.eng.Messages(); len(msgs) > 0 {
			if last := msgs[len(msgs)-1]; last.Role == chatkit.RoleAssistant {
				fmt.Println(renderMessage(last))
			}
		}
	}
	return scanner.Err()
}

func (c *ChatCmd) runSlashCommand(ctx context.Context, app *app, line string) (quit bool, err error) {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/new":
		return false, app.eng.NewConversation(ctx)
	case "/cancel":
		return false, app.eng.Cancel(ctx)
	case "/trip":
		next := chatkit.Context{}
		if arg != "" {
			next = chatkit.Context{TripID: arg, TripName: arg}
		}
		if err := app.eng.SwitchContext(ctx, next); err != nil {
			return false, err
		}
		printTranscript(app.eng.Messages())
		return false, nil
	case "/model":
		if arg == "" {
			return false, errors.New("usage: /model <id>")
		}
		if _, err := app.cat.Model(ctx, arg); err != nil {
			return false, err
		}
		app.eng.SetModel(arg)
		return false, nil
	default:
		return false, fmt.Errorf("unknown command: %s", cmd)
	}
}

func printTranscript(msgs []*chatkit.Message) {
	for _, msg := range msgs {
		fmt.Println(renderMessage(msg))
	}
}

func renderMessage(msg *chatkit.Message) string {
	var b strings.Builder
	switch {
	case msg.IsContextChange:
		b.WriteString("--- " + msg.Content + " ---")
	case msg.Role == chatkit.RoleUser:
		b.WriteString("you: " + msg.Content)
	default:
		for _, part := range msg.Parts {
			switch part.Type {
			case chatkit.PartText:
				b.WriteString(part.Content)
			case chatkit.PartToolGroup:
				for _, call := range part.ToolCalls {
					status := "pending"
					if call.Result != nil {
						status = "ok"
						if call.Result.IsError {
							status = "error"
						}
					}
					b.WriteString(fmt.Sprintf("[%s: %s]\n", call.Name, status))
				}
			}
		}
		if len(msg.Parts) == 0 {
			b.WriteString(msg.Content)
		}
	}
	return b.String()
}
