// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/urfave/cli/v2"

	"github.com/jeranaias/rigrun-gateway/internal/client"
	"github.com/jeranaias/rigrun-gateway/internal/config"
)

var chatCommand = &cli.Command{
	Name:      "chat",
	Usage:     "Chat with a running gateway",
	ArgsUsage: "[message]",
	Description: `With a message argument, sends it and prints the answer. Without one,
starts an interactive session; type /help inside it for commands.
Piped stdin is sent as a single message.`,
	Flags: []cli.Flag{
		urlFlag,
		backendIDFlag,
		&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "Model name (default: the gateway's default)"},
		&cli.StringFlag{Name: "personality", Aliases: []string{"p"}, Usage: "Personality key"},
		&cli.BoolFlag{Name: "search", Aliases: []string{"s"}, Usage: "Augment questions with web search"},
		&cli.BoolFlag{Name: "think", Usage: "Ask the model to reason before answering"},
		&cli.Int64Flag{Name: "conversation", Usage: "Continue an existing conversation"},
	},
	Action: func(c *cli.Context) error {
		sess := &chatSession{
			client: client.New(c.String("url")),
			renderer: client.NewRenderer(c.App.Writer, client.RenderOptions{
				Markdown: IsStdoutTTY(),
				Width:    GetTerminalWidth(),
			}),
			out: c.App.Writer,
			req: client.ChatRequest{
				ConversationID: c.Int64("conversation"),
				Model:          c.String("model"),
				Personality:    c.String("personality"),
				BackendID:      c.Int64("backend-id"),
				Search:         c.Bool("search"),
				Think:          c.Bool("think"),
			},
		}

		if c.NArg() > 0 {
			return sess.send(c.Context, strings.Join(c.Args().Slice(), " "))
		}
		if !IsTTY() {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			return sess.send(c.Context, string(data))
		}
		return sess.repl(c.Context)
	},
}

// =============================================================================
// SESSION
// =============================================================================

// chatSession carries request settings between turns. The conversation id
// is learned from the first answer and reused for follow-ups.
type chatSession struct {
	client   *client.Client
	renderer *client.Renderer
	out      io.Writer
	req      client.ChatRequest
}

// send runs one turn.
func (s *chatSession) send(ctx context.Context, message string) error {
	req := s.req
	req.Message = message

	st, err := s.client.Chat(ctx, req)
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := s.renderer.Turn(st.Reader)
	if res.ConversationID != 0 {
		s.req.ConversationID = res.ConversationID
	}
	return err
}

const chatHelp = `Commands:
  /new                 start a new conversation
  /search [on|off]     toggle web search
  /think [on|off]      toggle reasoning
  /model <name>        switch model
  /personality <key>   switch personality (new conversations only)
  /status              show current settings
  /quit                exit`

// errUnknownCommand is returned for an unrecognised slash command.
var errUnknownCommand = errors.New("unknown command (try /help)")

// command applies a slash command and reports whether the session should
// end.
func (s *chatSession) command(line string) (quit bool, err error) {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]

	switch name {
	case "/quit", "/exit", "/q":
		return true, nil
	case "/help", "/?":
		fmt.Fprintln(s.out, chatHelp)
	case "/new":
		s.req.ConversationID = 0
		fmt.Fprintln(s.out, DimStyle.Render("[new conversation]"))
	case "/search":
		s.req.Search = toggle(s.req.Search, args)
		fmt.Fprintln(s.out, DimStyle.Render(fmt.Sprintf("[search %s]", onOff(s.req.Search))))
	case "/think":
		s.req.Think = toggle(s.req.Think, args)
		fmt.Fprintln(s.out, DimStyle.Render(fmt.Sprintf("[think %s]", onOff(s.req.Think))))
	case "/model":
		if len(args) != 1 {
			return false, errors.New("usage: /model <name>")
		}
		s.req.Model = args[0]
		fmt.Fprintln(s.out, DimStyle.Render("[model "+args[0]+"]"))
	case "/personality":
		if len(args) != 1 {
			return false, errors.New("usage: /personality <key>")
		}
		s.req.Personality = args[0]
		fmt.Fprintln(s.out, DimStyle.Render("[personality "+args[0]+"]"))
	case "/status":
		model := s.req.Model
		if model == "" {
			model = "(default)"
		}
		fmt.Fprintf(s.out, "conversation=%d model=%s search=%s think=%s\n",
			s.req.ConversationID, model, onOff(s.req.Search), onOff(s.req.Think))
	default:
		return false, errUnknownCommand
	}
	return false, nil
}

func toggle(current bool, args []string) bool {
	if len(args) == 0 {
		return !current
	}
	switch strings.ToLower(args[0]) {
	case "on", "true", "1", "yes":
		return true
	case "off", "false", "0", "no":
		return false
	}
	return current
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// =============================================================================
// REPL
// =============================================================================

// repl reads lines with history until /quit, Ctrl+C at the prompt, or EOF.
// Ctrl+C while an answer streams cancels only that turn.
func (s *chatSession) repl(ctx context.Context) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyFile := chatHistoryPath()
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer saveHistory(line, historyFile)

	fmt.Fprintln(s.out, DimStyle.Render("Type /help for commands, /quit to exit."))
	for {
		input, err := line.Prompt("rigrun> ")
		if err != nil {
			// Ctrl+C, Ctrl+D and closed stdin all end the session
			fmt.Fprintln(s.out)
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			quit, err := s.command(input)
			if err != nil {
				printError(s.out, err)
			}
			if quit {
				return nil
			}
			continue
		}

		turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		err = s.send(turnCtx, input)
		stop()

		var streamErr *client.StreamError
		switch {
		case err == nil, errors.As(err, &streamErr):
			// the renderer already printed stream errors
		case turnCtx.Err() != nil:
			fmt.Fprintln(s.out, DimStyle.Render("[cancelled]"))
		default:
			printError(s.out, err)
		}
	}
}

func chatHistoryPath() string {
	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "chat_history")
}

// saveHistory writes history with 0600 permissions.
func saveHistory(line *liner.State, path string) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	line.WriteHistory(f)
}
