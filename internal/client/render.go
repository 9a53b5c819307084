// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package client

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/rigrun-gateway/internal/events"
	"github.com/jeranaias/rigrun-gateway/internal/search"
)

// ErrNoTerminalEvent is returned when a stream ends without done or error.
var ErrNoTerminalEvent = errors.New("stream ended without a terminal event")

// StreamError is a terminal error event.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return e.Message
}

// =============================================================================
// STYLES
// =============================================================================

var (
	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242")). // Dim
			Italic(true)

	linkStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")) // Cyan

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")). // Red
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("220")) // Yellow
)

// =============================================================================
// RENDERER
// =============================================================================

// RenderOptions configures a Renderer.
type RenderOptions struct {
	// Markdown buffers the answer and renders it with glamour when the turn
	// finishes. Without it tokens are written as they arrive.
	Markdown bool

	// Width is the markdown word-wrap width.
	Width int
}

// Renderer prints event streams to a terminal or a pipe.
type Renderer struct {
	out      io.Writer
	markdown *glamour.TermRenderer

	// midLine is set while streamed text has no trailing newline
	midLine bool
}

// NewRenderer returns a renderer writing to out. If the markdown renderer
// cannot be built the renderer falls back to plain streaming.
func NewRenderer(out io.Writer, opts RenderOptions) *Renderer {
	r := &Renderer{out: out}
	if opts.Markdown {
		width := opts.Width
		if width <= 0 {
			width = 80
		}
		md, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err == nil {
			r.markdown = md
		}
	}
	return r
}

// TurnResult is what a finished chat turn reported.
type TurnResult struct {
	ConversationID int64
	Title          string
	Text           string
	Images         []events.Image
}

// Turn prints one chat turn. The conversation id is filled in as soon as
// any token carries it, so a failed turn still reports where it was stored.
func (r *Renderer) Turn(rd *Reader) (TurnResult, error) {
	var (
		res  TurnResult
		text strings.Builder
	)
	r.midLine = false

	for {
		ev, err := rd.Next()
		if err == io.EOF {
			r.endText(text.String())
			return res, ErrNoTerminalEvent
		}
		if err != nil {
			r.endText(text.String())
			return res, err
		}
		if ev.ConversationID != 0 {
			res.ConversationID = ev.ConversationID
		}

		switch {
		case ev.Error != "":
			r.endText(text.String())
			res.Text = text.String()
			fmt.Fprintln(r.out, errorStyle.Render("[Error]")+" "+ev.Error)
			return res, &StreamError{Message: ev.Error}

		case ev.Done:
			res.Title = ev.Title
			res.Text = text.String()
			r.endText(res.Text)
			r.printImages(res.Images)
			return res, nil

		case ev.Token != "":
			text.WriteString(ev.Token)
			if r.markdown == nil {
				fmt.Fprint(r.out, ev.Token)
				r.midLine = !strings.HasSuffix(ev.Token, "\n")
			}

		case ev.SearchResults != nil:
			r.printSources(ev.SearchResults)

		case ev.Images != nil:
			res.Images = append(res.Images, ev.Images...)

		case ev.Status != "":
			r.printStatus(ev)
		}
	}
}

// Pull prints model download progress, one line per status change and a
// percentage while layers download.
func (r *Renderer) Pull(rd *Reader) error {
	last := ""
	for {
		ev, err := rd.Next()
		if err == io.EOF {
			return ErrNoTerminalEvent
		}
		if err != nil {
			return err
		}

		switch {
		case ev.Error != "":
			fmt.Fprintln(r.out, errorStyle.Render("[Error]")+" "+ev.Error)
			return &StreamError{Message: ev.Error}
		case ev.Done:
			fmt.Fprintln(r.out, titleStyle.Render("done"))
			return nil
		case ev.Total > 0:
			line := fmt.Sprintf("%s %3d%%", ev.Status, ev.Percent)
			if line != last {
				fmt.Fprintln(r.out, statusStyle.Render(line))
				last = line
			}
		case ev.Status != "" && ev.Status != last:
			fmt.Fprintln(r.out, statusStyle.Render(ev.Status))
			last = ev.Status
		}
	}
}

func (r *Renderer) endText(text string) {
	if r.markdown != nil && text != "" {
		out, err := r.markdown.Render(text)
		if err != nil {
			out = text + "\n"
		}
		fmt.Fprint(r.out, out)
		return
	}
	r.breakLine()
}

// breakLine ends streamed text before anything else is printed.
func (r *Renderer) breakLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

func (r *Renderer) printStatus(ev Event) {
	r.breakLine()
	var line string
	switch ev.Status {
	case events.StatusSearching:
		line = "[searching the web]"
	case events.StatusReading:
		line = "[reading " + ev.URL + "]"
	case events.StatusGenerating:
		return
	case events.StatusGeneratingImage:
		line = "[generating image]"
	case events.StatusImageError:
		fmt.Fprintln(r.out, warnStyle.Render(fmt.Sprintf("[image failed] %s: %s", ev.Prompt, ev.Message)))
		return
	default:
		line = "[" + ev.Status + "]"
	}
	fmt.Fprintln(r.out, statusStyle.Render(line))
}

func (r *Renderer) printSources(results []search.Result) {
	r.breakLine()
	if len(results) == 0 {
		fmt.Fprintln(r.out, statusStyle.Render("[no search results]"))
		return
	}
	fmt.Fprintln(r.out, titleStyle.Render("Sources"))
	for i, res := range results {
		fmt.Fprintf(r.out, "  %d. %s\n     %s\n", i+1, res.Title, linkStyle.Render(res.URL))
	}
}

func (r *Renderer) printImages(images []events.Image) {
	r.breakLine()
	for _, img := range images {
		fmt.Fprintf(r.out, "%s %s %s\n",
			titleStyle.Render("[image]"),
			linkStyle.Render(img.URL),
			statusStyle.Render(fmt.Sprintf("(seed %d)", img.Seed)))
	}
}
