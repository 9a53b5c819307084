// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/urfave/cli/v2"

	"github.com/jeranaias/rigrun-gateway/internal/client"
)

var modelsCommand = &cli.Command{
	Name:  "models",
	Usage: "List models on a backend",
	Flags: []cli.Flag{urlFlag, backendIDFlag},
	Action: func(c *cli.Context) error {
		ml, err := client.New(c.String("url")).Models(c.Context, c.Int64("backend-id"))
		if err != nil {
			return err
		}
		return printModels(c.App.Writer, ml)
	},
}

var pullCommand = &cli.Command{
	Name:      "pull",
	Usage:     "Download a model onto an Ollama backend",
	ArgsUsage: "<model>",
	Flags:     []cli.Flag{urlFlag, backendIDFlag},
	Action: func(c *cli.Context) error {
		name := strings.TrimSpace(c.Args().First())
		if name == "" {
			return cli.Exit("usage: rigrun-gateway pull <model>", 2)
		}
		st, err := client.New(c.String("url")).Pull(c.Context, name, c.Int64("backend-id"))
		if err != nil {
			return err
		}
		defer st.Close()
		return client.NewRenderer(c.App.Writer, client.RenderOptions{}).Pull(st.Reader)
	},
}

var backendsCommand = &cli.Command{
	Name:  "backends",
	Usage: "List configured backends",
	Flags: []cli.Flag{urlFlag},
	Action: func(c *cli.Context) error {
		list, err := client.New(c.String("url")).Backends(c.Context)
		if err != nil {
			return err
		}
		printBackends(c.App.Writer, list)
		return nil
	},
}

// =============================================================================
// OUTPUT
// =============================================================================

func printModels(w io.Writer, ml client.ModelList) error {
	if ml.Error != "" {
		return fmt.Errorf("%s", ml.Error)
	}
	if len(ml.Models) == 0 {
		fmt.Fprintf(w, "No models on %s.\n", ml.Backend)
		return nil
	}

	fmt.Fprintln(w, TitleStyle.Render(ml.Backend))
	rows := make([][]string, len(ml.Models))
	for i, m := range ml.Models {
		rows[i] = []string{m.Name, m.Params, m.Family, m.Size}
	}
	writeTable(w, []string{"NAME", "PARAMS", "FAMILY", "SIZE"}, rows)
	return nil
}

func printBackends(w io.Writer, list []client.Backend) {
	rows := make([][]string, len(list))
	for i, b := range list {
		def := ""
		if b.IsDefault {
			def = "*"
		}
		key := ""
		if b.HasKey {
			key = "yes"
		}
		rows[i] = []string{strconv.FormatInt(b.ID, 10), def, b.Name, b.Kind, b.BaseURL, key}
	}
	writeTable(w, []string{"ID", "DEFAULT", "NAME", "KIND", "URL", "KEY"}, rows)
}

// writeTable pads columns by display width so CJK and emoji names line up.
func writeTable(w io.Writer, headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if cw := runewidth.StringWidth(cell); cw > widths[i] {
				widths[i] = cw
			}
		}
	}

	line := func(cells []string) {
		var b strings.Builder
		for i, cell := range cells {
			if i == len(cells)-1 {
				b.WriteString(cell)
				break
			}
			b.WriteString(runewidth.FillRight(cell, widths[i]))
			b.WriteString("  ")
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}

	line(headers)
	for _, row := range rows {
		line(row)
	}
}
