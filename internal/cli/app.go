// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/jeranaias/rigrun-gateway/internal/client"
	"github.com/jeranaias/rigrun-gateway/internal/server"
)

// Version information (can be overridden at build time)
var (
	Version   = server.Version
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var urlFlag = &cli.StringFlag{
	Name:    "url",
	Usage:   "Gateway base URL",
	Value:   client.DefaultURL,
	EnvVars: []string{"RIGRUN_URL"},
}

var backendIDFlag = &cli.Int64Flag{
	Name:  "backend-id",
	Usage: "Backend to use (default: the default backend)",
}

// NewApp builds the command tree.
func NewApp() *cli.App {
	return &cli.App{
		Name:    "rigrun-gateway",
		Usage:   "Streaming gateway for local LLM and image servers",
		Version: Version + " (" + GitCommit + ", " + BuildDate + ")",
		Before: func(c *cli.Context) error {
			return loadDotEnv(".env")
		},
		Commands: []*cli.Command{
			serveCommand,
			chatCommand,
			modelsCommand,
			pullCommand,
			backendsCommand,
		},
	}
}

// Run executes the app with os-style args.
func Run(args []string) error {
	return NewApp().Run(args)
}

// loadDotEnv loads path if it exists. Variables already set win.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Main runs the app and exits the process.
func Main() {
	if err := Run(os.Args); err != nil {
		// stream errors were already printed in place
		var streamErr *client.StreamError
		if !errors.As(err, &streamErr) {
			printError(os.Stderr, err)
		}
		os.Exit(1)
	}
}
