// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/jeranaias/rigrun-gateway/internal/backend"
	"github.com/jeranaias/rigrun-gateway/internal/chat"
	"github.com/jeranaias/rigrun-gateway/internal/config"
	"github.com/jeranaias/rigrun-gateway/internal/imagegen"
	"github.com/jeranaias/rigrun-gateway/internal/ollama"
	"github.com/jeranaias/rigrun-gateway/internal/openai"
	"github.com/jeranaias/rigrun-gateway/internal/platform"
	"github.com/jeranaias/rigrun-gateway/internal/plugins"
	"github.com/jeranaias/rigrun-gateway/internal/plugins/builtin"
	"github.com/jeranaias/rigrun-gateway/internal/search"
	"github.com/jeranaias/rigrun-gateway/internal/server"
	"github.com/jeranaias/rigrun-gateway/internal/storage"
	"github.com/jeranaias/rigrun-gateway/internal/stream"
)

// shutdownTimeout bounds how long in-flight streams get to finish.
const shutdownTimeout = 10 * time.Second

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Run the gateway",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Config file (default: ~/.rigrun/gateway.toml)"},
		&cli.StringFlag{Name: "addr", Usage: "Listen address, overrides server.addr"},
		&cli.StringFlag{Name: "plugins-dir", Usage: "Feature module directory, overrides plugins.dir"},
	},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return err
		}
		if v := c.String("addr"); v != "" {
			cfg.Server.Addr = v
		}
		if v := c.String("plugins-dir"); v != "" {
			cfg.Plugins.Dir = v
		}
		config.SetGlobal(cfg)

		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

// =============================================================================
// WIRING
// =============================================================================

// gateway is a fully wired server plus the resources it owns.
type gateway struct {
	server  *server.Server
	db      *storage.DB
	janitor *imagegen.Janitor
	watcher *plugins.Watcher
}

// buildGateway opens storage and wires every component from cfg. Nothing is
// started; Close releases what was opened.
func buildGateway(cfg *config.Config) (*gateway, error) {
	db, err := storage.Open(cfg.Storage.Database, cfg.Backends.Secret)
	if err != nil {
		return nil, err
	}
	gw := &gateway{db: db}

	native := ollama.New(ollama.Config{
		ChatTimeout: cfg.Backends.ChatTimeout.Std(),
		PullTimeout: cfg.Backends.PullTimeout.Std(),
		ListTimeout: cfg.Backends.ListTimeout.Std(),
	})
	compat := openai.New(openai.Config{
		ChatTimeout: cfg.Backends.ChatTimeout.Std(),
		ListTimeout: cfg.Backends.ListTimeout.Std(),
	})

	searcher := search.New(search.Config{
		Endpoint:      cfg.Search.Endpoint,
		SearchTimeout: cfg.Search.SearchTimeout.Std(),
		FetchTimeout:  cfg.Search.FetchTimeout.Std(),
		RatePerSec:    cfg.Search.RatePerSec,
		AllowPrivate:  cfg.Search.AllowPrivate,
	})

	p := platform.New(platform.Config{
		Owner:        cfg.Server.Owner,
		FallbackURL:  cfg.Backends.OllamaURL,
		DefaultModel: cfg.Backends.DefaultModel,
	}, db.Backends(), map[backend.Protocol]stream.Adapter{
		backend.ProtocolNative: native,
		backend.ProtocolOpenAI: compat,
	}, searcher)

	sdConfig := imagegen.DefaultConfig()
	sdConfig.URL = cfg.ImageGen.SDURL
	sdConfig.Timeout = cfg.ImageGen.Timeout.Std()
	sd := imagegen.NewClient(sdConfig)

	store, err := imagegen.NewStore(cfg.ImageGen.Store)
	if err != nil {
		gw.Close()
		return nil, err
	}
	images := imagegen.NewService(sd, store, db.Images())

	if local, ok := store.(*imagegen.LocalStore); ok {
		gw.janitor, err = imagegen.NewJanitor(local.Dir(), cfg.ImageGen.JanitorSchedule, cfg.ImageGen.TempMaxAge.Std())
		if err != nil {
			gw.Close()
			return nil, err
		}
	}

	registry, err := loadPlugins(cfg.Plugins.Dir)
	if err != nil {
		gw.Close()
		return nil, err
	}
	if registry != nil && cfg.Plugins.Watch {
		if gw.watcher, err = plugins.NewWatcher(cfg.Plugins.Dir, 500*time.Millisecond, nil); err != nil {
			log.Printf("PLUGIN_WATCH_FAILED | dir=%s error=%v", cfg.Plugins.Dir, err)
		}
	}

	chatService := chat.NewService(p, db.Conversations(), images, chat.Config{
		SearchResults: cfg.Search.Results,
		ReadPages:     cfg.Search.ReadPages,
		PageChars:     cfg.Search.PageChars,
	})

	gw.server = server.New(server.Config{
		Addr:         cfg.Server.Addr,
		RateLimit:    cfg.Server.RateLimit,
		RateBurst:    cfg.Server.RateBurst,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		Logger:       log.Default(),
	}, server.Deps{
		Platform:      p,
		Chat:          chatService,
		Conversations: db.Conversations(),
		Images:        images,
		ImageRecords:  db.Images(),
		SD:            sd,
		Models:        native,
		Plugins:       registry,
	})
	return gw, nil
}

// loadPlugins loads feature modules from dir. A missing directory means no
// modules; a broken manifest stops startup.
func loadPlugins(dir string) (*plugins.Registry, error) {
	if dir == "" {
		return nil, nil
	}
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		log.Printf("PLUGINS_SKIPPED | dir=%s not found", dir)
		return nil, nil
	}
	reg, err := plugins.Load(dir, builtin.Table())
	if err != nil {
		return nil, fmt.Errorf("failed to load feature modules from %s: %w", dir, err)
	}
	return reg, nil
}

// Close releases everything buildGateway opened. Safe on a partial gateway.
func (gw *gateway) Close() error {
	if gw.watcher != nil {
		gw.watcher.Close()
	}
	if gw.janitor != nil {
		gw.janitor.Stop()
	}
	if gw.db != nil {
		return gw.db.Close()
	}
	return nil
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// serve runs the gateway until ctx is cancelled, then shuts down gracefully.
func serve(ctx context.Context, cfg *config.Config) error {
	gw, err := buildGateway(cfg)
	if err != nil {
		return err
	}
	defer gw.Close()

	if gw.janitor != nil {
		gw.janitor.Sweep()
		gw.janitor.Start()
	}
	if gw.watcher != nil {
		if err := gw.watcher.Watch(); err != nil {
			log.Printf("PLUGIN_WATCH_FAILED | dir=%s error=%v", cfg.Plugins.Dir, err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.server.Start()
	}()

	fmt.Fprintf(os.Stderr, "rigrun-gateway %s listening on %s\n", Version, displayURL(cfg.Server.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := gw.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

// displayURL turns a listen address into something clickable.
func displayURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
