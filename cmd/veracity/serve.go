package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/veracity-research/veracity/internal/events"
	"github.com/veracity-research/veracity/internal/server"
	"github.com/veracity-research/veracity/internal/sources"
)

func serveCmd(args []string) {
	configPath := ""
	addr := ""
	verbose := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--addr":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--addr requires a value")
				os.Exit(1)
			}
			addr = args[i]
		case "--verbose":
			verbose = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	stk, err := buildStack(configPath, verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer stk.close()

	if addr == "" {
		addr = fmt.Sprintf("%s:%d", stk.cfg.Server.Host, stk.cfg.Server.Port)
	}

	// A stale index serves wrong answers; rebuild before taking traffic.
	if stk.index.NeedsRebuild() {
		if err := stk.index.Rebuild(); err != nil {
			stk.logger.Warn("index rebuild failed, serving stale index", zap.Error(err))
		}
	}

	// Hot-reload sources.json while serving. The watcher is best-effort:
	// some filesystems cannot be watched, and edits still land on restart.
	watcher, err := sources.NewWatcher(stk.sources, func(count int) {
		stk.bus.Broadcast(events.EventSourcesReloaded, map[string]any{"sources": count})
	}, stk.logger)
	if err != nil {
		stk.logger.Warn("source watcher unavailable", zap.Error(err))
	} else {
		watchCtx, watchCancel := context.WithCancel(context.Background())
		defer watchCancel()
		if err := watcher.Start(watchCtx); err != nil {
			stk.logger.Warn("source watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	srv, err := server.New(server.Config{
		Addr:    addr,
		Store:   stk.store,
		Engine:  stk.engine,
		Bus:     stk.bus,
		Index:   stk.index,
		Sources: stk.sources,
		Logger:  stk.logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := srv.ListenAndServe(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
