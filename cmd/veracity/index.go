package main

import (
	"fmt"
	"os"

	"github.com/veracity-research/veracity/internal/config"
	"github.com/veracity-research/veracity/internal/index"
	"github.com/veracity-research/veracity/internal/logging"
)

func indexCmd(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "index requires a subcommand: rebuild")
		os.Exit(1)
	}
	switch args[0] {
	case "rebuild":
		indexRebuild(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown index subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func indexRebuild(args []string) {
	configPath := ""

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   true,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	ix, err := index.New(index.Options{DataRoot: cfg.DataRoot, Logger: logger})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := ix.Rebuild(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("entries=%d\n", ix.Len())
}
