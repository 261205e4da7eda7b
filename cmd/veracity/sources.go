package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/veracity-research/veracity/internal/config"
	"github.com/veracity-research/veracity/internal/sources"
)

func sourcesCmd(args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "sources requires a subcommand: list, match")
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		sourcesList(args[1:])
	case "match":
		sourcesMatch(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown sources subcommand: %s\n", args[0])
		os.Exit(1)
	}
}

func loadSources(configPath string) *sources.Registry {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	reg := sources.NewRegistry(filepath.Join(cfg.DataRoot, "sources.json"), nil)
	if err := reg.Load(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return reg
}

func sourcesList(args []string) {
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

	reg := loadSources(configPath)
	for _, s := range reg.Sources() {
		fmt.Printf("%s\t%s\t%s\n", s.ID, s.Name, strings.Join(s.Tags, ","))
	}
}

func sourcesMatch(args []string) {
	topic := ""
	max := 0
	configPath := ""

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--topic":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--topic requires a value")
				os.Exit(1)
			}
			topic = args[i]
		case "--max":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--max requires a value")
				os.Exit(1)
			}
			n, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "--max: %v\n", err)
				os.Exit(1)
			}
			max = n
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
	if topic == "" {
		fmt.Fprintln(os.Stderr, "match requires --topic")
		usage()
		os.Exit(1)
	}

	reg := loadSources(configPath)
	for _, s := range reg.Match(topic, max) {
		fmt.Printf("%s\t%s\t%s\n", s.ID, s.Name, strings.Join(s.Tags, ","))
	}
}
