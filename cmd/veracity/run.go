package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/veracity-research/veracity/internal/research"
)

// runCmd creates a project and drives it to a terminal state in the
// foreground. Events stream to stderr so stdout stays machine-readable.
func runCmd(args []string) {
	topic := ""
	budget := -1
	configPath := ""
	verbose := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--topic":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--topic requires a value")
				os.Exit(1)
			}
			topic = args[i]
		case "--budget":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--budget requires a value")
				os.Exit(1)
			}
			n, err := strconv.Atoi(args[i])
			if err != nil {
				fmt.Fprintf(os.Stderr, "--budget: %v\n", err)
				os.Exit(1)
			}
			budget = n
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--config requires a value")
				os.Exit(1)
			}
			configPath = args[i]
		case "--verbose":
			verbose = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if topic == "" {
		fmt.Fprintln(os.Stderr, "run requires --topic")
		usage()
		os.Exit(1)
	}

	stk, err := buildStack(configPath, verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer stk.close()

	cfg := research.ProjectConfig{InvestigationBudget: *stk.cfg.InvestigationBudget}
	if budget >= 0 {
		cfg.InvestigationBudget = budget
	}

	p, err := stk.store.Create(topic, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("project_id=%s\n", p.ID)

	evCh, unsubscribe := stk.bus.Subscribe(p.ID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range evCh {
			data, err := json.Marshal(ev.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Event, data)
		}
	}()

	// Ctrl-C cancels the driver; the engine settles the project as paused
	// so a later `resume` picks up from the last completed phase.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := stk.engine.Run(ctx, p.ID, research.PhasePlan)

	unsubscribe()
	<-done

	final, err := stk.store.Get(p.ID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("status=%s\n", final.Status)
	if final.LastError != "" {
		fmt.Printf("last_error=%s\n", final.LastError)
	}
	fmt.Printf("project_dir=%s\n", stk.store.ProjectDir(p.ID))

	if runErr != nil && final.Status != research.StatusComplete {
		os.Exit(1)
	}
}
