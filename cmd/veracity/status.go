package main

import (
	"fmt"
	"os"
	"time"

	"github.com/veracity-research/veracity/internal/config"
	"github.com/veracity-research/veracity/internal/store"
)

// statusCmd prints one project's state as key=value lines. It reads the
// store directly; no engine or backend connection is needed.
func statusCmd(args []string) {
	projectID := ""
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
			if projectID != "" {
				fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
				os.Exit(1)
			}
			projectID = args[i]
		}
	}
	if projectID == "" {
		fmt.Fprintln(os.Stderr, "status requires a project id")
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	st, err := store.New(cfg.DataRoot, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	p, err := st.Get(projectID)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	fmt.Printf("project_id=%s\n", p.ID)
	fmt.Printf("topic=%s\n", p.Topic)
	fmt.Printf("status=%s\n", p.Status)
	fmt.Printf("created_at=%s\n", p.CreatedAt.Format(time.RFC3339))
	fmt.Printf("updated_at=%s\n", p.UpdatedAt.Format(time.RFC3339))
	if p.LastError != "" {
		fmt.Printf("last_error=%s\n", p.LastError)
	}
	if p.PauseRequested {
		fmt.Printf("pause_requested=true\n")
	}
	for _, a := range p.Artifacts {
		fmt.Printf("artifact=%s\n", a.Path)
	}
}
