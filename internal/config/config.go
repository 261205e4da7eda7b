// Package config loads the service configuration from a YAML or JSON file
// with strict field checking, applies defaults, env overrides, and validates
// every bound.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type File struct {
	DataRoot string `json:"dataRoot" yaml:"dataRoot"`

	Strategos struct {
		BaseURL string      `json:"baseUrl" yaml:"baseUrl"`
		Retry   RetryConfig `json:"retry" yaml:"retry"`
		// PollIntervalMS is the worker status poll cadence.
		PollIntervalMS int `json:"pollIntervalMs" yaml:"pollIntervalMs"`
	} `json:"strategos" yaml:"strategos"`

	Server struct {
		Host string `json:"host" yaml:"host"`
		Port int    `json:"port" yaml:"port"`
	} `json:"server" yaml:"server"`

	// WorkerTimeoutMinutes is the default per-worker deadline.
	WorkerTimeoutMinutes int `json:"workerTimeoutMinutes" yaml:"workerTimeoutMinutes"`
	// InvestigationBudget caps investigate-phase fan-out, [0, 50].
	InvestigationBudget *int `json:"investigationBudget" yaml:"investigationBudget"`
	// MaxClassifyWorkers is the classify batch fan-out, [3, 5].
	MaxClassifyWorkers int `json:"maxClassifyWorkers" yaml:"maxClassifyWorkers"`

	PathwayDir string `json:"pathwayDir" yaml:"pathwayDir"`

	Log struct {
		Level      string `json:"level" yaml:"level"`
		File       string `json:"file" yaml:"file"`
		MaxSizeMB  int    `json:"maxSizeMb" yaml:"maxSizeMb"`
		MaxBackups int    `json:"maxBackups" yaml:"maxBackups"`
		MaxAgeDays int    `json:"maxAgeDays" yaml:"maxAgeDays"`
	} `json:"log" yaml:"log"`
}

type RetryConfig struct {
	InitialDelayMS int     `json:"initialDelayMs" yaml:"initialDelayMs"`
	Factor         float64 `json:"factor" yaml:"factor"`
	MaxDelayMS     int     `json:"maxDelayMs" yaml:"maxDelayMs"`
	Jitter         bool    `json:"jitter" yaml:"jitter"`
	MaxAttempts    int     `json:"maxAttempts" yaml:"maxAttempts"`
}

// Load reads path (YAML unless the extension is .json), applies defaults and
// environment overrides, and validates. An empty path yields the defaults.
func Load(path string) (*File, error) {
	var cfg File
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		ext := strings.ToLower(filepath.Ext(path))
		switch ext {
		case ".json":
			if err := decodeJSONStrict(b, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		default:
			if err := decodeYAMLStrict(b, &cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *File) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *File) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyDefaults(cfg *File) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.DataRoot) == "" {
		cfg.DataRoot = "./data"
	}
	if strings.TrimSpace(cfg.Strategos.BaseURL) == "" {
		cfg.Strategos.BaseURL = "http://127.0.0.1:8788"
	}
	cfg.Strategos.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Strategos.BaseURL), "/")
	if cfg.Strategos.Retry.InitialDelayMS == 0 {
		cfg.Strategos.Retry.InitialDelayMS = 200
	}
	if cfg.Strategos.Retry.Factor == 0 {
		cfg.Strategos.Retry.Factor = 2.0
	}
	if cfg.Strategos.Retry.MaxDelayMS == 0 {
		cfg.Strategos.Retry.MaxDelayMS = 60000
	}
	if cfg.Strategos.Retry.MaxAttempts == 0 {
		cfg.Strategos.Retry.MaxAttempts = 4
	}
	if cfg.Strategos.PollIntervalMS == 0 {
		cfg.Strategos.PollIntervalMS = 2000
	}
	if strings.TrimSpace(cfg.Server.Host) == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8790
	}
	if cfg.WorkerTimeoutMinutes == 0 {
		cfg.WorkerTimeoutMinutes = 15
	}
	if cfg.InvestigationBudget == nil {
		v := 10
		cfg.InvestigationBudget = &v
	}
	if cfg.MaxClassifyWorkers == 0 {
		cfg.MaxClassifyWorkers = 4
	}
	if strings.TrimSpace(cfg.PathwayDir) == "" {
		cfg.PathwayDir = filepath.Join(cfg.DataRoot, "pathways")
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
	if strings.TrimSpace(cfg.Log.File) == "" {
		cfg.Log.File = filepath.Join(cfg.DataRoot, "logs", "veracity.log")
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 10
	}
	if cfg.Log.MaxAgeDays == 0 {
		cfg.Log.MaxAgeDays = 30
	}
}

func applyEnvOverrides(cfg *File) {
	if v := strings.TrimSpace(os.Getenv("VERACITY_DATA_ROOT")); v != "" {
		cfg.DataRoot = v
	}
	if v := strings.TrimSpace(os.Getenv("VERACITY_STRATEGOS_URL")); v != "" {
		cfg.Strategos.BaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv("VERACITY_PORT")); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
}

func validate(cfg *File) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range [1, 65535]", cfg.Server.Port)
	}
	if cfg.WorkerTimeoutMinutes < 1 {
		return fmt.Errorf("config: workerTimeoutMinutes must be >= 1, got %d", cfg.WorkerTimeoutMinutes)
	}
	if b := *cfg.InvestigationBudget; b < 0 || b > 50 {
		return fmt.Errorf("config: investigationBudget %d out of range [0, 50]", b)
	}
	if cfg.MaxClassifyWorkers < 3 || cfg.MaxClassifyWorkers > 5 {
		return fmt.Errorf("config: maxClassifyWorkers %d out of range [3, 5]", cfg.MaxClassifyWorkers)
	}
	if cfg.Strategos.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: strategos.retry.maxAttempts must be >= 1, got %d", cfg.Strategos.Retry.MaxAttempts)
	}
	if cfg.Strategos.Retry.Factor < 1 {
		return fmt.Errorf("config: strategos.retry.factor must be >= 1, got %v", cfg.Strategos.Retry.Factor)
	}
	if !strings.HasPrefix(cfg.Strategos.BaseURL, "http://") && !strings.HasPrefix(cfg.Strategos.BaseURL, "https://") {
		return fmt.Errorf("config: strategos.baseUrl must be an http(s) URL, got %q", cfg.Strategos.BaseURL)
	}
	return nil
}
