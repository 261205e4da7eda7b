package main

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/veracity-research/veracity/internal/config"
	"github.com/veracity-research/veracity/internal/events"
	"github.com/veracity-research/veracity/internal/index"
	"github.com/veracity-research/veracity/internal/logging"
	"github.com/veracity-research/veracity/internal/pathway"
	"github.com/veracity-research/veracity/internal/pipeline"
	"github.com/veracity-research/veracity/internal/sources"
	"github.com/veracity-research/veracity/internal/store"
	"github.com/veracity-research/veracity/internal/strategos"
	"github.com/veracity-research/veracity/internal/tree"
)

// stack is the wired service core shared by serve and run.
type stack struct {
	cfg      *config.File
	logger   *zap.Logger
	store    *store.Store
	bus      *events.Bus
	index    *index.Index
	sources  *sources.Registry
	pathways *pathway.Registry
	workers  *strategos.Client
	engine   *pipeline.Engine
}

func buildStack(configPath string, verbose bool) (*stack, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		Verbose:    verbose,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   true,
	})
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DataRoot, logger)
	if err != nil {
		return nil, err
	}
	workers, err := strategos.New(strategos.Options{
		BaseURL: cfg.Strategos.BaseURL,
		Backoff: strategos.Backoff{
			InitialDelayMS: cfg.Strategos.Retry.InitialDelayMS,
			Factor:         cfg.Strategos.Retry.Factor,
			MaxDelayMS:     cfg.Strategos.Retry.MaxDelayMS,
			Jitter:         cfg.Strategos.Retry.Jitter,
			MaxAttempts:    cfg.Strategos.Retry.MaxAttempts,
		},
		PollInterval: time.Duration(cfg.Strategos.PollIntervalMS) * time.Millisecond,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	pathways, err := pathway.LoadDir(cfg.PathwayDir)
	if err != nil {
		return nil, fmt.Errorf("loading pathways from %s: %w", cfg.PathwayDir, err)
	}
	if len(pathways.IDs()) == 0 {
		logger.Warn("no pathway definitions found", zap.String("dir", cfg.PathwayDir))
	}
	ix, err := index.New(index.Options{DataRoot: cfg.DataRoot, Logger: logger})
	if err != nil {
		return nil, err
	}
	if err := ix.Load(); err != nil {
		return nil, err
	}
	srcReg := sources.NewRegistry(filepath.Join(cfg.DataRoot, "sources.json"), logger)
	if err := srcReg.Load(); err != nil {
		return nil, err
	}

	bus := events.New(logger)
	workerTimeout := time.Duration(cfg.WorkerTimeoutMinutes) * time.Minute
	runner := tree.NewRunner(tree.Options{
		Workers:        workers,
		Store:          st,
		Bus:            bus,
		Logger:         logger,
		DefaultTimeout: workerTimeout,
	})
	engine, err := pipeline.New(pipeline.Options{
		Store:           st,
		Workers:         workers,
		Pathways:        pathways,
		Runner:          runner,
		Index:           ix,
		Sources:         srcReg,
		Bus:             bus,
		Logger:          logger,
		WorkerTimeout:   workerTimeout,
		ClassifyWorkers: cfg.MaxClassifyWorkers,
		PipelineVersion: version,
	})
	if err != nil {
		return nil, err
	}

	return &stack{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		bus:      bus,
		index:    ix,
		sources:  srcReg,
		pathways: pathways,
		workers:  workers,
		engine:   engine,
	}, nil
}

// close winds the stack down: drivers first, then the bus, then the logger.
func (s *stack) close() {
	s.engine.Close()
	s.bus.Close()
	_ = s.logger.Sync()
}
