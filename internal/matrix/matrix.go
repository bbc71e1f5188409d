// Package matrix expands a benchmark configuration into the full
// engine x pattern-count x corpus-size x iteration job set and owns the
// scratch input files the engines consume.
package matrix

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rexbench/rexbench/internal/config"
	"github.com/rexbench/rexbench/internal/domain"
	"github.com/rexbench/rexbench/internal/jobstore"
)

// Expand creates the run row and bulk-inserts one queued job per matrix
// cell and iteration. Jobs are inserted in a stable order so the FIFO
// claim order walks engines through growing workloads.
func Expand(cfg *config.Config, store *jobstore.Store, logger *zap.Logger) (*domain.Run, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("serializing config: %w", err)
	}
	sum := sha256.Sum256(cfgJSON)
	cfgHash := hex.EncodeToString(sum[:8])

	run := &domain.Run{
		ID:            uuid.NewString(),
		Status:        domain.RunPreparing,
		ConfigHash:    cfgHash,
		ConfigJSON:    string(cfgJSON),
		SystemProfile: systemProfile(),
		CreatedAt:     time.Now().UTC(),
	}

	var jobs []*domain.Job
	for _, eng := range cfg.Engines {
		for _, count := range cfg.Matrix.PatternCounts {
			for _, size := range cfg.Matrix.CorpusSizes {
				for iter := 0; iter < cfg.Matrix.Iterations; iter++ {
					jobs = append(jobs, &domain.Job{
						ID:             uuid.NewString(),
						RunID:          run.ID,
						EngineName:     eng.Name,
						PatternCount:   count,
						InputSize:      size.Label,
						InputBytes:     size.Bytes,
						Iteration:      iter,
						PatternSuite:   cfg.Matrix.PatternSuite,
						CorpusName:     cfg.Matrix.CorpusName,
						Status:         domain.StatusQueued,
						CreatedAt:      run.CreatedAt,
						TimeoutSeconds: cfg.Matrix.TimeoutSeconds,
						ConfigHash:     cfgHash,
					})
				}
			}
		}
	}
	run.TotalJobs = len(jobs)

	if err := store.CreateRun(run); err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	if err := store.EnqueueAll(jobs); err != nil {
		return nil, fmt.Errorf("enqueueing jobs: %w", err)
	}

	logger.Info("matrix expanded",
		zap.String("run_id", run.ID),
		zap.Int("engines", len(cfg.Engines)),
		zap.Int("jobs", len(jobs)))
	return run, nil
}
