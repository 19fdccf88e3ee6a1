package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/metaharvest/harvestpool/internal/config"
	"github.com/metaharvest/harvestpool/internal/enrich"
	"github.com/metaharvest/harvestpool/internal/httpx"
	"github.com/metaharvest/harvestpool/internal/logging"
	"github.com/metaharvest/harvestpool/internal/workerpool"
)

// EnvEnrichConfig is the environment variable a re-exec'd worker process
// reads its config.EnrichmentConfig from. RegisterWorkers sets it in the
// current process before any worker is spawned, so it is inherited through
// exec.Cmd's default (nil Env means "copy the parent's environment") —
// workerpool's re-exec'd children have no other channel back to the
// settings the parent was configured with.
const EnvEnrichConfig = "HARVESTPOOL_ENRICH_CONFIG"

// WorkerConfig configures the httpx.Client and enrichment cache built fresh
// inside each worker process by the InitFunc RegisterWorkers installs.
type WorkerConfig struct {
	HTTPMaxTries  int
	HTTPRetryWait time.Duration
	CacheBytes    int // 0 disables the local enrichment cache
}

var (
	workerMu   sync.Mutex
	workerOrch *enrich.Orchestrator
)

// RegisterWorkers registers the enrichment RunFunc/InitFunc pair under
// poolID with the workerpool package, and records enrichCfg in
// EnvEnrichConfig so a re-exec'd worker can reconstruct it independently.
// Call this before constructing the pool with workerpool.NewPool.
func RegisterWorkers(poolID string, enrichCfg config.EnrichmentConfig, workerCfg WorkerConfig) error {
	raw, err := json.Marshal(enrichCfg)
	if err != nil {
		return fmt.Errorf("pipeline: marshal enrichment config: %w", err)
	}
	if err := os.Setenv(EnvEnrichConfig, string(raw)); err != nil {
		return fmt.Errorf("pipeline: set %s: %w", EnvEnrichConfig, err)
	}

	workerpool.Register(poolID, runEnrichRequest, func() error {
		return initWorkerOrchestrator(workerCfg)
	})
	return nil
}

func initWorkerOrchestrator(cfg WorkerConfig) error {
	raw := os.Getenv(EnvEnrichConfig)
	if raw == "" {
		return fmt.Errorf("pipeline: %s not set in worker environment", EnvEnrichConfig)
	}
	var enrichCfg config.EnrichmentConfig
	if err := json.Unmarshal([]byte(raw), &enrichCfg); err != nil {
		return fmt.Errorf("pipeline: decode %s: %w", EnvEnrichConfig, err)
	}

	log := logging.New(logging.Options{})
	client := httpx.New(cfg.HTTPMaxTries, cfg.HTTPRetryWait, "", log)

	var cache enrich.Cache
	if cfg.CacheBytes > 0 {
		cache = enrich.NewFastCache(cfg.CacheBytes)
	}

	workerMu.Lock()
	workerOrch = enrich.New(enrichCfg, client, cache, log)
	workerMu.Unlock()
	return nil
}

// runEnrichRequest is the workerpool.RunFunc executed per request, in the
// worker process (or synchronously, for a zero-worker pool).
func runEnrichRequest(request []byte) (reply []byte, err error) {
	var job recordJob
	if err := json.Unmarshal(request, &job); err != nil {
		return nil, fmt.Errorf("pipeline: decode request: %w", err)
	}

	workerMu.Lock()
	orch := workerOrch
	workerMu.Unlock()
	if orch == nil {
		return nil, fmt.Errorf("pipeline: worker orchestrator not initialized")
	}

	doc := job.Doc
	if doc == nil {
		doc = enrich.Document{}
	}
	for _, uri := range job.URIs {
		if err := orch.Enrich(doc, uri); err != nil {
			return nil, fmt.Errorf("pipeline: enrich %s: %w", uri, err)
		}
	}

	reply, err = json.Marshal(recordReply{SourceID: job.SourceID, RecordID: job.RecordID, Doc: doc})
	if err != nil {
		return nil, fmt.Errorf("pipeline: encode reply: %w", err)
	}
	return reply, nil
}
