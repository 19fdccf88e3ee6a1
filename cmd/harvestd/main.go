// Command harvestd drives one OAI-PMH data source through the harvest,
// enrichment, and pipeline components end to end. It doubles as the worker
// entry point: re-exec'd copies of this same binary, invoked with
// -worker-pool=<id>, run the registered enrichment RunFunc in a request
// loop instead of driving a harvest.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/metaharvest/harvestpool/internal/config"
	"github.com/metaharvest/harvestpool/internal/enrich"
	"github.com/metaharvest/harvestpool/internal/harvest"
	"github.com/metaharvest/harvestpool/internal/httpx"
	"github.com/metaharvest/harvestpool/internal/logging"
	"github.com/metaharvest/harvestpool/internal/pipeline"
	"github.com/metaharvest/harvestpool/internal/workerpool"
)

const enrichPoolID = "enrich"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("harvestd", flag.ContinueOnError)

	workerPoolID := fs.String(workerpool.WorkerFlagName, "", "internal: re-exec as a worker process for the named pool")
	sourceID := fs.String("source-id", "demo", "data source identifier")
	baseURL := fs.String("base-url", "", "OAI-PMH repository base URL")
	set := fs.String("set", "", "OAI-PMH set filter")
	metadataPrefix := fs.String("metadata-prefix", "oai_dc", "OAI-PMH metadataPrefix")
	idPrefix := fs.String("id-prefix", "", "identifier prefix to strip")
	debugLogPath := fs.String("debug-log", "", "optional request/response trace log path")

	poolWorkers := fs.Int("pool-workers", 2, "enrichment worker pool size (0 runs synchronously)")
	poolMaxQueue := fs.Int("pool-max-queue", 8, "enrichment worker pool pending-request bound")

	enrichBaseURL := fs.String("enrich-base-url", "", "vocabulary service base URL")
	enrichWhitelist := fs.String("enrich-whitelist", "", "comma-separated vocabulary URI prefixes to enrich")
	enrichExactMatch := fs.String("enrich-exact-match-prefixes", "", "comma-separated URI prefixes eligible for exactMatch traversal")
	enrichField := fs.String("enrich-target-field", "topic", "document field enrichment labels are appended to")
	enrichCacheBytes := fs.Int("enrich-cache-bytes", 64<<20, "approximate byte budget for the local enrichment cache")

	logPretty := fs.Bool("log-pretty", false, "use zerolog's console writer instead of JSON lines")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	log := logging.New(logging.Options{Pretty: *logPretty})

	enrichCfg := config.EnrichmentConfig{
		BaseURL:               *enrichBaseURL,
		URLPrefixWhitelist:    splitNonEmpty(*enrichWhitelist),
		URIPrefixExactMatches: splitNonEmpty(*enrichExactMatch),
		TargetField:           *enrichField,
	}

	if err := pipeline.RegisterWorkers(enrichPoolID, enrichCfg, pipeline.WorkerConfig{
		HTTPMaxTries:  3,
		HTTPRetryWait: 2 * time.Second,
		CacheBytes:    *enrichCacheBytes,
	}); err != nil {
		log.Err().Err(err).Log("harvestd: register enrichment workers")
		return 1
	}

	// A re-exec'd worker process never reaches the harvest below: it blocks
	// in RunWorker's request loop until its parent closes the channel.
	if *workerPoolID != "" {
		if err := workerpool.RunWorker(*workerPoolID); err != nil {
			log.Err().Err(err).Str("pool", *workerPoolID).Log("harvestd: worker exited with an error")
			return 1
		}
		return 0
	}

	if *baseURL == "" {
		log.Err().Log("harvestd: -base-url is required")
		return 2
	}

	source := &config.DataSource{
		SourceID:       *sourceID,
		BaseURL:        *baseURL,
		Set:            *set,
		MetadataPrefix: *metadataPrefix,
		IDPrefix:       *idPrefix,
		DebugLogPath:   *debugLogPath,
	}

	httpClient := httpx.New(3, 2*time.Second, *debugLogPath, log)

	session, err := harvest.New(source, httpClient, log, nil)
	if err != nil {
		log.Err().Err(err).Log("harvestd: construct harvest session")
		return 1
	}

	pool, err := workerpool.NewPool(config.PoolConfig{
		PoolID:   enrichPoolID,
		Workers:  *poolWorkers,
		MaxQueue: *poolMaxQueue,
	}, log)
	if err != nil {
		log.Err().Err(err).Log("harvestd: construct worker pool")
		return 1
	}
	defer func() { _ = pool.Destroy() }()

	pl := pipeline.New(flatFieldDriver{}, pool, stdoutSink{}, log)

	if _, err := session.Run(pl.Callback()); err != nil {
		log.Err().Err(err).Log("harvestd: harvest failed")
		return 1
	}

	if err := pl.Drain(); err != nil {
		log.Err().Err(err).Log("harvestd: pipeline drain failed")
		return 1
	}

	log.Info().
		Int("changed", session.Counters.Changed).
		Int("deleted", session.Counters.Deleted).
		Int("indexed", pl.Counters.Indexed).
		Log("harvestd: harvest complete")

	return 0
}

func splitNonEmpty(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// flatFieldDriver is the demonstration RecordDriver: it wraps the raw
// payload XML in a single field and does not extract any vocabulary URIs. A
// real record-format driver (MARC, DC, LIDO, EAD, ...) is an external
// collaborator per spec's own non-goals.
type flatFieldDriver struct{}

func (flatFieldDriver) Transform(payloadXML string) (enrich.Document, []string, error) {
	return enrich.Document{"payload_xml": {payloadXML}}, nil, nil
}

// stdoutSink is the demonstration Sink: it writes one JSON line per
// indexed or deleted record to stdout. The real document store is an
// external collaborator per spec's own non-goals; pipeline.Sink is the only
// contract this binary depends on.
type stdoutSink struct{}

func (s stdoutSink) Put(sourceID, recordID string, doc enrich.Document) error {
	return s.emit(map[string]any{"op": "put", "sourceID": sourceID, "recordID": recordID, "doc": doc})
}

func (s stdoutSink) Delete(sourceID, recordID string) error {
	return s.emit(map[string]any{"op": "delete", "sourceID": sourceID, "recordID": recordID})
}

func (s stdoutSink) emit(v map[string]any) error {
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("stdoutSink: encode: %w", err)
	}
	return nil
}
