// Package pipeline wires the harvest driver's per-record callback to the
// worker pool for enrichment, and drains pool replies into a document-store
// Sink. It implements spec's C8, the "pipeline glue" component.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/metaharvest/harvestpool/internal/enrich"
	"github.com/metaharvest/harvestpool/internal/harvest"
	"github.com/metaharvest/harvestpool/internal/logging"
	"github.com/metaharvest/harvestpool/internal/workerpool"
)

// Sink is the out-of-scope document store a Pipeline hands completed,
// enriched documents to. Referenced only through this narrow interface.
type Sink interface {
	Put(sourceID, recordID string, doc enrich.Document) error
	Delete(sourceID, recordID string) error
}

// recordJob is the wire payload submitted to the worker pool: one
// non-deleted record's flat document (as produced by a RecordDriver) plus
// the vocabulary URIs within it still needing enrichment.
type recordJob struct {
	SourceID string          `json:"sourceID"`
	RecordID string          `json:"recordID"`
	Doc      enrich.Document `json:"doc,omitempty"`
	URIs     []string        `json:"uris,omitempty"`
}

// recordReply is the wire payload a worker returns: the same record,
// identified, with its document fully enriched.
type recordReply struct {
	SourceID string          `json:"sourceID"`
	RecordID string          `json:"recordID"`
	Doc      enrich.Document `json:"doc"`
}

// Counters tracks documents this Pipeline has handed to its Sink: Indexed
// counts successful Sink.Put calls made by Drain, Deleted counts Sink.Delete
// calls made by the callback.
type Counters struct {
	Indexed int
	Deleted int
}

// Pipeline wires a harvest.Session's per-record callback to a worker pool
// for enrichment, and drains pool replies into a Sink.
type Pipeline struct {
	driver RecordDriver
	pool   *workerpool.Pool
	sink   Sink
	log    logging.Logger

	Counters Counters
}

// New constructs a Pipeline. pool's RunFunc must already have been
// registered via RegisterWorkers, under the same pool id pool was built
// with.
func New(driver RecordDriver, pool *workerpool.Pool, sink Sink, log logging.Logger) *Pipeline {
	return &Pipeline{driver: driver, pool: pool, sink: sink, log: log}
}

// Callback returns a harvest.RecordCallback suitable for harvest.Session.Run.
// Deletes bypass the pool entirely (no enrichment applies) and are applied
// to the Sink directly. Non-deleted records are transformed by the
// RecordDriver and submitted to the worker pool for enrichment; since pool
// completions only arrive asynchronously (see Drain), this callback always
// reports zero indexed, and Pipeline.Counters.Indexed is the authoritative
// count once Drain has run.
func (p *Pipeline) Callback() harvest.RecordCallback {
	return func(sourceID, recordID string, deleted bool, payloadXML string) (int, error) {
		if deleted {
			if err := p.sink.Delete(sourceID, recordID); err != nil {
				return 0, fmt.Errorf("pipeline: delete %s/%s: %w", sourceID, recordID, err)
			}
			p.Counters.Deleted++
			return 0, nil
		}

		doc, uris, err := p.driver.Transform(payloadXML)
		if err != nil {
			return 0, fmt.Errorf("pipeline: transform %s/%s: %w", sourceID, recordID, err)
		}

		payload, err := json.Marshal(recordJob{SourceID: sourceID, RecordID: recordID, Doc: doc, URIs: uris})
		if err != nil {
			return 0, fmt.Errorf("pipeline: encode job %s/%s: %w", sourceID, recordID, err)
		}

		if err := p.pool.AddRequest(payload); err != nil {
			return 0, fmt.Errorf("pipeline: submit %s/%s: %w", sourceID, recordID, err)
		}
		return 0, nil
	}
}

// Drain waits for every outstanding request to complete and hands each
// resulting document to the Sink. A per-reply error (a bad worker reply, or
// a Sink.Put failure) is logged and skipped rather than aborting the drain;
// only a fatal pool error (e.g. WorkerDiedError) is returned.
func (p *Pipeline) Drain() error {
	results, err := p.pool.WaitUntilDone()
	for _, r := range results {
		if r.Err != nil {
			if p.log != nil {
				p.log.Warning().Err(r.Err).Log("pipeline: worker returned an error")
			}
			continue
		}

		var reply recordReply
		if derr := json.Unmarshal(r.Payload, &reply); derr != nil {
			if p.log != nil {
				p.log.Warning().Err(derr).Log("pipeline: decode worker reply")
			}
			continue
		}

		if perr := p.sink.Put(reply.SourceID, reply.RecordID, reply.Doc); perr != nil {
			if p.log != nil {
				p.log.Warning().Str("sourceID", reply.SourceID).Str("recordID", reply.RecordID).Err(perr).Log("pipeline: sink.Put failed")
			}
			continue
		}
		p.Counters.Indexed++
	}
	return err
}
