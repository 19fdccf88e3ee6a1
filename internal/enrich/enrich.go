// Package enrich implements the per-record vocabulary enrichment
// orchestrator: whitelist filtering, a local label cache, a remote SKOS
// graph fetch, and exactMatch traversal.
package enrich

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joeycumines/go-microbatch"
	"github.com/metaharvest/harvestpool/internal/config"
	"github.com/metaharvest/harvestpool/internal/httpx"
	"github.com/metaharvest/harvestpool/internal/logging"
)

// Document is a Solr-like flat document: field name to repeated string
// values.
type Document map[string][]string

// Append adds one value to field, preserving any existing values.
func (d Document) Append(field, value string) {
	d[field] = append(d[field], value)
}

type exactMatchJob struct {
	uri    string
	pref   []string
	alt    []string
	fetchE error
}

// Orchestrator enriches one target field of a Document from a configured
// vocabulary service, per source URI.
type Orchestrator struct {
	cfg   config.EnrichmentConfig
	http  *httpx.Client
	cache Cache
	log   logging.Logger

	batcher *microbatch.Batcher[*exactMatchJob]
}

// New constructs an Orchestrator. cache may be nil to disable caching
// (every lookup becomes a remote fetch).
func New(cfg config.EnrichmentConfig, httpClient *httpx.Client, cache Cache, log logging.Logger) *Orchestrator {
	o := &Orchestrator{cfg: cfg, http: httpClient, cache: cache, log: log}
	o.batcher = microbatch.NewBatcher[*exactMatchJob](&microbatch.BatcherConfig{
		MaxSize:        8,
		FlushInterval:  10 * time.Millisecond,
		MaxConcurrency: 4,
	}, o.runExactMatchBatch)
	return o
}

// Close releases the Orchestrator's internal batch processor.
func (o *Orchestrator) Close() error {
	return o.batcher.Close()
}

// Enrich implements spec's five-to-six step enrichment procedure for one
// uri against doc's configured target field.
func (o *Orchestrator) Enrich(doc Document, uri string) error {
	uriField := o.cfg.TargetField + "_uri_str_mv"
	doc.Append(uriField, uri)

	if !o.whitelisted(uri) {
		if o.log != nil {
			o.log.Debug().Str("uri", uri).Log("enrich: uri rejected by whitelist")
		}
		return nil
	}

	fetchURL := o.fetchURL(uri)

	if o.cache != nil {
		if pref, alt, ok := o.cache.Get(fetchURL); ok {
			o.appendLabels(doc, pref, alt)
			return nil
		}
	}

	_, body, err := o.http.Get(fetchURL, nil)
	if err != nil {
		return fmt.Errorf("enrich: fetch %s: %w", uri, err)
	}

	graph, err := parseGraph(body)
	if err != nil {
		return fmt.Errorf("enrich: decode graph for %s: %w", uri, err)
	}

	concept := findConcept(graph.Graph, uri)
	if concept == nil {
		if o.log != nil {
			o.log.Debug().Str("uri", uri).Log("enrich: no matching skos:Concept in graph")
		}
		return nil
	}

	alt := concept.AltLabel.values()
	var pref []string

	if o.exactMatchEligible(concept.URI) && len(concept.ExactMatch) > 0 {
		relPref, relAlt := o.fetchExactMatchBatch(concept.ExactMatch)
		pref = append(pref, relPref...)
		alt = append(alt, relAlt...)
	}

	if o.cache != nil {
		o.cache.Set(fetchURL, pref, alt)
	}
	o.appendLabels(doc, pref, alt)
	return nil
}

func (o *Orchestrator) appendLabels(doc Document, pref, alt []string) {
	for _, l := range pref {
		doc.Append(o.cfg.TargetField, l)
	}
	for _, l := range alt {
		doc.Append(o.cfg.TargetField, l)
	}
}

func (o *Orchestrator) whitelisted(uri string) bool {
	for _, prefix := range o.cfg.URLPrefixWhitelist {
		if strings.HasPrefix(uri, prefix) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) exactMatchEligible(uri string) bool {
	for _, prefix := range o.cfg.URIPrefixExactMatches {
		if strings.HasPrefix(uri, prefix) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) fetchURL(uri string) string {
	base := strings.TrimRight(o.cfg.BaseURL, "/")
	return fmt.Sprintf("%s/data?format=application/json&uri=%s", base, url.QueryEscape(uri))
}

// fetchExactMatchBatch fetches every exactMatch-referenced URI concurrently
// via the Orchestrator's microbatch.Batcher, rather than a sequential loop.
func (o *Orchestrator) fetchExactMatchBatch(uris []string) (pref, alt []string) {
	ctx := context.Background()
	jobs := make([]*exactMatchJob, 0, len(uris))
	results := make([]*microbatch.JobResult[*exactMatchJob], 0, len(uris))

	for _, u := range uris {
		j := &exactMatchJob{uri: u}
		jr, err := o.batcher.Submit(ctx, j)
		if err != nil {
			if o.log != nil {
				o.log.Warning().Str("uri", u).Err(err).Log("enrich: exactMatch submit failed")
			}
			continue
		}
		jobs = append(jobs, j)
		results = append(results, jr)
	}

	for i, jr := range results {
		if err := jr.Wait(ctx); err != nil {
			if o.log != nil {
				o.log.Warning().Str("uri", jobs[i].uri).Err(err).Log("enrich: exactMatch batch failed")
			}
			continue
		}
		j := jobs[i]
		if j.fetchE != nil {
			if o.log != nil {
				o.log.Warning().Str("uri", j.uri).Err(j.fetchE).Log("enrich: exactMatch fetch failed")
			}
			continue
		}
		pref = append(pref, j.pref...)
		alt = append(alt, j.alt...)
	}

	return pref, alt
}

// runExactMatchBatch is the microbatch.BatchProcessor for exactMatch jobs:
// each job's URI is fetched and resolved independently, concurrently within
// the batch.
func (o *Orchestrator) runExactMatchBatch(ctx context.Context, jobs []*exactMatchJob) error {
	done := make(chan struct{}, len(jobs))
	for _, j := range jobs {
		j := j
		go func() {
			defer func() { done <- struct{}{} }()
			j.pref, j.alt, j.fetchE = o.fetchOne(j.uri)
		}()
	}
	for range jobs {
		<-done
	}
	return nil
}

func (o *Orchestrator) fetchOne(uri string) (pref, alt []string, err error) {
	fetchURL := o.fetchURL(uri)
	_, body, err := o.http.Get(fetchURL, nil)
	if err != nil {
		return nil, nil, err
	}
	graph, err := parseGraph(body)
	if err != nil {
		return nil, nil, fmt.Errorf("decode exactMatch graph: %w", err)
	}
	concept := findConcept(graph.Graph, uri)
	if concept == nil {
		return nil, nil, nil
	}
	return concept.PrefLabel.values(), concept.AltLabel.values(), nil
}
