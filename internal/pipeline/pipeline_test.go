package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/metaharvest/harvestpool/internal/config"
	"github.com/metaharvest/harvestpool/internal/enrich"
	"github.com/metaharvest/harvestpool/internal/logging"
	"github.com/metaharvest/harvestpool/internal/workerpool"
)

// fakeDriver turns a payload XML string directly into a preset Document and
// URI list, so tests don't need a real MARC/DC transform.
type fakeDriver struct {
	doc  enrich.Document
	uris []string
	err  error
}

func (f *fakeDriver) Transform(string) (enrich.Document, []string, error) {
	return f.doc, f.uris, f.err
}

// fakeSink is an in-memory Sink double that can be told to fail Put for a
// specific record id.
type fakeSink struct {
	puts      map[string]enrich.Document
	deletes   map[string]bool
	failPutID string
}

func newFakeSink() *fakeSink {
	return &fakeSink{puts: map[string]enrich.Document{}, deletes: map[string]bool{}}
}

func (s *fakeSink) Put(_, recordID string, doc enrich.Document) error {
	if recordID == s.failPutID {
		return fmt.Errorf("fakeSink: forced Put failure for %s", recordID)
	}
	s.puts[recordID] = doc
	return nil
}

func (s *fakeSink) Delete(_, recordID string) error {
	s.deletes[recordID] = true
	return nil
}

// newTestPool registers an enrichment worker under a fresh pool id (tests
// must not share one, since the registry is process-global) and constructs
// a zero-worker pool, so requests run synchronously in-process with no real
// re-exec.
func newTestPool(t *testing.T, poolID string, srv *httptest.Server) *workerpool.Pool {
	t.Helper()
	cfg := config.EnrichmentConfig{
		BaseURL:            srv.URL,
		URLPrefixWhitelist: []string{"http://vocab.example/"},
		TargetField:        "topic",
	}
	if err := RegisterWorkers(poolID, cfg, WorkerConfig{HTTPMaxTries: 1, HTTPRetryWait: time.Millisecond}); err != nil {
		t.Fatalf("RegisterWorkers: %v", err)
	}

	pool, err := workerpool.NewPool(config.PoolConfig{PoolID: poolID, Workers: 0}, logging.Discard())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { _ = pool.Destroy() })
	return pool
}

func TestPipelineCallbackAndDrain(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uri := r.URL.Query().Get("uri")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"graph":[{"uri":"` + uri + `","type":"skos:Concept","altLabel":{"value":"Cats"}}]}`))
	}))
	defer srv.Close()

	pool := newTestPool(t, "pipeline-test-basic", srv)
	driver := &fakeDriver{doc: enrich.Document{"title": {"A Book"}}, uris: []string{"http://vocab.example/cats"}}
	sink := newFakeSink()
	p := New(driver, pool, sink, logging.Discard())

	cb := p.Callback()
	if _, err := cb("src1", "rec1", false, "<x/>"); err != nil {
		t.Fatalf("callback: %v", err)
	}

	if err := p.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	doc, ok := sink.puts["rec1"]
	if !ok {
		t.Fatalf("expected rec1 to reach the sink")
	}
	if got := doc["title"]; len(got) != 1 || got[0] != "A Book" {
		t.Errorf("title = %v, want [A Book]", got)
	}
	if got := doc["topic"]; len(got) != 1 || got[0] != "Cats" {
		t.Errorf("topic = %v, want [Cats]", got)
	}
	if p.Counters.Indexed != 1 {
		t.Errorf("Counters.Indexed = %d, want 1", p.Counters.Indexed)
	}
}

func TestPipelineCallbackDeleteBypassesPool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("enrichment fetch should not occur for a delete")
	}))
	defer srv.Close()

	pool := newTestPool(t, "pipeline-test-delete", srv)
	driver := &fakeDriver{}
	sink := newFakeSink()
	p := New(driver, pool, sink, logging.Discard())

	cb := p.Callback()
	if _, err := cb("src1", "rec-del", true, ""); err != nil {
		t.Fatalf("callback: %v", err)
	}

	if !sink.deletes["rec-del"] {
		t.Error("expected rec-del to be deleted from the sink")
	}
	if p.Counters.Deleted != 1 {
		t.Errorf("Counters.Deleted = %d, want 1", p.Counters.Deleted)
	}

	if err := p.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestPipelineCallbackDriverErrorPropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	pool := newTestPool(t, "pipeline-test-driver-err", srv)
	wantErr := errors.New("bad record format")
	driver := &fakeDriver{err: wantErr}
	p := New(driver, pool, newFakeSink(), logging.Discard())

	_, err := p.Callback()("src1", "rec1", false, "<bad/>")
	if err == nil || !errors.Is(err, wantErr) {
		t.Fatalf("callback error = %v, want wrapping %v", err, wantErr)
	}
}

func TestPipelineDrainSkipsFailedSinkPutWithoutAborting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"graph":[]}`))
	}))
	defer srv.Close()

	pool := newTestPool(t, "pipeline-test-sink-fail", srv)
	driver := &fakeDriver{doc: enrich.Document{}, uris: nil}
	sink := newFakeSink()
	sink.failPutID = "rec-bad"
	p := New(driver, pool, sink, logging.Discard())

	cb := p.Callback()
	if _, err := cb("src1", "rec-bad", false, "<x/>"); err != nil {
		t.Fatalf("callback rec-bad: %v", err)
	}
	if _, err := cb("src1", "rec-good", false, "<x/>"); err != nil {
		t.Fatalf("callback rec-good: %v", err)
	}

	if err := p.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if _, ok := sink.puts["rec-bad"]; ok {
		t.Error("rec-bad should not have reached the sink")
	}
	if _, ok := sink.puts["rec-good"]; !ok {
		t.Error("rec-good should have reached the sink")
	}
	if p.Counters.Indexed != 1 {
		t.Errorf("Counters.Indexed = %d, want 1 (only rec-good)", p.Counters.Indexed)
	}
}
