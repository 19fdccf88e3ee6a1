package enrich

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/metaharvest/harvestpool/internal/config"
	"github.com/metaharvest/harvestpool/internal/httpx"
	"github.com/metaharvest/harvestpool/internal/logging"
)

// memCache is an in-memory Cache stand-in for tests, so cache-hit behavior
// can be verified without pulling fastcache into every test.
type memCache struct {
	entries map[string][2][]string
}

func newMemCache() *memCache { return &memCache{entries: map[string][2][]string{}} }

func (m *memCache) Get(key string) (pref, alt []string, ok bool) {
	v, ok := m.entries[key]
	if !ok {
		return nil, nil, false
	}
	return v[0], v[1], true
}

func (m *memCache) Set(key string, pref, alt []string) {
	m.entries[key] = [2][]string{pref, alt}
}

func newTestOrchestrator(t *testing.T, srv *httptest.Server, cache Cache) *Orchestrator {
	t.Helper()
	cfg := config.EnrichmentConfig{
		BaseURL:               srv.URL,
		URLPrefixWhitelist:    []string{"http://vocab.example/"},
		URIPrefixExactMatches: []string{"http://vocab.example/"},
		TargetField:           "topic",
	}
	client := httpx.New(2, time.Millisecond, "", nil)
	o := New(cfg, client, cache, logging.Discard())
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestEnrichCacheMiss(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		uri := r.URL.Query().Get("uri")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"graph":[{"uri":"` + uri + `","type":"skos:Concept","altLabel":{"value":"Cats"}}]}`))
	}))
	defer srv.Close()

	cache := newMemCache()
	o := newTestOrchestrator(t, srv, cache)

	doc := Document{}
	uri := "http://vocab.example/cats"
	if err := o.Enrich(doc, uri); err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	if got := doc["topic_uri_str_mv"]; len(got) != 1 || got[0] != uri {
		t.Errorf("topic_uri_str_mv = %v, want [%s]", got, uri)
	}
	if got := doc["topic"]; len(got) != 1 || got[0] != "Cats" {
		t.Errorf("topic = %v, want [Cats]", got)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}

	fetchURL := o.fetchURL(uri)
	if _, _, ok := cache.Get(fetchURL); !ok {
		t.Error("expected fetch result to populate cache")
	}
}

func TestEnrichCacheHitSkipsFetch(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"graph":[]}`))
	}))
	defer srv.Close()

	cache := newMemCache()
	o := newTestOrchestrator(t, srv, cache)

	uri := "http://vocab.example/dogs"
	cache.Set(o.fetchURL(uri), []string{"PrefDog"}, []string{"AltDog"})

	doc := Document{}
	if err := o.Enrich(doc, uri); err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("calls = %d, want 0 (cache hit should skip fetch)", calls)
	}
	got := doc["topic"]
	if len(got) != 2 || got[0] != "PrefDog" || got[1] != "AltDog" {
		t.Errorf("topic = %v, want [PrefDog AltDog]", got)
	}
}

func TestEnrichNonWhitelistedSkipsFetchButRecordsURI(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv, newMemCache())

	doc := Document{}
	uri := "http://other.example/not-whitelisted"
	if err := o.Enrich(doc, uri); err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	if atomic.LoadInt32(&calls) != 0 {
		t.Errorf("calls = %d, want 0 for non-whitelisted URI", calls)
	}
	if got := doc["topic_uri_str_mv"]; len(got) != 1 || got[0] != uri {
		t.Errorf("topic_uri_str_mv = %v, want [%s]", got, uri)
	}
	if len(doc["topic"]) != 0 {
		t.Errorf("topic = %v, want empty", doc["topic"])
	}
}

func TestEnrichExactMatchTraversal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uri := r.URL.Query().Get("uri")
		w.Header().Set("Content-Type", "application/json")
		switch uri {
		case "http://vocab.example/animal":
			_, _ = w.Write([]byte(`{"graph":[{
				"uri":"http://vocab.example/animal",
				"type":["skos:Concept"],
				"altLabel":[{"value":"Animal"}],
				"exactMatch":["http://vocab.example/related"]
			}]}`))
		case "http://vocab.example/related":
			_, _ = w.Write([]byte(`{"graph":[{
				"uri":"http://vocab.example/related",
				"type":"skos:Concept",
				"prefLabel":{"value":"RelatedPref"},
				"altLabel":{"value":"RelatedAlt"}
			}]}`))
		default:
			t.Errorf("unexpected uri requested: %s", uri)
		}
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv, nil)

	doc := Document{}
	if err := o.Enrich(doc, "http://vocab.example/animal"); err != nil {
		t.Fatalf("Enrich: %v", err)
	}

	got := doc["topic"]
	wantContains := map[string]bool{"Animal": false, "RelatedPref": false, "RelatedAlt": false}
	for _, v := range got {
		if _, ok := wantContains[v]; ok {
			wantContains[v] = true
		}
	}
	for label, found := range wantContains {
		if !found {
			t.Errorf("expected label %q in topic, got %v", label, got)
		}
	}
}

func TestEnrichNoMatchingConceptInGraph(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"graph":[{"uri":"http://vocab.example/other","type":"skos:Concept"}]}`))
	}))
	defer srv.Close()

	o := newTestOrchestrator(t, srv, nil)

	doc := Document{}
	uri := "http://vocab.example/missing"
	if err := o.Enrich(doc, uri); err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	if len(doc["topic"]) != 0 {
		t.Errorf("topic = %v, want empty when no concept matches", doc["topic"])
	}
}

func TestFetchURLEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	o := newTestOrchestrator(t, srv, nil)

	got := o.fetchURL("http://vocab.example/a b")
	want := srv.URL + "/data?format=application/json&uri=" + url.QueryEscape("http://vocab.example/a b")
	if got != want {
		t.Errorf("fetchURL = %q, want %q", got, want)
	}
}
