package enrich

import (
	"strings"

	"github.com/VictoriaMetrics/fastcache"
)

// Cache is the local enrichment lookup cache, keyed by fetch URL.
type Cache interface {
	Get(key string) (prefLabels, altLabels []string, ok bool)
	Set(key string, prefLabels, altLabels []string)
}

// groupSep separates the prefLabel and altLabel groups within one cached
// value; each group is itself "|"-joined per spec. A label that itself
// contains "|" is split at that character when the value is decoded.
const groupSep = '\x1e'

// FastCache is a Cache backed by github.com/VictoriaMetrics/fastcache, an
// in-process byte-oriented cache with no per-entry GC pressure.
type FastCache struct {
	c *fastcache.Cache
}

// NewFastCache constructs a FastCache with the given approximate byte
// budget.
func NewFastCache(maxBytes int) *FastCache {
	return &FastCache{c: fastcache.New(maxBytes)}
}

func (f *FastCache) Get(key string) (prefLabels, altLabels []string, ok bool) {
	raw, ok := f.c.HasGet(nil, []byte(key))
	if !ok {
		return nil, nil, false
	}
	prefLabels, altLabels = decodeCacheValue(raw)
	return prefLabels, altLabels, true
}

func (f *FastCache) Set(key string, prefLabels, altLabels []string) {
	f.c.Set([]byte(key), encodeCacheValue(prefLabels, altLabels))
}

func encodeCacheValue(prefLabels, altLabels []string) []byte {
	return []byte(strings.Join(prefLabels, "|") + string(groupSep) + strings.Join(altLabels, "|"))
}

func decodeCacheValue(raw []byte) (prefLabels, altLabels []string) {
	parts := strings.SplitN(string(raw), string(groupSep), 2)
	prefLabels = splitNonEmpty(parts[0])
	if len(parts) > 1 {
		altLabels = splitNonEmpty(parts[1])
	}
	return prefLabels, altLabels
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "|")
}
