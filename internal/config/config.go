// Package config defines the plain configuration structs a (not implemented
// here) ini-style loader or CLI flag parser would populate. Loading and
// parsing are external collaborators per spec; this package only fixes the
// shape.
package config

import "time"

// IDRewriteRule is one (match, replace) pair in the ordered ID rewrite
// pipeline. Rules are applied in list order.
type IDRewriteRule struct {
	Search  string
	Replace string
}

// Granularity is the OAI-PMH date precision negotiated with a repository.
type Granularity string

const (
	GranularityAuto    Granularity = "auto"
	GranularityDate    Granularity = "YYYY-MM-DD"
	GranularitySeconds Granularity = "YYYY-MM-DDTHH:MM:SSZ"
)

// DataSource is one harvested repository's configuration, matching spec §6's
// recognized options one-to-one.
type DataSource struct {
	SourceID string
	BaseURL  string

	Set             string
	MetadataPrefix  string
	IDPrefix        string
	IDRewriteRules  []IDRewriteRule
	DateGranularity Granularity

	StartDate              time.Time
	EndDate                time.Time
	ResumptionTokenStart   string
	DebugLogPath           string
	OaipmhTransformation   string
	IgnoreNoRecordsMatch   bool
	SameResumptionTokenMax int // default 100, see NormalizeDefaults

	UserAgent string
}

// NormalizeDefaults fills zero-valued fields with their spec-mandated
// defaults. Callers should invoke this once after populating a DataSource.
func (d *DataSource) NormalizeDefaults() {
	if d.SameResumptionTokenMax <= 0 {
		d.SameResumptionTokenMax = 100
	}
	if d.DateGranularity == "" {
		d.DateGranularity = GranularityAuto
	}
	if d.UserAgent == "" {
		d.UserAgent = "harvestpool/1.0"
	}
}

// PoolConfig configures a worker pool instance.
type PoolConfig struct {
	PoolID   string
	Workers  int
	MaxQueue int // default 8
}

// NormalizeDefaults fills in the pool's default bound.
func (p *PoolConfig) NormalizeDefaults() {
	if p.MaxQueue <= 0 {
		p.MaxQueue = 8
	}
}

// EnrichmentConfig configures the C7 enrichment orchestrator for one
// vocabulary service.
type EnrichmentConfig struct {
	BaseURL               string
	URLPrefixWhitelist    []string
	URIPrefixExactMatches []string
	TargetField           string
}
