package pipeline

import "github.com/metaharvest/harvestpool/internal/enrich"

// RecordDriver is the out-of-scope, record-format-specific transform (MARC,
// DC, LIDO, EAD, ...) that turns one harvested record's payload XML into a
// Solr-like flat Document, plus the vocabulary URIs within it that the
// enrichment orchestrator should resolve into the document's configured
// target field. Referenced only through this narrow interface, matching
// spec's own treatment of record drivers as external collaborators.
type RecordDriver interface {
	Transform(payloadXML string) (doc enrich.Document, uris []string, err error)
}
