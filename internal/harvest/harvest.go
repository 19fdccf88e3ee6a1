// Package harvest implements the OAI-PMH incremental harvest driver: the
// Identify -> first page -> loop-by-token state machine, the stuck-token
// safeguard, and per-record namespace inheritance and id normalization.
package harvest

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"github.com/metaharvest/harvestpool/internal/config"
	"github.com/metaharvest/harvestpool/internal/httpx"
	"github.com/metaharvest/harvestpool/internal/idnorm"
	"github.com/metaharvest/harvestpool/internal/logging"
	"github.com/metaharvest/harvestpool/internal/oaixml"
)

// ErrStuckResumptionToken is raised when the same resumption token repeats
// sameResumptionTokenLimit times in a row.
var ErrStuckResumptionToken = errors.New("harvest: resumption token did not advance")

// StuckResumptionTokenError carries the offending token.
type StuckResumptionTokenError struct {
	Token string
	Limit int
}

func (e *StuckResumptionTokenError) Error() string {
	return fmt.Sprintf("harvest: resumption token %q repeated %d times", e.Token, e.Limit)
}

func (e *StuckResumptionTokenError) Unwrap() error { return ErrStuckResumptionToken }

// RecordCallback receives one harvested record or delete. It returns the
// number of documents indexed as a result, which the driver adds to the
// running changedRecords counter. It must tolerate being called from the
// harvester's own goroutine.
type RecordCallback func(sourceID, recordID string, deleted bool, payloadXML string) (nIndexed int, err error)

// IdentifierCallback is the reduced per-header callback used by
// ListIdentifiers.
type IdentifierCallback func(sourceID, recordID string, deleted bool) error

// Counters tracks a harvest's monotonically increasing record counts.
type Counters struct {
	Changed int
	Deleted int
}

// Session drives one data source's harvest from start to finish.
type Session struct {
	source *config.DataSource
	http   *httpx.Client
	ids    *idnorm.Pipeline
	log    logging.Logger

	transform oaixml.Transformer

	granularity config.Granularity
	serverDate  time.Time
	lastToken   string
	repeatCount int
	repeatLimit int
	Counters    Counters
}

// New constructs a Session for one data source. http and log must be
// non-nil; transform may be nil (no oaipmhTransformation configured).
func New(source *config.DataSource, httpClient *httpx.Client, log logging.Logger, transform oaixml.Transformer) (*Session, error) {
	source.NormalizeDefaults()
	ids, err := idnorm.New(source.IDPrefix, source.IDRewriteRules)
	if err != nil {
		return nil, fmt.Errorf("harvest: compile id rewrite rules: %w", err)
	}
	return &Session{
		source:      source,
		http:        httpClient,
		ids:         ids,
		log:         log,
		transform:   transform,
		granularity: source.DateGranularity,
		repeatLimit: source.SameResumptionTokenMax,
	}, nil
}

// Run drives the full ListRecords harvest: Identify, then first page, then
// the token loop until exhaustion, invoking cb per record. It returns the
// persisted lastHarvestedDate string (formatted to the negotiated
// granularity) only on clean completion.
func (s *Session) Run(cb RecordCallback) (lastHarvestedDate string, err error) {
	if err := s.identify(); err != nil {
		return "", err
	}

	var doc *xmlquery.Node

	switch {
	case s.source.ResumptionTokenStart != "":
		s.lastToken = s.source.ResumptionTokenStart
		doc, err = s.listByTokenDoc(s.source.ResumptionTokenStart)
	default:
		doc, err = s.listRecords(s.dateWindowParams())
	}
	if err != nil {
		return "", err
	}

	for {
		token, perr := s.processRecords(doc, cb)
		if perr != nil {
			return "", perr
		}
		if token == "" {
			break
		}
		if err := s.checkSafeguard(token); err != nil {
			return "", err
		}
		doc, err = s.listByTokenDoc(token)
		if err != nil {
			return "", err
		}
	}

	return s.formatDate(s.serverDate), nil
}

// RunIdentifiers drives the reduced ListIdentifiers loop, invoking cb with
// only (source, id, deleted) per header.
func (s *Session) RunIdentifiers(cb IdentifierCallback) (lastHarvestedDate string, err error) {
	if err := s.identify(); err != nil {
		return "", err
	}

	var doc *xmlquery.Node
	switch {
	case s.source.ResumptionTokenStart != "":
		s.lastToken = s.source.ResumptionTokenStart
		doc, err = s.listIdentifiersByToken(s.source.ResumptionTokenStart)
	default:
		doc, err = s.listIdentifiers(s.dateWindowParams())
	}
	if err != nil {
		return "", err
	}

	for {
		token, perr := s.processIdentifiers(doc, cb)
		if perr != nil {
			return "", perr
		}
		if token == "" {
			break
		}
		if err := s.checkSafeguard(token); err != nil {
			return "", err
		}
		doc, err = s.listIdentifiersByToken(token)
		if err != nil {
			return "", err
		}
	}

	return s.formatDate(s.serverDate), nil
}

func (s *Session) identify() error {
	status, body, err := s.http.Get(s.source.BaseURL+"?verb=Identify", s.requestHeaders())
	if err != nil {
		return fmt.Errorf("harvest: Identify: %w", err)
	}
	doc, err := oaixml.Process(body, false, s.processOptions())
	if err != nil {
		return fmt.Errorf("harvest: Identify: status %d: %w", status, err)
	}

	if s.granularity == config.GranularityAuto {
		if g := oaixml.FirstDescendant(doc, "granularity"); g != nil {
			switch strings.TrimSpace(g.InnerText()) {
			case "YYYY-MM-DD":
				s.granularity = config.GranularityDate
			default:
				s.granularity = config.GranularitySeconds
			}
		} else {
			s.granularity = config.GranularitySeconds
		}
	}

	if rd := oaixml.FirstDescendant(doc, "responseDate"); rd != nil {
		ts := strings.TrimSpace(rd.InnerText())
		t, perr := parseOaiDate(ts)
		if perr != nil {
			return fmt.Errorf("harvest: Identify: parse responseDate %q: %w", ts, perr)
		}
		s.serverDate = t
	} else {
		s.serverDate = time.Now().UTC()
	}

	return nil
}

func (s *Session) listRecords(params map[string]string) (*xmlquery.Node, error) {
	return s.listVerb("ListRecords", params, false)
}

func (s *Session) listByTokenDoc(token string) (*xmlquery.Node, error) {
	return s.listVerb("ListRecords", map[string]string{"resumptionToken": token}, true)
}

func (s *Session) listIdentifiers(params map[string]string) (*xmlquery.Node, error) {
	return s.listVerb("ListIdentifiers", params, false)
}

func (s *Session) listIdentifiersByToken(token string) (*xmlquery.Node, error) {
	return s.listVerb("ListIdentifiers", map[string]string{"resumptionToken": token}, true)
}

func (s *Session) listVerb(verb string, extra map[string]string, isResumption bool) (*xmlquery.Node, error) {
	q := url.Values{}
	q.Set("verb", verb)
	if !isResumption {
		if s.source.Set != "" {
			q.Set("set", s.source.Set)
		}
		if s.source.MetadataPrefix != "" {
			q.Set("metadataPrefix", s.source.MetadataPrefix)
		}
	}
	for k, v := range extra {
		q.Set(k, v)
	}

	reqURL := s.source.BaseURL + "?" + q.Encode()
	status, body, err := s.http.Get(reqURL, s.requestHeaders())
	if err != nil {
		return nil, fmt.Errorf("harvest: %s: %w", verb, err)
	}

	doc, err := oaixml.Process(body, isResumption, s.processOptions())
	if err != nil {
		return nil, fmt.Errorf("harvest: %s: status %d: %w", verb, status, err)
	}
	return doc, nil
}

func (s *Session) processOptions() oaixml.Options {
	return oaixml.Options{
		Transform:            s.transform,
		IgnoreNoRecordsMatch: s.source.IgnoreNoRecordsMatch,
	}
}

// dateWindowParams builds the from/until query params for a non-token
// first page, or nil if neither bound is configured.
func (s *Session) dateWindowParams() map[string]string {
	var params map[string]string
	if !s.source.StartDate.IsZero() {
		params = map[string]string{"from": s.formatDate(s.source.StartDate)}
	}
	if !s.source.EndDate.IsZero() {
		if params == nil {
			params = map[string]string{}
		}
		params["until"] = s.formatDate(s.source.EndDate)
	}
	return params
}

func (s *Session) requestHeaders() map[string]string {
	return map[string]string{"User-Agent": s.source.UserAgent}
}

// processRecords walks the immediate <record> children of doc, invoking cb
// for each, and returns the next resumptionToken (empty if the listing is
// exhausted).
func (s *Session) processRecords(doc *xmlquery.Node, cb RecordCallback) (nextToken string, err error) {
	listNode := oaixml.FirstDescendant(doc, "ListRecords")
	if listNode == nil {
		return "", nil
	}

	for _, rec := range oaixml.ImmediateChildren(listNode, "record") {
		header := oaixml.FirstDescendant(rec, "header")
		if header == nil {
			if s.log != nil {
				s.log.Debug().Log("harvest: record missing header, skipping")
			}
			continue
		}

		id := s.recordID(header)
		deleted := strings.EqualFold(header.SelectAttr("status"), "deleted")

		if deleted {
			if _, err := cb(s.source.SourceID, id, true, ""); err != nil {
				return "", fmt.Errorf("harvest: callback: %w", err)
			}
			s.Counters.Deleted++
			continue
		}

		metadata := oaixml.FirstDescendant(rec, "metadata")
		if metadata == nil {
			if s.log != nil {
				s.log.Debug().Log("harvest: record missing metadata, skipping")
			}
			continue
		}

		var payloadRoot *xmlquery.Node
		for c := metadata.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == xmlquery.ElementNode {
				payloadRoot = c
				break
			}
		}
		if payloadRoot == nil {
			if s.log != nil {
				s.log.Debug().Log("harvest: metadata has no element child, skipping")
			}
			continue
		}

		oaixml.InheritNamespaces(payloadRoot)
		payloadXML := oaixml.Serialize(payloadRoot)

		n, err := cb(s.source.SourceID, id, false, payloadXML)
		if err != nil {
			return "", fmt.Errorf("harvest: callback: %w", err)
		}
		s.Counters.Changed += n
	}

	return s.resumptionToken(doc), nil
}

func (s *Session) processIdentifiers(doc *xmlquery.Node, cb IdentifierCallback) (nextToken string, err error) {
	listNode := oaixml.FirstDescendant(doc, "ListIdentifiers")
	if listNode == nil {
		return "", nil
	}

	for _, header := range oaixml.ImmediateChildren(listNode, "header") {
		id := s.recordID(header)
		deleted := strings.EqualFold(header.SelectAttr("status"), "deleted")
		if err := cb(s.source.SourceID, id, deleted); err != nil {
			return "", fmt.Errorf("harvest: callback: %w", err)
		}
		if deleted {
			s.Counters.Deleted++
		} else {
			s.Counters.Changed++
		}
	}

	return s.resumptionToken(doc), nil
}

func (s *Session) recordID(header *xmlquery.Node) string {
	idNode := oaixml.FirstDescendant(header, "identifier")
	if idNode == nil {
		return ""
	}
	return s.ids.Normalize(strings.TrimSpace(idNode.InnerText()))
}

func (s *Session) resumptionToken(doc *xmlquery.Node) string {
	tokNode := oaixml.FirstDescendant(doc, "resumptionToken")
	if tokNode == nil {
		return ""
	}
	return strings.TrimSpace(tokNode.InnerText())
}

// checkSafeguard implements the repeated-token counter: resets on any
// change, fails once the same token has repeated repeatLimit times in a
// row.
func (s *Session) checkSafeguard(token string) error {
	if token == s.lastToken {
		s.repeatCount++
	} else {
		s.repeatCount = 0
		s.lastToken = token
	}
	if s.repeatCount >= s.repeatLimit {
		return &StuckResumptionTokenError{Token: token, Limit: s.repeatLimit}
	}
	return nil
}

func (s *Session) formatDate(t time.Time) string {
	switch s.granularity {
	case config.GranularityDate:
		return t.UTC().Format("2006-01-02")
	default:
		return t.UTC().Format("2006-01-02T15:04:05Z")
	}
}

func parseOaiDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02T15:04:05Z", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date format %q", s)
}
