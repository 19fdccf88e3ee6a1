// Package oaixml parses OAI-PMH HTTP response bodies: permissive XML parsing
// with an encoding-repair fallback, optional XSL-style transform, and OAI
// <error> detection.
package oaixml

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/antchfx/xmlquery"
	"golang.org/x/net/html/charset"
)

// Transformer applies a preconfigured, data-source-specific transform (e.g.
// an XSL stylesheet) to a parsed response before OAI-error scanning. No
// implementation is bundled; callers that don't configure one leave it nil.
type Transformer interface {
	Transform(doc *xmlquery.Node) (*xmlquery.Node, error)
}

// ErrMalformedResponse is the sentinel wrapped by MalformedResponseError.
var ErrMalformedResponse = errors.New("oaixml: malformed response")

// MalformedResponseError is raised when a response cannot be parsed even
// after the encoding-repair pass. Path points at a deterministic temp file
// holding the raw, unparsed bytes, for later inspection.
type MalformedResponseError struct {
	Path string
	Err  error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("oaixml: malformed response (saved to %s): %v", e.Path, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return ErrMalformedResponse }

// ErrOaiError is the sentinel wrapped by OaiError.
var ErrOaiError = errors.New("oaixml: server reported an OAI-PMH error")

// OaiError is a server-reported <error code="..."> element, tolerated only
// for noRecordsMatch per the rules in Process.
type OaiError struct {
	Code string
	Text string
}

func (e *OaiError) Error() string { return fmt.Sprintf("oaixml: OAI error %s: %s", e.Code, e.Text) }

func (e *OaiError) Unwrap() error { return ErrOaiError }

// Options configures Process.
type Options struct {
	// TempDir is where malformed payloads are saved; defaults to os.TempDir().
	TempDir string
	// Transform is applied, if non-nil, after a successful parse.
	Transform Transformer
	// IgnoreNoRecordsMatch tolerates noRecordsMatch even on a resumption
	// request, per the data source's ignoreNoRecordsMatch option.
	IgnoreNoRecordsMatch bool
}

// Process implements spec §4.4 end to end: parse, repair, transform, and
// scan for a fatal OAI <error>. isResumptionRequest distinguishes a
// resumptionToken-driven request from the first page of a listing, since
// noRecordsMatch is tolerated unconditionally on the latter.
func Process(data []byte, isResumptionRequest bool, opts Options) (*xmlquery.Node, error) {
	doc, err := parsePermissive(data)
	if err != nil {
		if repaired, rerr := repairEncoding(data); rerr == nil {
			doc, err = parsePermissive(repaired)
		}
	}
	if err != nil {
		path, werr := saveMalformed(data, opts.TempDir)
		if werr != nil {
			path = ""
		}
		return nil, &MalformedResponseError{Path: path, Err: err}
	}

	if opts.Transform != nil {
		doc, err = opts.Transform.Transform(doc)
		if err != nil {
			return nil, fmt.Errorf("oaixml: transform: %w", err)
		}
	}

	if errNode := FirstDescendant(doc, "error"); errNode != nil {
		code := errNode.SelectAttr("code")
		if code == "noRecordsMatch" && (!isResumptionRequest || opts.IgnoreNoRecordsMatch) {
			return doc, nil
		}
		return nil, &OaiError{Code: code, Text: strings.TrimSpace(errNode.InnerText())}
	}

	return doc, nil
}

// parsePermissive parses with a non-strict decoder: duplicate/malformed
// attributes and similar minor violations don't abort the parse. Go's
// encoding/xml, unlike libxml2, has no document-size ceiling to relax.
func parsePermissive(data []byte) (*xmlquery.Node, error) {
	return xmlquery.ParseWithOptions(bytes.NewReader(data), xmlquery.ParserOptions{
		Decoder: &xmlquery.DecoderOptions{Strict: false},
	})
}

// repairEncoding round-trips data through charset detection to UTF-8,
// fixing the common case of a wrongly labeled or missing encoding
// declaration.
func repairEncoding(data []byte) ([]byte, error) {
	r, err := charset.NewReader(bytes.NewReader(data), "")
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func saveMalformed(data []byte, dir string) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	sum := sha256.Sum256(data)
	path := filepath.Join(dir, "oaixml-malformed-"+hex.EncodeToString(sum[:8])+".xml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// FirstDescendant returns the first element, in document order, anywhere
// below n whose local name (prefix stripped) equals localName, or nil.
func FirstDescendant(n *xmlquery.Node, localName string) *xmlquery.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xmlquery.ElementNode {
			continue
		}
		if localNameOf(c) == localName {
			return c
		}
		if found := FirstDescendant(c, localName); found != nil {
			return found
		}
	}
	return nil
}

// ImmediateChildren returns every direct child element of n whose local
// name equals localName, in document order. Non-recursive: OAI payloads
// reuse element names (identifier, header) at multiple nesting depths, and
// only direct structural matches are safe here.
func ImmediateChildren(n *xmlquery.Node, localName string) []*xmlquery.Node {
	var out []*xmlquery.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode && localNameOf(c) == localName {
			out = append(out, c)
		}
	}
	return out
}

func localNameOf(n *xmlquery.Node) string {
	if i := strings.IndexByte(n.Data, ':'); i >= 0 {
		return n.Data[i+1:]
	}
	return n.Data
}

// InheritNamespaces copies every in-scope xmlns declaration from root's
// ancestors onto root itself, skipping the reserved xml prefix and any
// prefix root already declares. This is what lets a serialized element
// fragment stand alone, without ancestor context, per spec §4.5's
// namespace-inheritance requirement.
func InheritNamespaces(root *xmlquery.Node) {
	seen := make(map[string]bool)
	for _, a := range root.Attr {
		if isXMLNSAttr(a) {
			seen[xmlnsPrefix(a)] = true
		}
	}
	for anc := root.Parent; anc != nil; anc = anc.Parent {
		for _, a := range anc.Attr {
			if !isXMLNSAttr(a) {
				continue
			}
			prefix := xmlnsPrefix(a)
			if prefix == "xml" || seen[prefix] {
				continue
			}
			seen[prefix] = true
			root.Attr = append(root.Attr, a)
		}
	}
}

func isXMLNSAttr(a xmlquery.Attr) bool {
	return a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns")
}

func xmlnsPrefix(a xmlquery.Attr) string {
	if a.Name.Space == "xmlns" {
		return a.Name.Local
	}
	return ""
}

// Serialize renders n (and its subtree) back to an XML string, including
// n's own start tag.
func Serialize(n *xmlquery.Node) string {
	return n.OutputXML(true)
}
