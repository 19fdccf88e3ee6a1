package enrich

import (
	"encoding/json"
	"strings"
)

// graphDoc is the top-level shape of a vocabulary service's JSON response:
// a flat SKOS concept graph.
type graphDoc struct {
	Graph []conceptNode `json:"graph"`
}

type conceptNode struct {
	URI        string         `json:"uri"`
	Type       flexStringList `json:"type"`
	AltLabel   flexLabelList  `json:"altLabel"`
	PrefLabel  flexLabelList  `json:"prefLabel"`
	ExactMatch []string       `json:"exactMatch"`
}

func (n conceptNode) isConcept() bool {
	for _, t := range n.Type {
		if strings.Contains(t, "skos:Concept") {
			return true
		}
	}
	return false
}

func parseGraph(body []byte) (graphDoc, error) {
	var doc graphDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return graphDoc{}, err
	}
	return doc, nil
}

func findConcept(nodes []conceptNode, uri string) *conceptNode {
	for i := range nodes {
		if nodes[i].isConcept() && nodes[i].URI == uri {
			return &nodes[i]
		}
	}
	return nil
}

// flexStringList accepts either a bare JSON string or a JSON array of
// strings, since SKOS JSON-LD serializes single-valued properties either
// way depending on the producer.
type flexStringList []string

func (f *flexStringList) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*f = []string{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*f = list
	return nil
}

type labelValue struct {
	Value string `json:"value"`
}

// flexLabelList accepts a single {"value": "..."} object or an array of
// them, covering both a single-language label and a language-tagged set.
type flexLabelList []labelValue

func (f *flexLabelList) UnmarshalJSON(b []byte) error {
	var single labelValue
	if err := json.Unmarshal(b, &single); err == nil {
		if single.Value != "" {
			*f = []labelValue{single}
		}
		return nil
	}
	var list []labelValue
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*f = list
	return nil
}

func (f flexLabelList) values() []string {
	out := make([]string, 0, len(f))
	for _, l := range f {
		if l.Value != "" {
			out = append(out, l.Value)
		}
	}
	return out
}
