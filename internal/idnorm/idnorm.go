// Package idnorm implements the record-id normalization pipeline: prefix
// strip followed by an ordered sequence of regex rewrites.
package idnorm

import (
	"regexp"
	"strings"

	"github.com/metaharvest/harvestpool/internal/config"
)

// Rule is one compiled (pattern, replacement) pair, position-correlated with
// the order it must be applied in.
type Rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Pipeline normalizes an OAI-PMH identifier into the id stored downstream.
type Pipeline struct {
	prefix string
	rules  []Rule
}

// New compiles a Pipeline from a DataSource's prefix and ordered rewrite
// rules. Rules are applied in the same order they appear in rules.
func New(prefix string, rules []config.IDRewriteRule) (*Pipeline, error) {
	p := &Pipeline{prefix: prefix}
	for _, r := range rules {
		re, err := regexp.Compile(r.Search)
		if err != nil {
			return nil, err
		}
		p.rules = append(p.rules, Rule{pattern: re, replacement: r.Replace})
	}
	return p, nil
}

// Normalize strips the configured prefix (if present) then applies every
// rewrite rule, in order.
func (p *Pipeline) Normalize(identifier string) string {
	id := strings.TrimPrefix(identifier, p.prefix)
	for _, r := range p.rules {
		id = r.pattern.ReplaceAllString(id, r.replacement)
	}
	return id
}
