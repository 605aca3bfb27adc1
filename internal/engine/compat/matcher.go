// Package compat decides which machine classes may run an operation.
//
// Free-text operation labels are first classified into one of the configured
// operation types by keyword, then checked against the type x class matrix.
// Labels that match no keyword follow the configured unknown-type policy.
package compat

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"shopfloor/internal/config"
)

// Operation is the part of an operation the matcher looks at.
type Operation struct {
	Type string
	Axes int
}

// Machine is the part of a machine the matcher looks at.
type Machine struct {
	Class  string
	Axes   int
	Active bool
}

type row struct {
	any     bool
	classes map[string]bool
}

type keywordSet struct {
	typ    string
	tokens []string
}

// Matcher is safe for concurrent use.
type Matcher struct {
	keywords        []keywordSet
	matrix          map[string]row
	axisConstrained map[string]bool
	policy          string
	fallback        string
	Logger          *log.Logger

	warned sync.Map
}

// New builds a matcher from a validated compatibility section.
func New(cfg config.Compatibility) (*Matcher, error) {
	m := &Matcher{
		matrix:          make(map[string]row, len(cfg.Matrix)),
		axisConstrained: make(map[string]bool, len(cfg.AxisConstrained)),
		policy:          cfg.UnknownType.Policy,
		fallback:        cfg.UnknownType.Fallback,
	}
	for _, typ := range config.TypeOrder {
		tokens := make([]string, 0, len(cfg.Keywords[typ]))
		for _, kw := range cfg.Keywords[typ] {
			if tok := Normalize(kw); tok != "" {
				tokens = append(tokens, tok)
			}
		}
		if len(tokens) == 0 {
			return nil, fmt.Errorf("no keywords for operation type %s", typ)
		}
		m.keywords = append(m.keywords, keywordSet{typ: typ, tokens: tokens})
	}
	for typ, classes := range cfg.Matrix {
		r := row{classes: make(map[string]bool, len(classes))}
		for _, cls := range classes {
			if cls == config.AnyClass {
				r.any = true
				continue
			}
			r.classes[Normalize(cls)] = true
		}
		m.matrix[typ] = r
	}
	for _, typ := range cfg.AxisConstrained {
		m.axisConstrained[typ] = true
	}
	switch m.policy {
	case config.UnknownFallback:
		if _, ok := m.matrix[m.fallback]; !ok {
			return nil, fmt.Errorf("unknown-type fallback %q has no matrix row", m.fallback)
		}
	case config.UnknownReject:
	default:
		return nil, fmt.Errorf("unknown-type policy %q", m.policy)
	}
	return m, nil
}

// Normalize composes and case-folds s so that labels compare the same way
// regardless of script or letter case.
func Normalize(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

// Classify maps a free-text label to an operation type by keyword, in the
// order turning, milling, drilling, grinding.
func (m *Matcher) Classify(label string) (string, bool) {
	normalized := Normalize(label)
	if normalized == "" {
		return "", false
	}
	for _, set := range m.keywords {
		for _, tok := range set.tokens {
			if strings.Contains(normalized, tok) {
				return set.typ, true
			}
		}
	}
	return "", false
}

// Resolve classifies label and applies the unknown-type policy. The boolean
// is false when the label is unknown and the policy rejects it.
func (m *Matcher) Resolve(label string) (string, bool) {
	if typ, ok := m.Classify(label); ok {
		return typ, true
	}
	if m.policy == config.UnknownReject {
		m.warnOnce(label, "unknown operation type %q rejected by policy")
		return "", false
	}
	m.warnOnce(label, "unknown operation type %q, falling back to "+m.fallback)
	return m.fallback, true
}

// Compatible reports whether machine mc may run op.
func (m *Matcher) Compatible(op Operation, mc Machine) bool {
	if !mc.Active {
		return false
	}
	typ, ok := m.Resolve(op.Type)
	if !ok {
		return false
	}
	r := m.matrix[typ]
	if !r.any && !r.classes[Normalize(mc.Class)] {
		return false
	}
	if m.axisConstrained[typ] && op.Axes >= 4 && mc.Axes < op.Axes {
		return false
	}
	return true
}

func (m *Matcher) warnOnce(label, format string) {
	if _, loaded := m.warned.LoadOrStore(label, struct{}{}); loaded {
		return
	}
	logger := m.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("compat: "+format, label)
}
