// Package guardrail screens user questions for prompt-injection phrasing
// before any retrieval or model call happens.
package guardrail

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Severity is the verdict of an inspection.
type Severity int

const (
	Safe Severity = iota
	Moderate
	Severe
)

func (s Severity) String() string {
	switch s {
	case Safe:
		return "safe"
	case Moderate:
		return "moderate"
	case Severe:
		return "severe"
	default:
		return "unknown"
	}
}

// Result reports the verdict and every dictionary term that matched.
type Result struct {
	Severity     Severity
	MatchedTerms []string
}

// defaultTerms is the built-in injection dictionary. A YAML file can
// extend or replace it at construction time.
var defaultTerms = []string{
	"ignore previous instructions",
	"ignore all previous instructions",
	"disregard previous instructions",
	"system prompt",
	"jailbreak",
	"reveal",
	"disregard",
	"new instructions",
	"forget your instructions",
	"override your instructions",
	"act as",
	"pretend to be",
	"roleplay",
	"simulate",
	"developer message",
}

// severeMarkers elevate a match when the term is about revealing or
// overriding instructions.
var severeMarkers = []string{"system prompt", "instructions", "reveal"}

// Inspector performs a case-insensitive substring scan against the
// dictionary. It is stateless after construction and safe for
// concurrent use.
type Inspector struct {
	terms  []string
	logger *zap.Logger
}

type dictionaryFile struct {
	Terms []string `yaml:"terms"`
}

// NewInspector builds an Inspector with the built-in dictionary.
func NewInspector(logger *zap.Logger) *Inspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	terms := make([]string, len(defaultTerms))
	for i, t := range defaultTerms {
		terms[i] = strings.ToLower(t)
	}
	return &Inspector{terms: terms, logger: logger}
}

// NewInspectorFromFile loads extra dictionary terms from a YAML file and
// merges them with the built-in set.
func NewInspectorFromFile(path string, logger *zap.Logger) (*Inspector, error) {
	ins := NewInspector(logger)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guardrail dictionary: %w", err)
	}
	var df dictionaryFile
	if err := yaml.Unmarshal(data, &df); err != nil {
		return nil, fmt.Errorf("parse guardrail dictionary: %w", err)
	}
	seen := make(map[string]bool, len(ins.terms))
	for _, t := range ins.terms {
		seen[t] = true
	}
	for _, t := range df.Terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && !seen[t] {
			ins.terms = append(ins.terms, t)
			seen[t] = true
		}
	}
	ins.logger.Info("guardrail dictionary loaded",
		zap.String("path", path),
		zap.Int("terms", len(ins.terms)),
	)
	return ins, nil
}

// Inspect scans the input and returns the severity verdict along with
// the matched terms. Severity elevates to Severe when any match relates
// to revealing or overriding instructions.
func (ins *Inspector) Inspect(input string) Result {
	lc := strings.ToLower(input)
	res := Result{Severity: Safe}
	for _, term := range ins.terms {
		if !strings.Contains(lc, term) {
			continue
		}
		res.MatchedTerms = append(res.MatchedTerms, term)
		if res.Severity < Moderate {
			res.Severity = Moderate
		}
		if isSevereTerm(term) {
			res.Severity = Severe
		}
	}
	return res
}

func isSevereTerm(term string) bool {
	for _, m := range severeMarkers {
		if strings.Contains(term, m) {
			return true
		}
	}
	return false
}
