// Package classify routes free-text queries to agent variants using
// keyword scoring with a deterministic priority fallback.
package classify

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidInput is returned when a query is empty after trimming.
var ErrInvalidInput = errors.New("query text is empty")

// Variant identifies one of the fixed agent behaviors.
type Variant string

const (
	VariantMedicine          Variant = "medicine"
	VariantPatientMonitoring Variant = "patient_monitoring"
	VariantStockManagement   Variant = "stock_management"
	VariantAppointment       Variant = "appointment"
	VariantDatabase          Variant = "database"
	VariantToolbox           Variant = "toolbox"
	VariantGeneral           Variant = "general"
)

// Variants lists every known variant in routing priority order. Domain
// variants come before the general-purpose fallback, so ties resolve to
// the most specific behavior and an all-zero score resolves to general.
var Variants = []Variant{
	VariantMedicine,
	VariantPatientMonitoring,
	VariantStockManagement,
	VariantAppointment,
	VariantDatabase,
	VariantToolbox,
	VariantGeneral,
}

// ParseVariant resolves a client-supplied agent type string.
func ParseVariant(s string) (Variant, bool) {
	v := Variant(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Variants {
		if v == known {
			return known, true
		}
	}
	return "", false
}

// String returns the wire form of the variant.
func (v Variant) String() string {
	return string(v)
}

// Classifier maps query text to an agent variant. It holds only static
// keyword configuration and is safe for concurrent use.
type Classifier struct {
	keywords map[Variant][]string
	priority []Variant
}

// New creates a classifier with the default keyword sets.
func New() *Classifier {
	return &Classifier{
		keywords: defaultKeywords,
		priority: Variants,
	}
}

// NewWithKeywords creates a classifier with custom keyword sets. Variants
// absent from the map score zero and can only be selected via an explicit
// hint or the fallback.
func NewWithKeywords(keywords map[Variant][]string) *Classifier {
	return &Classifier{
		keywords: keywords,
		priority: Variants,
	}
}

// Classify selects the variant for a query. An explicit hint naming a
// known variant always wins. Otherwise each variant is scored by the
// number of its keywords found as case-insensitive substrings of the
// query; the strictly highest score wins and ties fall back to the fixed
// priority order. The result is deterministic for identical inputs.
func (c *Classifier) Classify(queryText, explicitHint string) (Variant, error) {
	if strings.TrimSpace(queryText) == "" {
		return "", fmt.Errorf("classify: %w", ErrInvalidInput)
	}

	if explicitHint != "" {
		if v, ok := ParseVariant(explicitHint); ok {
			return v, nil
		}
	}

	lower := strings.ToLower(queryText)

	best := VariantGeneral
	bestScore := 0
	for _, v := range c.priority {
		score := 0
		for _, kw := range c.keywords[v] {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		// Strict inequality keeps earlier (higher priority) variants on ties.
		if score > bestScore {
			best = v
			bestScore = score
		}
	}

	return best, nil
}

// Score returns the keyword match count for a single variant. Exposed for
// status reporting and tests.
func (c *Classifier) Score(queryText string, v Variant) int {
	lower := strings.ToLower(queryText)
	score := 0
	for _, kw := range c.keywords[v] {
		if strings.Contains(lower, kw) {
			score++
		}
	}
	return score
}
