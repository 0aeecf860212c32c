// Package validation checks identifiers that flow into archive paths, SQL
// filters and API query strings.
//
// Location ids are rendered into object-store paths, so they must never
// contain path separators or start with a dot.
package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/xtxerr/airwatch/internal/errors"
)

// =============================================================================
// Identifier Validation
// =============================================================================

// IDRules defines the validation rules for an identifier.
type IDRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
}

// LocationIDRules returns the rules for location ids.
func LocationIDRules() IDRules {
	return IDRules{
		MinLength:    1,
		MaxLength:    64,
		AllowDots:    false,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ParameterRules returns the rules for parameter names, which may carry
// dots (pm2.5).
func ParameterRules() IDRules {
	return IDRules{
		MinLength:    1,
		MaxLength:    64,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ValidateID validates an identifier according to the given rules.
func ValidateID(id string, rules IDRules) error {
	if len(id) < rules.MinLength {
		return fmt.Errorf("too short: minimum %d characters required", rules.MinLength)
	}
	if len(id) > rules.MaxLength {
		return fmt.Errorf("too long: maximum %d characters allowed", rules.MaxLength)
	}

	if strings.HasPrefix(id, ".") {
		return fmt.Errorf("cannot start with '.'")
	}

	for i, r := range id {
		if r < 32 || r == 127 {
			return fmt.Errorf("control character at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("path separator at position %d", i)
		}
		if !isAllowedIDChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedIDChar(r rune, rules IDRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	}
	return false
}

// ValidateLocationID validates a location id. The error is a validation
// error naming field.
func ValidateLocationID(field, id string) error {
	if err := ValidateID(id, LocationIDRules()); err != nil {
		return errors.NewValidation(field, fmt.Sprintf("location id %q: %v", id, err))
	}
	return nil
}

// ValidateParameter validates a parameter name.
func ValidateParameter(field, name string) error {
	if err := ValidateID(name, ParameterRules()); err != nil {
		return errors.NewValidation(field, fmt.Sprintf("parameter %q: %v", name, err))
	}
	return nil
}

// =============================================================================
// Lists
// =============================================================================

// LocationIDs validates every id and reports all offenders at once.
func LocationIDs(field string, ids []string) error {
	return each(field, ids, ValidateLocationID)
}

// Parameters validates every parameter name.
func Parameters(field string, names []string) error {
	return each(field, names, ValidateParameter)
}

func each(field string, values []string, check func(string, string) error) error {
	var bad []string
	for _, v := range values {
		if err := check(field, v); err != nil {
			bad = append(bad, fmt.Sprintf("%q", v))
		}
	}
	if len(bad) > 0 {
		return errors.NewValidation(field, "invalid values "+strings.Join(bad, ", "))
	}
	return nil
}
