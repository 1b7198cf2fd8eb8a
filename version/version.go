// Package version compares application versions using semantic-version precedence.
package version

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrInvalid is matched by every ParseError.
var ErrInvalid = errors.New("invalid semantic version")

// ParseError reports a version or range expression that could not be parsed.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse version %q: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrInvalid }

// Parse parses a strict semantic version. A single leading "v" or "=" is accepted.
func Parse(v string) (*semver.Version, error) {
	trimmed := strings.TrimSpace(v)
	if len(trimmed) > 0 && (trimmed[0] == 'v' || trimmed[0] == '=') {
		trimmed = trimmed[1:]
	}
	sv, err := semver.StrictNewVersion(trimmed)
	if err != nil {
		return nil, &ParseError{Input: v, Err: err}
	}
	return sv, nil
}

// Satisfies reports whether candidate satisfies rangeExpr (for example ">=2.1.0").
// Pre-release candidates only satisfy ranges that name a pre-release themselves.
func Satisfies(candidate, rangeExpr string) (bool, error) {
	v, err := Parse(candidate)
	if err != nil {
		return false, err
	}
	return Check(v, rangeExpr)
}

// Check tests an already parsed version against rangeExpr.
func Check(v *semver.Version, rangeExpr string) (bool, error) {
	c, err := semver.NewConstraint(rangeExpr)
	if err != nil {
		return false, &ParseError{Input: rangeExpr, Err: err}
	}
	return c.Check(v), nil
}

// AtLeast reports whether v satisfies ">=min".
func AtLeast(v *semver.Version, min string) (bool, error) {
	return Check(v, ">="+min)
}

// Compare returns -1, 0 or 1 when a is lower than, equal to or higher than b.
func Compare(a, b string) (int, error) {
	va, err := Parse(a)
	if err != nil {
		return 0, err
	}
	vb, err := Parse(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}
