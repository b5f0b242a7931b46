// Package validator computes attribute error markers from candidate values.
package validator

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/aretw0/blockq/pkg/domain"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate returns the error marker for candidate under the given semantics, or
// domain.ErrorNone when it is valid. It never returns domain.ErrorUnexpected.
func Validate(semantic domain.SemanticType, candidate any) domain.ErrorKind {
	switch semantic {
	case domain.SemanticIdentifier:
		s, ok := candidate.(string)
		if !ok || !identifierPattern.MatchString(s) {
			return domain.ErrorInvalidVariableName
		}
		return domain.ErrorNone
	case domain.SemanticText:
		if _, ok := candidate.(string); !ok {
			return domain.ErrorInvalidValue
		}
		return domain.ErrorNone
	case domain.SemanticNumber:
		s, ok := candidate.(string)
		if !ok {
			return domain.ErrorInvalidValue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return domain.ErrorInvalidValue
		}
		return domain.ErrorNone
	}
	return domain.ErrorInvalidValue
}

// ValidateAttribute validates candidate for the attribute a tag operates on in block b.
func ValidateAttribute(spec domain.TagSpec, b domain.Block, candidate any) domain.ErrorKind {
	return Validate(spec.SemanticFor(b), candidate)
}
