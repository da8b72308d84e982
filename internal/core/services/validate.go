package services

import (
	"fmt"
	"strings"
)

// ValidatePathElement checks that v is non-empty and usable as one path
// element under the repository root. Package names and versions become
// directory and file names, so separators and dot entries are refused.
func ValidatePathElement(field, v string) error {
	switch {
	case v == "":
		return fmt.Errorf("%w: %s is required", ErrValidation, field)
	case v == ".", v == "..":
		return fmt.Errorf("%w: %s %q is not allowed", ErrValidation, field, v)
	case strings.ContainsAny(v, "/\\\x00"):
		return fmt.Errorf("%w: %s %q contains a path separator", ErrValidation, field, v)
	}
	return nil
}
