package services

import "errors"

var (
	// ErrNotFound indicates a requested resource does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a uniqueness or state conflict.
	ErrConflict = errors.New("conflict")
	// ErrDuplicateArtifact is returned by Publish when replace is off and the
	// (package, version, branch) triple already has an artifact.
	ErrDuplicateArtifact = errors.New("duplicated artifact")
	// ErrEmptyPayload indicates a matched artifact has no usable data.
	ErrEmptyPayload = errors.New("no data available in the package")
	// ErrValidation indicates a request is missing or has malformed fields.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized indicates credentials were missing or wrong.
	ErrUnauthorized = errors.New("authentication failed")
)
