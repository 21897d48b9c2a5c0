package domain

import "errors"

var (
	// ErrFileNotFound is returned when the audit log path does not exist at startup.
	ErrFileNotFound = errors.New("audit log not found")
	// ErrPermissionDenied is returned when the audit log cannot be opened for reading.
	ErrPermissionDenied = errors.New("audit log not readable")
	// ErrInvalidRecord marks a record that is structurally unusable (e.g. empty).
	ErrInvalidRecord = errors.New("invalid record")
	// ErrInvalidFieldSpec is returned for empty or duplicate field names.
	ErrInvalidFieldSpec = errors.New("invalid field spec")
	// ErrInvalidPredicate is returned when a predicate expression cannot be parsed.
	ErrInvalidPredicate = errors.New("invalid predicate")
)
