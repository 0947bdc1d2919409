package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrTemporary        = errors.New("temporary failure")

	// ErrPathTimeout marks a single retrieval path that exceeded its budget.
	// It degrades provenance and never fails a query on its own.
	ErrPathTimeout = errors.New("retrieval path timeout")
	// ErrBothPathsFailed is returned when no planned retrieval path produced
	// a result. Callers should retry.
	ErrBothPathsFailed = errors.New("all retrieval paths failed, try again")
	// ErrSupersessionCycle reports a superseded-by chain that loops or
	// exceeds the resolution depth.
	ErrSupersessionCycle = errors.New("supersession cycle detected")
	// ErrInvalidFilterCombination rejects a request before retrieval starts.
	ErrInvalidFilterCombination = errors.New("invalid filter combination")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
