package engine

import (
	"errors"
	"fmt"

	"shopfloor/internal/repo"
)

// NotFoundError names the missing entity. errors.Is(err, repo.ErrNotFound) holds.
type NotFoundError struct {
	Entity string
	ID     any
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %v not found", e.Entity, e.ID)
}

func (e NotFoundError) Unwrap() error {
	return repo.ErrNotFound
}

// ValidationError rejects input before any state is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// TransitionConflict is an operation state change that the current state does not allow.
type TransitionConflict struct {
	ID   int64
	From string
	To   string
}

func (e TransitionConflict) Error() string {
	return fmt.Sprintf("operation %d cannot move from %s to %s", e.ID, e.From, e.To)
}

// DataSourceError aborts a whole scan or reconciliation pass.
type DataSourceError struct {
	Source string
	Err    error
}

func (e DataSourceError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Source, e.Err)
}

func (e DataSourceError) Unwrap() error {
	return e.Err
}

func notFound(entity string, id any, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return NotFoundError{Entity: entity, ID: id}
	}
	return err
}

func dataSource(source string, err error) error {
	if err == nil {
		return nil
	}
	var ds DataSourceError
	if errors.As(err, &ds) {
		return err
	}
	return DataSourceError{Source: source, Err: err}
}
