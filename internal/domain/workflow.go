package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingInput is returned when a stage runs without the field it consumes.
	ErrMissingInput = errors.New("domain: required workflow input is missing")
	// ErrFieldAlreadySet is returned when a stage tries to overwrite another stage's output.
	ErrFieldAlreadySet = errors.New("domain: workflow field already set")
)

// WorkflowState is the transient state threaded through one pipeline run.
// Each field is written by exactly one stage.
type WorkflowState struct {
	RunID         string
	NewsText      string
	SearchPrompt  string
	ResearchText  string
	Suppliers     []SupplierRecord
	Inserted      []SupplierRecord
	PersistStatus string
	FinalStatus   string

	extracted bool
	persisted bool
}

// SetString writes a set-once text field.
func SetString(field *string, name, value string) error {
	if *field != "" {
		return fmt.Errorf("%w: %s", ErrFieldAlreadySet, name)
	}
	*field = value
	return nil
}

// RequireString fails when the named input field is empty.
func RequireString(value, name string) error {
	if value == "" {
		return fmt.Errorf("%w: %s", ErrMissingInput, name)
	}
	return nil
}

// SetSuppliers records the extraction result. An empty list is a valid result.
func (s *WorkflowState) SetSuppliers(list []SupplierRecord) error {
	if s.extracted {
		return fmt.Errorf("%w: suppliers", ErrFieldAlreadySet)
	}
	s.Suppliers = list
	s.extracted = true
	return nil
}

// Extracted reports whether the extraction stage has produced its output.
func (s *WorkflowState) Extracted() bool {
	return s.extracted
}

// SetInserted records the suppliers committed by the persistence stage.
func (s *WorkflowState) SetInserted(list []SupplierRecord, status string) error {
	if s.persisted {
		return fmt.Errorf("%w: inserted", ErrFieldAlreadySet)
	}
	s.Inserted = list
	s.PersistStatus = status
	s.persisted = true
	return nil
}

// Persisted reports whether the persistence stage has completed.
func (s *WorkflowState) Persisted() bool {
	return s.persisted
}
