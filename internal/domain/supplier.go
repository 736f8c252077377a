package domain

import (
	"errors"
	"fmt"
	"time"
)

// SupplierStatus is the persisted outreach state of a supplier.
type SupplierStatus string

const (
	StatusPending       SupplierStatus = "pending"
	StatusContacted     SupplierStatus = "contacted"
	StatusAwaitingReply SupplierStatus = "awaiting_reply"
	StatusQuoted        SupplierStatus = "quoted"
	StatusClosed        SupplierStatus = "closed"
)

// ErrInvalidTransition is returned when a status change is not allowed by
// the outreach state machine.
var ErrInvalidTransition = errors.New("domain: invalid status transition")

// transitions lists, for every status, the statuses it may move to.
var transitions = map[SupplierStatus][]SupplierStatus{
	StatusPending:       {StatusContacted},
	StatusContacted:     {StatusAwaitingReply, StatusQuoted, StatusClosed},
	StatusAwaitingReply: {StatusAwaitingReply, StatusQuoted, StatusClosed},
	StatusQuoted:        {StatusClosed},
	StatusClosed:        nil,
}

// Statuses returns every known status in lifecycle order.
func Statuses() []SupplierStatus {
	return []SupplierStatus{StatusPending, StatusContacted, StatusAwaitingReply, StatusQuoted, StatusClosed}
}

// Valid reports whether s is a known status.
func (s SupplierStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transitions are possible.
func (s SupplierStatus) Terminal() bool {
	return s == StatusClosed
}

// ParseStatus converts a raw string into a SupplierStatus.
func ParseStatus(raw string) (SupplierStatus, error) {
	s := SupplierStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("domain: unknown supplier status %q", raw)
	}
	return s, nil
}

// CanTransition reports whether a supplier may move from one status to another.
func CanTransition(from, to SupplierStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors returns the statuses from which `to` can be reached. Stores
// use it to guard conditional updates.
func Predecessors(to SupplierStatus) []SupplierStatus {
	var out []SupplierStatus
	for _, from := range Statuses() {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// SupplierRecord is a prospective supplier contacted for a given risk.
type SupplierRecord struct {
	ID          string
	CompanyName string
	Email       string
	ProductName string
	Status      SupplierStatus
	ThreadID    string
	RunID       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
