package model

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a status change is not allowed.
var ErrIllegalTransition = errors.New("illegal status transition")

// Status is the lifecycle state of a Record.
// The string values match the state file written by earlier releases.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAcquiring Status = "downloading"
	StatusCompleted Status = "completed"
	StatusEvicted   Status = "deleted"
	StatusFailed    Status = "error"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusAcquiring, StatusCompleted, StatusEvicted, StatusFailed}

// transitions is the full state machine. Evicted and Failed are terminal.
var transitions = map[Status]map[Status]bool{
	StatusPending:   {StatusAcquiring: true},
	StatusAcquiring: {StatusCompleted: true, StatusFailed: true},
	StatusCompleted: {StatusEvicted: true},
	StatusEvicted:   {},
	StatusFailed:    {},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// Label is the human name used in logs and the status table.
func (s Status) Label() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusAcquiring:
		return "Acquiring"
	case StatusCompleted:
		return "Completed"
	case StatusEvicted:
		return "Evicted"
	case StatusFailed:
		return "Failed"
	}
	return string(s)
}

// ParseStatus accepts either the stored value ("downloading") or the label
// ("Acquiring"), case-sensitively.
func ParseStatus(v string) (Status, error) {
	for _, s := range Statuses {
		if v == string(s) || v == s.Label() {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", v)
}
