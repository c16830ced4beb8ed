package grantfsm

import (
	"errors"

	"domainproxy/pkg/models"
)

var ErrInvalidTransition = errors.New("invalid grant transition")

// Event is a SAS answer that moves a grant.
type Event string

const (
	EventGranted    Event = "GRANTED"
	EventConflict   Event = "CONFLICT"
	EventAuthorized Event = "AUTHORIZED"
	EventSuspended  Event = "SUSPENDED"
	EventUnsync     Event = "UNSYNC"
)

// CanTransition reports whether SAS may move a grant from one state to
// another. None is a grant the proxy has not stored yet.
func CanTransition(from, to models.GrantState) bool {
	switch from {
	case models.GrantNone:
		return to == models.GrantGranted || to == models.GrantUnsync
	case models.GrantGranted:
		return to == models.GrantGranted || to == models.GrantAuthorized || to == models.GrantUnsync
	case models.GrantAuthorized:
		return to == models.GrantAuthorized || to == models.GrantGranted || to == models.GrantUnsync
	case models.GrantUnsync:
		return to == models.GrantUnsync
	default:
		return false
	}
}

func Transition(from, to models.GrantState) (models.GrantState, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func Next(from models.GrantState, event Event) (models.GrantState, error) {
	switch event {
	case EventGranted:
		return Transition(from, models.GrantGranted)
	case EventConflict:
		return Transition(from, models.GrantUnsync)
	case EventAuthorized:
		return Transition(from, models.GrantAuthorized)
	case EventSuspended:
		return Transition(from, models.GrantGranted)
	case EventUnsync:
		return Transition(from, models.GrantUnsync)
	default:
		return from, ErrInvalidTransition
	}
}
