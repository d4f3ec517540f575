// Package ridefsm holds the RideStatus transition table.
package ridefsm

import (
	"github.com/example/ridellite/internal/dispatcherr"
	"github.com/example/ridellite/internal/domain"
)

var allowedTransitions = map[domain.RideStatus][]domain.RideStatus{
	domain.RideOpen:       {domain.RideSearching, domain.RideCanceled},
	domain.RideSearching:  {domain.RideAccepted, domain.RideFailed, domain.RideCanceled},
	domain.RideAccepted:   {domain.RideArriving, domain.RideCanceled},
	domain.RideArriving:   {domain.RideInProgress, domain.RideCanceled},
	domain.RideInProgress: {domain.RideCompleted, domain.RideCanceled},
}

// CanTransition reports whether next is a legal successor of current. Equal
// states are always legal (idempotent no-op writes).
func CanTransition(current, next domain.RideStatus) bool {
	if current == next {
		return true
	}
	for _, candidate := range allowedTransitions[current] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Validate returns a dispatcherr.Conflict error when next does not legally
// follow current, per I4 (status transitions are monotonic and table-driven).
func Validate(current, next domain.RideStatus) error {
	if !CanTransition(current, next) {
		return dispatcherr.Conflicting("illegal ride status transition: " + string(current) + " -> " + string(next))
	}
	return nil
}

// SearchingToAcceptedOnly enforces the special case: SEARCHING may
// only advance to ACCEPTED through the offer-acceptance critical section
// (internal/offers), never through a direct status-write endpoint.
func SearchingToAcceptedOnly(current, next domain.RideStatus, viaOfferAcceptance bool) error {
	if current == domain.RideSearching && next == domain.RideAccepted && !viaOfferAcceptance {
		return dispatcherr.Forbid("SEARCHING may only transition to ACCEPTED via offer acceptance")
	}
	return Validate(current, next)
}
