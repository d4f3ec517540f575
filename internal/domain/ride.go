// Package domain holds the entities of the dispatch core: Ride, RideOffer
// and Driver, plus their enums and invariants.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// RideStatus is the ordered ride lifecycle.
type RideStatus string

const (
	RideOpen       RideStatus = "OPEN"
	RideSearching  RideStatus = "SEARCHING"
	RideAccepted   RideStatus = "ACCEPTED"
	RideArriving   RideStatus = "ARRIVING"
	RideInProgress RideStatus = "IN_PROGRESS"
	RideCompleted  RideStatus = "COMPLETED"
	RideCanceled   RideStatus = "CANCELED"
	RideFailed     RideStatus = "FAILED"
)

// Terminal reports whether no further transitions are permitted.
func (s RideStatus) Terminal() bool {
	switch s {
	case RideCompleted, RideCanceled, RideFailed:
		return true
	default:
		return false
	}
}

// Dispatchable reports whether a ride may still receive/accept offers (used
// by the acceptance critical section).
func (s RideStatus) Dispatchable() bool {
	switch s {
	case RideFailed, RideCanceled, RideCompleted:
		return false
	default:
		return true
	}
}

// OfferStatus is the RideOffer lifecycle.
type OfferStatus string

const (
	OfferSent     OfferStatus = "SENT"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferRejected OfferStatus = "REJECTED"
	OfferExpired  OfferStatus = "EXPIRED"
)

// Availability is the driver tri-state. The boolean convenience flag
// accepted by driver.setAvailability is a derived view over this, never
// stored separately.
type Availability string

const (
	Offline Availability = "OFFLINE"
	Online  Availability = "ONLINE"
	Busy    Availability = "BUSY"
)

// GeoPoint is a pickup/dropoff or driver coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Place is a pickup or dropoff location; coordinates are optional.
type Place struct {
	Text  string   `json:"text"`
	Point GeoPoint `json:"point,omitempty"`
	HasPt bool     `json:"has_point"`
}

// Ride is a passenger's ride request.
type Ride struct {
	ID             uuid.UUID
	PassengerID    uuid.UUID
	AssignedDriver *uuid.UUID
	Pickup         Place
	Dropoff        Place
	Status         RideStatus
	Phase          int
	SearchRadiusKm float64
	PhaseExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RideOffer is one broadcast offer of a ride to a candidate driver.
type RideOffer struct {
	ID         uuid.UUID
	RideID     uuid.UUID
	DriverID   uuid.UUID
	Status     OfferStatus
	SentAt     time.Time
	ExpiresAt  time.Time
	AcceptedAt *time.Time
	RejectedAt *time.Time
}

// Driver is a driver account. Location is optional: a driver
// with no location is eligible only for rides that themselves have no
// pickup coordinates.
type Driver struct {
	ID           uuid.UUID
	Phone        string
	Availability Availability
	Location     *GeoPoint
	UpdatedAt    time.Time
}

// IsOnline is the derived boolean view over Availability.
func (d Driver) IsOnline() bool { return d.Availability == Online }

// PassengerContact is the minimal passenger projection joined onto a ride
// response after an offer acceptance; passenger accounts
// themselves are out of scope.
type PassengerContact struct {
	ID    uuid.UUID
	Phone string
}

// Clock abstracts time so the matcher's phase timing is testable.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
