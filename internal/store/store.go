package store

import (
	"errors"

	"nanogrid-air/internal/meter"
)

var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned by CreatePairing when the unique id is already paired.
	ErrExists = errors.New("already exists")
)

// Store defines the persistence interface.
type Store interface {
	// Pairing operations
	CreatePairing(p *PairingConfig) error
	GetPairing(uniqueID string) (*PairingConfig, error)
	DeletePairing(uniqueID string) error
	ListPairings() ([]*PairingConfig, error)
	CountPairings() (int, error)

	// UpdatePairing atomically reads, modifies, and saves a pairing in a single
	// transaction. Returns ErrNotFound if the pairing does not exist.
	UpdatePairing(uniqueID string, fn func(p *PairingConfig) error) error

	// Last-known readings
	SaveReading(uniqueID string, r meter.Reading) error
	GetReading(uniqueID string) (meter.Reading, error)

	// Close the store
	Close() error
}
