package store

import "time"

// Pairing modes.
const (
	ModePoll = "poll"
	ModePush = "push"
)

// PairingConfig is a paired meter. UniqueID is the device MAC and never
// changes; URL may be updated without re-pairing.
type PairingConfig struct {
	UniqueID  string    `json:"unique_id"`
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
