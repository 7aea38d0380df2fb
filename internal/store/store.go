// Package store persists the logged-in user and the meters this host has
// provisioned.
package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("store: not found")

// Store defines the persistence interface.
type Store interface {
	// SaveUser replaces the stored user.
	SaveUser(u *User) error
	// LoadUser returns ErrNotFound when nobody is logged in.
	LoadUser() (*User, error)
	// ClearUser is a no-op when nobody is logged in.
	ClearUser() error

	// SaveMeter inserts or replaces a meter keyed by its address.
	SaveMeter(m *Meter) error
	GetMeter(address string) (*Meter, error)
	// ListMeters returns meters newest first.
	ListMeters() ([]*Meter, error)

	Close() error
}
