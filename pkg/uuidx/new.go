package uuidx

import "github.com/google/uuid"

// New generates a new random UUID using the version 4 format and returns it.
// Connection identifiers are minted with it so they carry no ordering or
// timing information.
func New() uuid.UUID {
	return uuid.New()
}

// NewOrdered generates a new UUID using the version 7 format and returns it.
// It panics if the UUID generation fails.
func NewOrdered() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
