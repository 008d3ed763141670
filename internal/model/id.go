package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewOperationID generates an identifier for a build operation.
func NewOperationID() string {
	return uuid.NewString()
}
