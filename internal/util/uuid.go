package util

import (
	"github.com/google/uuid"
)

// GenerateUUID returns a random v4 id for payments, audit rows and outbox
// messages.
func GenerateUUID() string {
	return uuid.NewString()
}

// IDGenerator lets services take a deterministic generator in tests.
type IDGenerator func() string
