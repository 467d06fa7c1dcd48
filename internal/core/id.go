package core

import "github.com/google/uuid"

// NewID returns a random UUIDv4 string used for definitions, executions and
// status rows.
func NewID() string {
	return uuid.NewString()
}
