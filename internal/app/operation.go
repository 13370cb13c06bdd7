package app

import (
	"time"

	"github.com/google/uuid"
)

// Operation statuses as stored in the history table.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation tracks a CLI invocation that may mutate the index.
// Operations are created in memory with ID=0. Only mutating commands persist
// them (giving them an auto-increment ID from the database).
type Operation struct {
	ID        int64
	UUID      string
	Operation string
	Status    string
	StartedAt time.Time
}

// NewOperation creates a new in-memory operation record.
func NewOperation(operation string) *Operation {
	return &Operation{
		UUID:      uuid.NewString(),
		Operation: operation,
		Status:    StatusSuccess,
		StartedAt: time.Now().UTC(),
	}
}

// Persisted returns true if this operation has been saved to the database.
func (op *Operation) Persisted() bool {
	return op.ID != 0
}
