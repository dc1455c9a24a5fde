package mcpgate

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewTaskID generates a short task identifier of the form "task_xxxxxxxx".
func NewTaskID() string {
	id := uuid.New()
	return "task_" + hex.EncodeToString(id[:4])
}

// NowUnix returns current time as Unix seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
