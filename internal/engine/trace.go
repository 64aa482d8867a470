package engine

import "github.com/google/uuid"

// ParseTrace parses a trace UUID string, e.g. one a client passed back in
// to correlate a retried request with its original attempt.
func ParseTrace(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}

// TraceBytes returns the 16-byte representation of a trace UUID, for
// embedding in binary log records.
func TraceBytes(u uuid.UUID) []byte {
	return u[:]
}
