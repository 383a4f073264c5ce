package domain

import (
	"time"

	"github.com/google/uuid"
)

// Logger is the structured logging contract used by every service.
// Arguments are alternating key/value pairs as in log/slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}

// Clock abstracts wall time so expiry and retention are testable.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator produces unique identifiers for rows and requests.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator issues random UUIDv4 strings.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.New().String() }
