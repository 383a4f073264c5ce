package app

import (
	"io"

	"e2eed/internal/domain"
)

// Options holds runtime wiring options that do not come from the config file.
type Options struct {
	// Passphrase unlocks the local account. When empty the pairwise and
	// group session managers are not built and key requests can only be
	// answered with "no result".
	Passphrase string
	// LogOutput defaults to io.Discard.
	LogOutput io.Writer
	// RunID tags log lines of this process.
	RunID string
	// Clock and IDs default to the real clock and UUIDs.
	Clock domain.Clock
	IDs   domain.IDGenerator
}

func (o Options) withDefaults() Options {
	if o.LogOutput == nil {
		o.LogOutput = io.Discard
	}
	if o.Clock == nil {
		o.Clock = domain.RealClock{}
	}
	if o.IDs == nil {
		o.IDs = domain.UUIDGenerator{}
	}
	if o.RunID == "" {
		o.RunID = o.IDs.NewID()
	}
	return o
}
