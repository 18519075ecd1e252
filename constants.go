package pgpool

import "github.com/riftlabs/pgpool/internal/constants"

// Re-exported defaults, kept at the public API surface so callers don't
// need to import internal/constants directly.
const (
	DefaultPoolSize = constants.DefaultPoolSize
	MaxSendAttempts = constants.MaxSendAttempts
)
