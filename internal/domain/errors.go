package domain

import (
	"errors"
	"fmt"
)

// Configuration errors. They are detected before a run starts and are fatal.
var (
	ErrTooFewAgents        = errors.New("at least two agents are required")
	ErrAgentIDGap          = errors.New("agent ids must be contiguous from 0")
	ErrInvalidDivisor      = errors.New("classifier divisor must be positive")
	ErrUnknownTarget       = errors.New("classifier target is not a known agent")
	ErrInvalidOperation    = errors.New("operation is not add or multiply")
	ErrInvalidRounds       = errors.New("rounds must be positive")
	ErrInvalidReliefFactor = errors.New("relief factor must be positive")
	ErrModulusTooLarge     = errors.New("divisor product does not fit in 64 bits")
)

// ErrOverflow reports a result that left the 64-bit range.
var ErrOverflow = errors.New("value overflow")

// ConfigError carries the offending agent id, or -1 when the problem is not tied to
// a single agent.
type ConfigError struct {
	AgentID int
	Field   string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.AgentID < 0 {
		return fmt.Sprintf("config %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config agent %d %s: %v", e.AgentID, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}
