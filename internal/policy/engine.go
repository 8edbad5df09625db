package policy

import (
	"keepaway/internal/domain"
)

// Engine checks an agent set before a run is built from it.
type Engine struct {
	agents int
}

func New() *Engine {
	return &Engine{}
}

// Validate returns the first configuration problem found, as a *domain.ConfigError.
func (e *Engine) Validate(specs []domain.AgentSpec) error {
	e.agents = 0
	if len(specs) < 2 {
		return &domain.ConfigError{AgentID: -1, Field: "agents", Err: domain.ErrTooFewAgents}
	}
	for i, spec := range specs {
		if spec.ID != i {
			return &domain.ConfigError{AgentID: spec.ID, Field: "id", Err: domain.ErrAgentIDGap}
		}
	}
	e.agents = len(specs)
	for _, spec := range specs {
		if !spec.Operation.Valid() {
			return &domain.ConfigError{AgentID: spec.ID, Field: "operation", Err: domain.ErrInvalidOperation}
		}
		if spec.Classifier.Divisor == 0 {
			return &domain.ConfigError{AgentID: spec.ID, Field: "divisor", Err: domain.ErrInvalidDivisor}
		}
		if ok, _ := e.CanRoute(spec.ID, spec.Classifier.IfDivisible); !ok {
			return &domain.ConfigError{AgentID: spec.ID, Field: "if_true", Err: domain.ErrUnknownTarget}
		}
		if ok, _ := e.CanRoute(spec.ID, spec.Classifier.IfNot); !ok {
			return &domain.ConfigError{AgentID: spec.ID, Field: "if_false", Err: domain.ErrUnknownTarget}
		}
	}
	return nil
}

// CanRoute reports whether an item may move from one agent to another in the last
// validated agent set. Routing to oneself is allowed.
func (e *Engine) CanRoute(fromAgent, toAgent int) (bool, string) {
	if fromAgent < 0 || fromAgent >= e.agents {
		return false, "source out of range"
	}
	if toAgent < 0 || toAgent >= e.agents {
		return false, "target out of range"
	}
	return true, "allowed"
}
