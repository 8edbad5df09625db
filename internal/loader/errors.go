package loader

import "errors"

var (
	ErrUnsupportedFormat = errors.New("unsupported agent definition format")
	ErrParse             = errors.New("agent definition parse error")
	ErrSchema            = errors.New("agent definition does not match schema")
	ErrNoAgents          = errors.New("agent definition contains no agents")
)
