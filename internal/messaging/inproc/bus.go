package inproc

import (
	"errors"
	"fmt"

	"keepaway/internal/domain"
)

var (
	ErrAgentNotRegistered = errors.New("agent is not registered in bus")
	ErrAgentAlreadyExists = errors.New("agent is already registered in bus")
)

type Inbox interface {
	Enqueue(v uint64)
}

// Bus delivers transfers to agent inboxes in publish order. It is not safe for
// concurrent use; a run owns its bus.
type Bus struct {
	subs      map[int]Inbox
	delivered uint64
}

func New() *Bus {
	return &Bus{
		subs: make(map[int]Inbox),
	}
}

func (b *Bus) Register(agentID int, inbox Inbox) error {
	if _, ok := b.subs[agentID]; ok {
		return fmt.Errorf("%w: %d", ErrAgentAlreadyExists, agentID)
	}
	b.subs[agentID] = inbox
	return nil
}

func (b *Bus) Publish(t domain.Transfer) error {
	inbox, ok := b.subs[t.To]
	if !ok {
		return fmt.Errorf("%w: %d", ErrAgentNotRegistered, t.To)
	}
	inbox.Enqueue(t.Value)
	b.delivered++
	return nil
}

// Delivered counts transfers accepted since the bus was created.
func (b *Bus) Delivered() uint64 {
	return b.delivered
}
