package agent

import (
	"fmt"
	"strings"

	"keepaway/internal/domain"
)

// Reducer bounds the 128-bit value hi:lo produced by a transform.
type Reducer interface {
	Reduce(hi, lo uint64) uint64
}

// Agent holds a FIFO queue of item values and routes them on its turn.
type Agent struct {
	id         int
	queue      []uint64
	operation  domain.Operation
	classifier domain.Classifier
	processed  uint64
}

func New(spec domain.AgentSpec) *Agent {
	return &Agent{
		id:         spec.ID,
		queue:      append([]uint64(nil), spec.Items...),
		operation:  spec.Operation,
		classifier: spec.Classifier,
	}
}

func (a *Agent) ID() int {
	return a.id
}

func (a *Agent) Processed() uint64 {
	return a.processed
}

func (a *Agent) Len() int {
	return len(a.queue)
}

func (a *Agent) Items() []uint64 {
	return append([]uint64(nil), a.queue...)
}

func (a *Agent) Enqueue(v uint64) {
	a.queue = append(a.queue, v)
}

// TakeTurn drains the items queued when the turn starts. Anything enqueued during the
// turn, including items the agent routes to itself, waits for a later round.
// On error the returned transfers cover the items already inspected and the failing
// item heads the queue again, followed by the rest of the batch.
func (a *Agent) TakeTurn(r Reducer) ([]domain.Transfer, error) {
	n := len(a.queue)
	if n == 0 {
		return nil, nil
	}
	batch := a.queue[:n:n]
	a.queue = a.queue[n:]

	out := make([]domain.Transfer, 0, n)
	for i, old := range batch {
		hi, lo, err := a.operation.Evaluate(old)
		if err != nil {
			rest := make([]uint64, 0, n-i+len(a.queue))
			rest = append(rest, batch[i:]...)
			a.queue = append(rest, a.queue...)
			return out, fmt.Errorf("agent %d inspect %d: %w", a.id, old, err)
		}
		v := r.Reduce(hi, lo)
		a.processed++
		out = append(out, domain.Transfer{
			From:  a.id,
			To:    a.classifier.Route(v),
			Value: v,
		})
	}
	return out, nil
}

func (a *Agent) String() string {
	parts := make([]string, 0, len(a.queue))
	for _, v := range a.queue {
		parts = append(parts, fmt.Sprint(v))
	}
	return fmt.Sprintf("Agent %d: items [%s]", a.id, strings.Join(parts, ", "))
}
