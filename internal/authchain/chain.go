// Package authchain computes auth chains and selects auth-events references,
// per §4.2.1-§4.2.2.
package authchain

import (
	"github.com/matrixcore/homeserver/internal/errs"
	"github.com/matrixcore/homeserver/internal/event"
)

// Loader resolves an event_idx or event_id to its Event, satisfied by
// internal/store in production and by a fixture map in tests.
type Loader interface {
	EventByID(eventID string) (*event.Event, uint64, error)
	EventByIdx(idx uint64) (*event.Event, error)
}

// Chain computes the transitive closure of auth_events for start, per
// §4.2.1: breadth-first over auth_events lists with a visited set keyed by
// event_idx, iterative rather than recursive since traversal depth is
// unbounded by specification.
func Chain(loader Loader, start *event.Event) ([]uint64, error) {
	visited := map[uint64]bool{}
	var order []uint64

	queue := make([]string, 0, len(start.AuthEvents))
	queue = append(queue, start.AuthEvents...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		ev, idx, err := loader.EventByID(id)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				continue
			}
			return nil, err
		}
		if visited[idx] {
			continue
		}
		visited[idx] = true
		order = append(order, idx)
		queue = append(queue, ev.AuthEvents...)
	}
	return order, nil
}

// ChainIDs is Chain's result rendered back to event ids, for the
// event_auth federation endpoint (§8's S6 scenario: "the returned
// auth_chain_ids is exactly the transitive closure").
func ChainIDs(loader Loader, start *event.Event) ([]string, error) {
	idxs, err := Chain(loader, start)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(idxs))
	for _, idx := range idxs {
		ev, err := loader.EventByIdx(idx)
		if err != nil {
			return nil, err
		}
		out = append(out, ev.EventID)
	}
	return out, nil
}
