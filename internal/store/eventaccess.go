package store

import "github.com/matrixcore/homeserver/internal/event"

// EventByID resolves and rehydrates an event by id, satisfying
// internal/authchain.Loader.
func (s *Store) EventByID(eventID string) (*event.Event, uint64, error) {
	idx, err := s.GetEventIdx(eventID)
	if err != nil {
		return nil, 0, err
	}
	e, err := s.EventByIdx(idx)
	if err != nil {
		return nil, 0, err
	}
	return e, idx, nil
}

// EventByIdx rehydrates an event by event_idx, satisfying
// internal/authchain.Loader.
func (s *Store) EventByIdx(idx uint64) (*event.Event, error) {
	raw, err := s.GetEventJSON(idx, Blocking)
	if err != nil {
		return nil, err
	}
	return event.ParseJSON(raw)
}
