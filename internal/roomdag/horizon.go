package roomdag

import "github.com/matrixcore/homeserver/internal/store"

// RecordGap stages a horizon entry: referrerIdx references missingEventID,
// which is not yet locally known (§4.4). Callers invoke this from
// FETCH_PREV/FETCH_AUTH when a referenced event cannot be resolved
// synchronously.
func RecordGap(t *store.Txn, missingEventID string, referrerIdx uint64) {
	t.AddHorizonEntry(missingEventID, referrerIdx)
}

// ResolveGap consumes every horizon entry waiting on eventID once it has
// been admitted, returning the event_idx of every event that referenced it
// and should now re-enter the VM from FETCH_PREV (§4.4: "horizon entries
// are consumed and the referring events re-enter the VM").
func (m *Manager) ResolveGap(t *store.Txn, eventID string) ([]uint64, error) {
	referrers, err := m.store.GetHorizonReferrers(eventID)
	if err != nil {
		return nil, err
	}
	if len(referrers) == 0 {
		return nil, nil
	}
	t.ConsumeHorizon(eventID, referrers)
	return referrers, nil
}
