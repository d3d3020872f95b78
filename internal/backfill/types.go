package backfill

// RepairRoomInput names the room whose derived indices (room_head,
// room_depth, room_state) should be checked and, if inconsistent, rebuilt.
type RepairRoomInput struct {
	RoomID string
}

// RepairRoomOutput reports what the repair activity found and did.
type RepairRoomOutput struct {
	RoomID      string
	WasConsistent bool
	Repaired    bool
	Issues      []string
}

// PurgeRoomInput names the room to permanently delete.
type PurgeRoomInput struct {
	RoomID string
}

// PurgeRoomOutput confirms purge completion; there is nothing else to
// report since Purge is unconditional bulk deletion (§3.4).
type PurgeRoomOutput struct {
	RoomID string
	Purged bool
}
