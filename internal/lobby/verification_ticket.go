package lobby

// VerificationTicket correlates an AccountServer login/logout reply back
// to the SessionServer request that triggered it: the player id plus a
// millisecond-tick salt taken at issue time, so a stale or replayed reply
// can't be mistaken for the current one.
type VerificationTicket struct {
	PlayerID uint32
	TickSalt uint32
}

// NewVerificationTicket mints a ticket for playerID salted with the
// current millisecond tick.
func NewVerificationTicket(playerID uint32, nowMillis int64) VerificationTicket {
	return VerificationTicket{PlayerID: playerID, TickSalt: uint32(uint64(nowMillis))}
}

// Matches reports whether a (playerID, tickSalt) pair read off the wire
// corresponds to this ticket.
func (t VerificationTicket) Matches(playerID, tickSalt uint32) bool {
	return t.PlayerID == playerID && t.TickSalt == tickSalt
}
