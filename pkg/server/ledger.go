package server

// SessionLedger records connection lifecycle events. Implementations must not
// block the caller; *database.DB queues writes in the background.
type SessionLedger interface {
	RecordConnect(id string, connID uint64, transport, remoteAddr string)
	UpdateNickname(id, nickname string)
	UpdateGroup(id, group string)
	RecordDisconnect(id, reason string)
	Close() error
}

// noopLedger is used when no database path is configured
type noopLedger struct{}

func (noopLedger) RecordConnect(string, uint64, string, string) {}
func (noopLedger) UpdateNickname(string, string)                {}
func (noopLedger) UpdateGroup(string, string)                   {}
func (noopLedger) RecordDisconnect(string, string)              {}
func (noopLedger) Close() error                                 { return nil }
