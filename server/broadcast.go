package server

import (
	"chatrelay/metrics"
	"chatrelay/protocol"
)

// broadcastRoster sends the current roster to every online session. A failed
// write is counted and skipped; it never stops the others. Broadcasts run one
// at a time so the last roster a peer receives is the newest one.
func (s *Server) broadcastRoster() {
	s.broadcastMu.Lock()
	defer s.broadcastMu.Unlock()

	users := s.registry.Snapshot()
	metrics.SessionsOnline.Set(float64(len(users)))

	frame := protocol.NewActiveUsers(users)
	for _, sess := range s.registry.Sessions() {
		if err := sess.Send(frame); err != nil {
			metrics.BroadcastFailuresTotal.Inc()
			s.log.Debug().Err(err).Str("session", sess.ID).Msg("failed to send roster")
		}
	}
}
