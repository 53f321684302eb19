package httpapi

import (
	"time"

	"github.com/noteboard/noteboard/pkg/coordinator"
	"github.com/noteboard/noteboard/pkg/logger"
)

// runCleanup is invoked on the cron schedule set up by StartCleanup. It
// evicts and deletes notes whose TTL or idle window has lapsed, then
// sweeps any coordinator left resident with no connected sessions.
func (s *Server) runCleanup() {
	now := time.Now()
	ids, err := s.db.ExpiredIDs(now.Unix(), NoteExpiryWindow)
	if err != nil {
		logger.Error("cleanup: list expired notes", err, nil)
		return
	}

	for _, id := range ids {
		s.registry.Evict(id, coordinator.CloseNoteExpired)
		if err := s.db.Delete(id); err != nil {
			logger.Error("cleanup: delete expired note", err, logger.Fields{"note_id": id})
		}
	}
	if len(ids) > 0 {
		logger.Info("cleanup: removed expired notes", logger.Fields{"count": len(ids)})
	}

	s.registry.SweepIdle()
}
