package service

import (
	"time"

	exitwal "perpcore/infra/wal/exit"
	"perpcore/storage"
)

type Health struct {
	Status  string         `json:"status"`
	Storage storage.Health `json:"storage"`
	// OutboxBacklog counts events not yet acknowledged by the sink;
	// OutboxFailed is the part of it that failed at least once.
	OutboxBacklog int                  `json:"outbox_backlog"`
	OutboxFailed  int                  `json:"outbox_failed"`
	LastSeq       uint64               `json:"last_seq"`
	Markets       int                  `json:"markets"`
	Books         int                  `json:"books"`
	Sweeps        map[string]time.Time `json:"last_sweeps"`
}

// Health reports degradation without failing. Trading never depends on it.
func (s *Service) Health() Health {
	h := Health{
		Status:  "ok",
		Storage: s.storage.Health(),
		LastSeq: s.journal.LastSeq(),
		Markets: len(s.risk.Markets()),
		Books:   len(s.matching.Pairs()),
		Sweeps:  make(map[string]time.Time),
	}

	if s.outbox != nil {
		counts, err := s.outbox.Count()
		if err != nil {
			s.log.WithError(err).Warn("outbox count failed")
			h.Status = "degraded"
		}
		h.OutboxBacklog = counts[exitwal.StateNew] + counts[exitwal.StateSent] + counts[exitwal.StateFailed]
		h.OutboxFailed = counts[exitwal.StateFailed]
		s.metrics.OutboxPending(h.OutboxBacklog)
	}
	if h.Storage.Degraded {
		h.Status = "degraded"
	}

	s.mu.Lock()
	for k, v := range s.sweeps {
		h.Sweeps[k] = v
	}
	s.mu.Unlock()
	return h
}
