package server

import (
	"context"
	"sync/atomic"
	"time"
)

const refreshInterval = 3 * time.Second

func (s *Server) backgroundRoutines() {
	go func() {
		if err := s.engine.UpdateTrackers(); err != nil {
			log.Println("[UpdateTrackers]", err)
		}
		// trackers first, so restored tasks pick them up
		s.engine.RestoreTorrent("*.torrent")
		if err := s.engine.StartTorrentWatcher(); err != nil {
			log.Println(err)
		}
		s.refresh(context.Background())
		atomic.StoreInt32(&s.ready, 1)
		s.tickerRoutine()
	}()
}

// tickerRoutine keeps the state fresh for API readers.
func (s *Server) tickerRoutine() {
	tk := time.NewTicker(refreshInterval)
	defer tk.Stop()
	log.Println("[tickerRoutine] refreshing every", refreshInterval)
	for range tk.C {
		ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
		s.refresh(ctx)
		cancel()
	}
}
