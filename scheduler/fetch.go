package scheduler

import (
	"context"
	"fmt"

	"github.com/anacrolix/torrent/metainfo"
)

func hashOf(b []byte) metainfo.Hash {
	return metainfo.HashBytes(b)
}

// fetch downloads one piece from p, one block at a time in offset order,
// and reports the outcome to the loop.
func (s *Scheduler) fetch(p Peer, index int) {
	length := int(s.desc.PieceSize(index))
	buf := make([]byte, 0, length)
	var err error
	for begin := 0; begin < length; begin += s.cfg.BlockSize {
		n := s.cfg.BlockSize
		if rem := length - begin; rem < n {
			n = rem
		}
		var block []byte
		block, err = s.requestBlock(p, index, begin, n)
		if err != nil {
			break
		}
		buf = append(buf, block...)
	}
	valid := err == nil && hashOf(buf) == s.desc.Hashes[index]
	s.post(func() { s.onFetched(p, index, buf, valid, err) })
}

func (s *Scheduler) requestBlock(p Peer, index, begin, length int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RequestTimeout)
	defer cancel()
	b, err := p.Request(ctx, index, begin, length)
	if err != nil {
		return nil, fmt.Errorf("request %d:%d+%d from %s: %w", index, begin, length, p.ID(), err)
	}
	if len(b) != length {
		return nil, fmt.Errorf("request %d:%d+%d from %s: got %d bytes", index, begin, length, p.ID(), len(b))
	}
	return b, nil
}

func (s *Scheduler) onFetched(p Peer, index int, buf []byte, valid bool, err error) {
	delete(s.fetching, index)
	ps, connected := s.peers[p.ID()]
	if connected {
		delete(ps.fetching, index)
	}

	if err != nil {
		log.Printf("piece %d failed: %s", index, err)
		s.inFlight.Remove(uint32(index))
		if s.cb.PieceDownloadFailed != nil {
			s.cb.PieceDownloadFailed(index, err)
		}
		s.schedule()
		return
	}

	if !valid {
		s.inFlight.Remove(uint32(index))
		if s.cb.InvalidPiece != nil {
			s.cb.InvalidPiece(index, p.ID())
		}
		if connected {
			ps.bad++
			if ps.bad > s.cfg.MaxBadPieces {
				s.evict(p, fmt.Sprintf("%d consecutive invalid pieces", ps.bad))
			} else {
				log.Printf("peer %s sent invalid piece %d (%d in a row)", p.ID(), index, ps.bad)
			}
		}
		s.pieceDownloaded(index)
		return
	}

	if connected {
		ps.bad = 0
	}
	if s.verified.Contains(uint32(index)) {
		s.inFlight.Remove(uint32(index))
		s.pieceDownloaded(index)
		return
	}
	s.storing[index] = true
	s.goStore(func() {
		err := s.store.Put(s.ctx, index, buf)
		s.post(func() { s.onStored(index, err) })
	})
	s.pieceDownloaded(index)
}

func (s *Scheduler) pieceDownloaded(index int) {
	if s.cb.PieceDownloaded != nil {
		s.cb.PieceDownloaded(index)
	}
	s.schedule()
}

// onStored finishes a piece once the store accepted it. A failed put leaves
// the piece in flight so a later pass retries it.
func (s *Scheduler) onStored(index int, err error) {
	delete(s.storing, index)
	if err != nil {
		log.Printf("storing piece %d: %s", index, err)
		s.kick()
		return
	}
	s.demand.Remove(uint32(index))
	s.inFlight.Remove(uint32(index))
	s.verified.Add(uint32(index))
	if s.cb.PieceVerified != nil {
		s.cb.PieceVerified(index)
	}
	s.swarm.Have(index)
	s.schedule()
	s.completionScan()
}
