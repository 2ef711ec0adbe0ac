package scheduler

import (
	"context"
)

// Serve answers a peer's block request. Only verified pieces are served.
func (s *Scheduler) Serve(ctx context.Context, index, begin, length int) ([]byte, error) {
	var ok bool
	if err := s.query(ctx, func() { ok = s.verified.Contains(uint32(index)) }); err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotVerified
	}
	b, err := s.store.Get(ctx, index, int64(begin), int64(length))
	if err != nil {
		return nil, err
	}
	if s.cb.Upload != nil {
		s.post(func() { s.cb.Upload(index, begin, length) })
	}
	return b, nil
}

// Bitfield reports which pieces are verified, for advertising to peers.
func (s *Scheduler) Bitfield(ctx context.Context) ([]bool, error) {
	bf := make([]bool, s.desc.NumPieces())
	err := s.query(ctx, func() {
		it := s.verified.Iterator()
		for it.HasNext() {
			bf[it.Next()] = true
		}
	})
	return bf, err
}

type Stats struct {
	Ready          bool
	Pieces         int
	Verified       int
	Demanded       int
	InFlight       int
	Peers          int
	Selections     int
	BytesCompleted int64
	// FileBytesCompleted holds verified bytes per file.
	FileBytesCompleted []int64
	// FileDone marks selected files that are complete and whole on disk.
	FileDone []bool
}

func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.query(ctx, func() {
		st = Stats{
			Ready:      s.ready,
			Pieces:     s.desc.NumPieces(),
			Verified:   int(s.verified.GetCardinality()),
			Demanded:   int(s.demand.GetCardinality()),
			InFlight:   int(s.inFlight.GetCardinality()),
			Peers:      len(s.swarm.Peers()),
			Selections: len(s.selections),
		}
		it := s.verified.Iterator()
		for it.HasNext() {
			st.BytesCompleted += s.desc.PieceSize(int(it.Next()))
		}
		st.FileBytesCompleted = make([]int64, len(s.desc.Files))
		st.FileDone = make([]bool, len(s.desc.Files))
		for i, f := range s.desc.Files {
			st.FileDone[i] = s.synced.Contains(uint32(i))
			if f.Length == 0 {
				continue
			}
			from, to := s.desc.FilePieces(i)
			for p := from; p <= to; p++ {
				if !s.verified.Contains(uint32(p)) {
					continue
				}
				start := int64(p) * s.desc.PieceLength
				end := start + s.desc.PieceSize(p)
				if start < f.Offset {
					start = f.Offset
				}
				if e := f.Offset + f.Length; end > e {
					end = e
				}
				st.FileBytesCompleted[i] += end - start
			}
		}
	})
	return st, err
}

// IsVerified reports whether piece index is verified.
func (s *Scheduler) IsVerified(ctx context.Context, index int) (bool, error) {
	var ok bool
	err := s.query(ctx, func() { ok = s.verified.Contains(uint32(index)) })
	return ok, err
}
