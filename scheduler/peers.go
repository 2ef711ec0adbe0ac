package scheduler

import (
	"time"
)

// peerState is what the scheduler tracks about a peer on top of the
// connection itself.
type peerState struct {
	peer     Peer
	bad      int // consecutive pieces that failed verification
	fetching map[int]bool

	chokeTimer *time.Timer
	chokeGen   int
}

func (ps *peerState) stopChokeTimer() {
	if ps.chokeTimer != nil {
		ps.chokeTimer.Stop()
		ps.chokeTimer = nil
	}
	ps.chokeGen++
}

func (s *Scheduler) peerState(p Peer) *peerState {
	ps, ok := s.peers[p.ID()]
	if !ok {
		ps = &peerState{peer: p, fetching: map[int]bool{}}
		s.peers[p.ID()] = ps
	}
	return ps
}

func (s *Scheduler) eligible(p Peer, index int) bool {
	if p.PeerChoking() || !p.HasPiece(index) || p.HasRequest(index) {
		return false
	}
	ps := s.peerState(p)
	if ps.fetching[index] {
		return false
	}
	outstanding := p.NumRequests()
	if n := len(ps.fetching); n > outstanding {
		outstanding = n
	}
	return outstanding < s.cfg.MaxPeerRequests
}

func (s *Scheduler) request(p Peer, index int) {
	ps := s.peerState(p)
	ps.fetching[index] = true
	s.fetching[index] = p.ID()
	go s.fetch(p, index)
}

// evict disconnects a peer and drops everything known about it.
func (s *Scheduler) evict(p Peer, reason string) {
	log.Printf("evicting peer %s: %s", p.ID(), reason)
	s.forget(p)
	s.swarm.Remove(p.ID())
	if s.cb.PeerEvicted != nil {
		s.cb.PeerEvicted(p.ID())
	}
}

func (s *Scheduler) forget(p Peer) {
	if ps, ok := s.peers[p.ID()]; ok {
		ps.stopChokeTimer()
		delete(s.peers, p.ID())
	}
}

// armChokeTimer starts the choke-stall guard for a peer that just choked us.
func (s *Scheduler) armChokeTimer(p Peer) {
	ps := s.peerState(p)
	ps.stopChokeTimer()
	gen := ps.chokeGen
	ps.chokeTimer = time.AfterFunc(s.cfg.ChokeTimeout, func() {
		s.post(func() { s.onChokeTimeout(p, gen) })
	})
}

func (s *Scheduler) onChokeTimeout(p Peer, gen int) {
	ps, ok := s.peers[p.ID()]
	if !ok || ps.chokeGen != gen || !p.PeerChoking() {
		return
	}
	if p.AmInterested() && s.swarm.Queued() > 2*s.swarm.Idle() {
		s.evict(p, "choked for too long")
		return
	}
	s.armChokeTimer(p)
}

func (s *Scheduler) PeerConnected(p Peer) {
	s.post(func() {
		s.peerState(p)
		s.kick()
	})
}

func (s *Scheduler) PeerBitfield(p Peer) {
	s.post(s.kick)
}

func (s *Scheduler) PeerHave(p Peer, index int) {
	s.post(s.kick)
}

func (s *Scheduler) PeerChoked(p Peer) {
	s.post(func() { s.armChokeTimer(p) })
}

func (s *Scheduler) PeerUnchoked(p Peer) {
	s.post(func() {
		if ps, ok := s.peers[p.ID()]; ok {
			ps.stopChokeTimer()
		}
		s.kick()
	})
}

// PeerClosed drops the peer. Its pending fetches fail on their own and
// release their pieces.
func (s *Scheduler) PeerClosed(p Peer) {
	s.post(func() {
		s.forget(p)
		s.kick()
	})
}
