package swarm

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	pp "github.com/anacrolix/torrent/peer_protocol"
)

// Listener accepts incoming peers for every registered swarm on one port.
type Listener struct {
	ln        net.Listener
	peerID    [20]byte
	handshake time.Duration
	logger    log.Logger

	mu     sync.RWMutex
	swarms map[metainfo.Hash]*Swarm
	wg     sync.WaitGroup
}

func Listen(addr string, peerID [20]byte, logger log.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewListener(ln, peerID, logger), nil
}

func NewListener(ln net.Listener, peerID [20]byte, logger log.Logger) *Listener {
	if logger.IsZero() {
		logger = log.Default
	}
	return &Listener{
		ln:        ln,
		peerID:    peerID,
		handshake: DefaultConnectTimeout,
		logger:    logger,
		swarms:    map[metainfo.Hash]*Swarm{},
	}
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Port is the TCP port peers should be told about.
func (l *Listener) Port() int {
	if a, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

func (l *Listener) Register(s *Swarm) {
	l.mu.Lock()
	l.swarms[s.InfoHash()] = s
	l.mu.Unlock()
}

func (l *Listener) Unregister(s *Swarm) {
	l.mu.Lock()
	if l.swarms[s.InfoHash()] == s {
		delete(l.swarms, s.InfoHash())
	}
	l.mu.Unlock()
}

func (l *Listener) lookup(ih metainfo.Hash) *Swarm {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.swarms[ih]
}

// Serve accepts until the listener is closed.
func (l *Listener) Serve() error {
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if err := l.accept(nc); err != nil {
				l.logger.WithLevel(log.Debug).Printf("incoming %s: %s", nc.RemoteAddr(), err)
			}
		}()
	}
}

func (l *Listener) accept(nc net.Conn) error {
	nc.SetDeadline(time.Now().Add(l.handshake))
	// the remote names the torrent first
	res, err := pp.Handshake(nc, nil, l.peerID, pp.PeerExtensionBits{})
	if err != nil {
		nc.Close()
		return fmt.Errorf("handshake: %w", err)
	}
	s := l.lookup(res.Hash)
	if s == nil {
		nc.Close()
		return fmt.Errorf("no torrent for %s", res.Hash.HexString())
	}
	nc.SetDeadline(time.Time{})
	return s.AddConn(nc)
}

func (l *Listener) Close() error {
	err := l.ln.Close()
	l.wg.Wait()
	return err
}
