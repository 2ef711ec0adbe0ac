package swarm

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	pp "github.com/anacrolix/torrent/peer_protocol"
	mapset "github.com/deckarep/golang-set"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultIdleTimeout    = 10 * time.Second
	DefaultMaxConns       = 50
	DefaultMaxDials       = 8
	DefaultBlockSize      = 16 * 1024
)

// PeerIDPrefix is the client tag at the start of every peer id.
const PeerIDPrefix = "-ST0100-"

// NewPeerID returns a random peer id carrying PeerIDPrefix.
func NewPeerID() (id [20]byte) {
	copy(id[:], PeerIDPrefix)
	u := uuid.New()
	copy(id[len(PeerIDPrefix):], u[:])
	return
}

type Config struct {
	PeerID         [20]byte
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	MaxConns       int
	MaxDials       int
	BlockSize      int
	NoUpload       bool
	// Limiters default to unlimited.
	UploadLimiter   *rate.Limiter
	DownloadLimiter *rate.Limiter
	Logger          log.Logger
	Dialer          func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (c Config) withDefaults() Config {
	var zero [20]byte
	if c.PeerID == zero {
		c.PeerID = NewPeerID()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxConns <= 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MaxDials <= 0 {
		c.MaxDials = DefaultMaxDials
	}
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.UploadLimiter == nil {
		c.UploadLimiter = rate.NewLimiter(rate.Inf, 0)
	}
	if c.DownloadLimiter == nil {
		c.DownloadLimiter = rate.NewLimiter(rate.Inf, 0)
	}
	if c.Logger.IsZero() {
		c.Logger = log.Default
	}
	if c.Dialer == nil {
		d := &net.Dialer{}
		c.Dialer = d.DialContext
	}
	return c
}

// Swarm holds the connections for one info hash. Addresses handed to Add
// are queued and dialed by a bounded set of goroutines.
type Swarm struct {
	ih        metainfo.Hash
	numPieces int
	handler   Handler
	cfg       Config

	mu      sync.Mutex
	conns   map[string]*Conn
	known   map[string]bool // queued, dialing or connected
	queue   []string
	dialing int
	banned  mapset.Set
	closed  bool

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func New(ih metainfo.Hash, numPieces int, h Handler, cfg Config) *Swarm {
	ctx, stop := context.WithCancel(context.Background())
	return &Swarm{
		ih:        ih,
		numPieces: numPieces,
		handler:   h,
		cfg:       cfg.withDefaults(),
		conns:     map[string]*Conn{},
		known:     map[string]bool{},
		banned:    mapset.NewSet(),
		ctx:       ctx,
		stop:      stop,
	}
}

func (s *Swarm) InfoHash() metainfo.Hash {
	return s.ih
}

func (s *Swarm) PeerID() [20]byte {
	return s.cfg.PeerID
}

// Add queues addr for dialing. Known and banned addresses are ignored.
func (s *Swarm) Add(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.known[addr] || s.banned.Contains(addr) {
		return
	}
	s.known[addr] = true
	s.queue = append(s.queue, addr)
	s.drainLocked()
}

func (s *Swarm) drainLocked() {
	if s.closed {
		return
	}
	for len(s.queue) > 0 && s.dialing < s.cfg.MaxDials && len(s.conns)+s.dialing < s.cfg.MaxConns {
		addr := s.queue[0]
		s.queue = s.queue[1:]
		s.dialing++
		s.wg.Add(1)
		go s.dial(addr)
	}
}

func (s *Swarm) dial(addr string) {
	defer s.wg.Done()
	nc, err := s.connect(addr)
	s.mu.Lock()
	s.dialing--
	if err != nil {
		delete(s.known, addr)
		s.drainLocked()
		s.mu.Unlock()
		s.cfg.Logger.WithLevel(log.Debug).Printf("dial %s: %s", addr, err)
		return
	}
	s.mu.Unlock()
	if err := s.AddConn(nc); err != nil {
		s.cfg.Logger.WithLevel(log.Debug).Printf("adding %s: %s", addr, err)
	}
}

func (s *Swarm) connect(addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	defer cancel()
	nc, err := s.cfg.Dialer(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	nc.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	res, err := pp.Handshake(nc, &s.ih, s.cfg.PeerID, pp.PeerExtensionBits{})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if res.Hash != s.ih {
		nc.Close()
		return nil, fmt.Errorf("handshake: peer answered for %s", res.Hash.HexString())
	}
	nc.SetDeadline(time.Time{})
	return nc, nil
}

// AddConn takes over a connection whose handshake already completed.
func (s *Swarm) AddConn(nc net.Conn) error {
	s.mu.Lock()
	id := nc.RemoteAddr().String()
	switch {
	case s.closed:
		s.mu.Unlock()
		nc.Close()
		return ErrConnClosed
	case s.banned.Contains(id):
		s.mu.Unlock()
		nc.Close()
		return fmt.Errorf("peer %s is banned", id)
	case s.conns[id] != nil:
		s.mu.Unlock()
		nc.Close()
		return fmt.Errorf("peer %s already connected", id)
	case len(s.conns) >= s.cfg.MaxConns:
		s.mu.Unlock()
		nc.Close()
		return fmt.Errorf("connection limit %d reached", s.cfg.MaxConns)
	}
	c := newConn(nc, s.numPieces, s, &s.cfg)
	s.conns[id] = c
	s.known[id] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := c.run(); err != nil {
			s.cfg.Logger.WithLevel(log.Debug).Printf("%s: %s", id, err)
		}
	}()
	return nil
}

// Remove disconnects a peer and bans its address for the life of the swarm.
func (s *Swarm) Remove(id string) {
	s.mu.Lock()
	c := s.conns[id]
	s.banned.Add(id)
	s.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

// Conns returns the live connections.
func (s *Swarm) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

// Queued is the number of addresses waiting to be dialed.
func (s *Swarm) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Idle is the number of known addresses without a live connection.
func (s *Swarm) Idle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.known) - len(s.conns)
}

// Size is the number of known addresses.
func (s *Swarm) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.known)
}

// Have tells every connection about a newly verified piece.
func (s *Swarm) Have(index int) {
	for _, c := range s.Conns() {
		if err := c.Have(index); err != nil {
			c.Close()
		}
	}
}

// Close drops every connection and waits for their goroutines.
func (s *Swarm) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	s.stop()
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
	return nil
}

// The swarm sits between its connections and the outer handler so it can
// drop closed connections and refill from the dial queue.

func (s *Swarm) PeerConnected(c *Conn) { s.handler.PeerConnected(c) }
func (s *Swarm) PeerBitfield(c *Conn)  { s.handler.PeerBitfield(c) }
func (s *Swarm) PeerHave(c *Conn, i int) {
	s.handler.PeerHave(c, i)
}
func (s *Swarm) PeerChoked(c *Conn)   { s.handler.PeerChoked(c) }
func (s *Swarm) PeerUnchoked(c *Conn) { s.handler.PeerUnchoked(c) }

func (s *Swarm) PeerClosed(c *Conn) {
	s.mu.Lock()
	if s.conns[c.id] == c {
		delete(s.conns, c.id)
		delete(s.known, c.id)
	}
	s.drainLocked()
	s.mu.Unlock()
	s.handler.PeerClosed(c)
}

func (s *Swarm) Serve(ctx context.Context, index, begin, length int) ([]byte, error) {
	return s.handler.Serve(ctx, index, begin, length)
}

func (s *Swarm) Bitfield(ctx context.Context) ([]bool, error) {
	return s.handler.Bitfield(ctx)
}
