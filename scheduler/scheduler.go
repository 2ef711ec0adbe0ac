package scheduler

import (
	"context"
	"errors"
	stdlog "log"
	"os"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/boypt/selective-torrent/storage"
)

const (
	DefaultMaxInFlight     = 10
	DefaultMaxPeerRequests = 3
	DefaultMaxBadPieces    = 3
	DefaultBlockSize       = 16 * 1024
	DefaultRequestTimeout  = 30 * time.Second
	DefaultChokeTimeout    = 5 * time.Second
	DefaultUpdateDelay     = 100 * time.Millisecond
)

var (
	ErrClosed      = errors.New("scheduler is closed")
	ErrNotVerified = errors.New("piece is not verified")
)

var log = stdlog.New(os.Stdout, "[scheduler] ", stdlog.LstdFlags|stdlog.Lmsgprefix)

type Config struct {
	// MaxInFlight caps the number of pieces assigned for download at once.
	MaxInFlight int
	// MaxPeerRequests caps outstanding requests per peer.
	MaxPeerRequests int
	// MaxBadPieces is how many consecutive pieces failing verification a
	// peer may send; the next one gets it evicted.
	MaxBadPieces   int
	BlockSize      int
	RequestTimeout time.Duration
	ChokeTimeout   time.Duration
	// UpdateDelay debounces scheduling passes triggered by peer events.
	UpdateDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxInFlight:     DefaultMaxInFlight,
		MaxPeerRequests: DefaultMaxPeerRequests,
		MaxBadPieces:    DefaultMaxBadPieces,
		BlockSize:       DefaultBlockSize,
		RequestTimeout:  DefaultRequestTimeout,
		ChokeTimeout:    DefaultChokeTimeout,
		UpdateDelay:     DefaultUpdateDelay,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.MaxPeerRequests <= 0 {
		c.MaxPeerRequests = d.MaxPeerRequests
	}
	if c.MaxBadPieces <= 0 {
		c.MaxBadPieces = d.MaxBadPieces
	}
	if c.BlockSize <= 0 {
		c.BlockSize = d.BlockSize
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ChokeTimeout <= 0 {
		c.ChokeTimeout = d.ChokeTimeout
	}
	if c.UpdateDelay <= 0 {
		c.UpdateDelay = d.UpdateDelay
	}
	return c
}

// Peer is a connected remote peer as seen by the scheduler.
type Peer interface {
	ID() string
	PeerChoking() bool
	AmInterested() bool
	HasPiece(index int) bool
	// NumRequests is the number of block requests awaiting a response.
	NumRequests() int
	HasRequest(index int) bool
	Request(ctx context.Context, index, begin, length int) ([]byte, error)
}

// Swarm is the set of peers for one torrent.
type Swarm interface {
	Peers() []Peer
	// Remove disconnects the peer and forgets it.
	Remove(id string)
	// Queued and Idle feed the choke-stall heuristic: a choked peer is shed
	// when Queued() > 2*Idle().
	Queued() int
	Idle() int
	// Have announces a newly verified piece.
	Have(index int)
}

type Store interface {
	Put(ctx context.Context, index int, buf []byte) error
	Get(ctx context.Context, index int, off, length int64) ([]byte, error)
	GetChunk(ctx context.Context, index int) ([]byte, error)
	// SyncFile makes a completed file whole on disk.
	SyncFile(i int) error
}

// Callbacks are invoked from the scheduling loop and must not block.
type Callbacks struct {
	Ready               func()
	PieceVerified       func(index int)
	PieceDownloaded     func(index int)
	PieceDownloadFailed func(index int, err error)
	InvalidPiece        func(index int, peer string)
	FileCompleted       func(file int)
	Upload              func(index, begin, length int)
	PeerEvicted         func(peer string)
}

// Scheduler decides which pieces to fetch from which peer, verifies them
// and hands them to the store. All of its sets are owned by the goroutine
// running Run; everything else talks to it by posting closures.
type Scheduler struct {
	desc     Descriptor
	store    Store
	selected *storage.SelectedFiles
	swarm    Swarm
	cfg      Config
	cb       Callbacks

	events chan func()
	quit   chan struct{} // closed when the loop stops taking events
	done   chan struct{}
	ctx    context.Context
	bg     sync.WaitGroup // store writes started by the loop

	// loop owned
	ready         bool
	verified      *roaring.Bitmap
	demand        *roaring.Bitmap
	inFlight      *roaring.Bitmap
	synced        *roaring.Bitmap // files made whole on disk
	fetching      map[int]string
	storing       map[int]bool
	selections    []*selection
	peers         map[string]*peerState
	updatePending bool
}

func New(desc Descriptor, store Store, selected *storage.SelectedFiles, sw Swarm, cfg Config, cb Callbacks) *Scheduler {
	if selected == nil {
		selected = storage.NewSelectedFiles()
	}
	return &Scheduler{
		desc:     desc,
		store:    store,
		selected: selected,
		swarm:    sw,
		cfg:      cfg.withDefaults(),
		cb:       cb,
		events:   make(chan func(), 256),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      context.Background(),
		verified: roaring.New(),
		demand:   roaring.New(),
		inFlight: roaring.New(),
		fetching: map[int]string{},
		synced:   roaring.New(),
		storing:  map[int]bool{},
		peers:    map[string]*peerState{},
	}
}

// Run verifies whatever is already stored, then processes events until
// ctx is cancelled. It returns once every store write it started has
// finished. It must be called exactly once.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.done)
	s.ctx = ctx
	defer func() {
		close(s.quit)
		s.bg.Wait()
	}()

	s.verifyStored(ctx)
	s.ready = true
	log.Printf("ready: %d/%d pieces verified", s.verified.GetCardinality(), s.desc.NumPieces())
	if s.cb.Ready != nil {
		s.cb.Ready()
	}
	s.update()
	s.completionScan()

	for {
		select {
		case <-ctx.Done():
			for _, ps := range s.peers {
				ps.stopChokeTimer()
			}
			return ctx.Err()
		case fn := <-s.events:
			fn()
		}
	}
}

// post hands fn to the scheduling loop. It reports false once the loop has
// exited.
func (s *Scheduler) post(fn func()) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.quit:
		return false
	}
}

// query runs fn on the loop and waits for it.
func (s *Scheduler) query(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !s.post(func() { fn(); close(finished) }) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrClosed
	}
}

// Done is closed when Run returns.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// goStore runs fn off the loop. Run waits for it before returning, so the
// store is never used after Run.
func (s *Scheduler) goStore(fn func()) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		fn()
	}()
}

func (s *Scheduler) verifyStored(ctx context.Context) {
	for i := 0; i < s.desc.NumPieces(); i++ {
		if ctx.Err() != nil {
			return
		}
		b, err := s.store.GetChunk(ctx, i)
		if err != nil {
			continue
		}
		if hashOf(b) == s.desc.Hashes[i] {
			s.verified.Add(uint32(i))
		}
	}
}

// update recomputes the demand set from the active selections and runs a
// scheduling pass.
func (s *Scheduler) update() {
	s.demand.Clear()
	for _, sel := range s.selections {
		s.demand.AddRange(uint64(sel.from), uint64(sel.to)+1)
	}
	s.demand.AndNot(s.verified)

	stale := roaring.AndNot(s.inFlight, s.demand)
	it := stale.Iterator()
	for it.HasNext() {
		i := it.Next()
		if _, busy := s.fetching[int(i)]; busy || s.storing[int(i)] {
			continue
		}
		s.inFlight.Remove(i)
	}
	s.schedule()
}

// kick schedules a debounced scheduling pass.
func (s *Scheduler) kick() {
	if s.updatePending {
		return
	}
	s.updatePending = true
	time.AfterFunc(s.cfg.UpdateDelay, func() {
		s.post(func() {
			s.updatePending = false
			s.schedule()
		})
	})
}

// schedule fills the in-flight set up to capacity with demanded pieces
// some unchoked peer has, then dispatches requests.
func (s *Scheduler) schedule() {
	if !s.ready {
		return
	}
	peers := s.swarm.Peers()
	for s.inFlight.GetCardinality() < uint64(s.cfg.MaxInFlight) {
		index, ok := s.nextEligible(peers)
		if !ok {
			break
		}
		s.inFlight.Add(index)
	}
	s.dispatch(peers)
}

func (s *Scheduler) nextEligible(peers []Peer) (uint32, bool) {
	it := s.demand.Iterator()
	for it.HasNext() {
		i := it.Next()
		if s.inFlight.Contains(i) {
			continue
		}
		if available(int(i), peers) {
			return i, true
		}
	}
	return 0, false
}

func available(index int, peers []Peer) bool {
	for _, p := range peers {
		if !p.PeerChoking() && p.HasPiece(index) {
			return true
		}
	}
	return false
}

func (s *Scheduler) dispatch(peers []Peer) {
	it := s.inFlight.Iterator()
	for it.HasNext() {
		index := int(it.Next())
		if _, busy := s.fetching[index]; busy || s.storing[index] {
			continue
		}
		for _, p := range peers {
			if s.eligible(p, index) {
				s.request(p, index)
				break
			}
		}
	}
}
