package swarm

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
	pp "github.com/anacrolix/torrent/peer_protocol"
)

var (
	ErrConnClosed = errors.New("connection closed")
	ErrChoked     = errors.New("peer choked us")
	ErrDuplicate  = errors.New("block already requested")
)

// Handler receives connection events. Methods are called from the
// connection's read goroutine and must not block.
type Handler interface {
	PeerConnected(c *Conn)
	PeerBitfield(c *Conn)
	PeerHave(c *Conn, index int)
	PeerChoked(c *Conn)
	PeerUnchoked(c *Conn)
	PeerClosed(c *Conn)
	// Serve returns the bytes for a block the peer requested. It may block.
	Serve(ctx context.Context, index, begin, length int) ([]byte, error)
	// Bitfield is sent to the peer right after the handshake.
	Bitfield(ctx context.Context) ([]bool, error)
}

type blockRequest struct {
	index, begin, length int
}

type blockResult struct {
	data []byte
	err  error
}

// Conn is one handshaken BitTorrent connection.
type Conn struct {
	id        string
	nc        net.Conn
	numPieces int
	handler   Handler
	cfg       *Config
	logger    log.Logger

	wmu sync.Mutex

	mu             sync.Mutex
	peerChoking    bool
	amInterested   bool
	peerInterested bool
	pieces         *roaring.Bitmap
	pending        map[blockRequest]chan blockResult
	closed         bool

	done chan struct{}
	ctx  context.Context
	stop context.CancelFunc
}

func newConn(nc net.Conn, numPieces int, h Handler, cfg *Config) *Conn {
	ctx, stop := context.WithCancel(context.Background())
	return &Conn{
		id:          nc.RemoteAddr().String(),
		nc:          nc,
		numPieces:   numPieces,
		handler:     h,
		cfg:         cfg,
		logger:      cfg.Logger,
		peerChoking: true,
		pieces:      roaring.New(),
		pending:     map[blockRequest]chan blockResult{},
		done:        make(chan struct{}),
		ctx:         ctx,
		stop:        stop,
	}
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) String() string {
	return c.id
}

func (c *Conn) PeerChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerChoking
}

func (c *Conn) AmInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.amInterested
}

func (c *Conn) PeerInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerInterested
}

func (c *Conn) HasPiece(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pieces.Contains(uint32(index))
}

// NumPieces is how many pieces the peer advertised.
func (c *Conn) NumPieces() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.pieces.GetCardinality())
}

func (c *Conn) NumRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Conn) HasRequest(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for r := range c.pending {
		if r.index == index {
			return true
		}
	}
	return false
}

// Done is closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) write(msg pp.Message) error {
	b, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.nc.SetWriteDeadline(time.Now().Add(c.cfg.IdleTimeout))
	_, err = c.nc.Write(b)
	return err
}

// Request asks the peer for one block and waits for it.
func (c *Conn) Request(ctx context.Context, index, begin, length int) ([]byte, error) {
	r := blockRequest{index, begin, length}
	ch := make(chan blockResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	if c.peerChoking {
		c.mu.Unlock()
		return nil, ErrChoked
	}
	if _, ok := c.pending[r]; ok {
		c.mu.Unlock()
		return nil, ErrDuplicate
	}
	c.pending[r] = ch
	c.mu.Unlock()

	err := c.write(pp.Message{
		Type:   pp.Request,
		Index:  pp.Integer(index),
		Begin:  pp.Integer(begin),
		Length: pp.Integer(length),
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("sending request: %w", err)
	}

	select {
	case res := <-ch:
		return res.data, res.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, r)
		c.mu.Unlock()
		c.write(pp.Message{
			Type:   pp.Cancel,
			Index:  pp.Integer(index),
			Begin:  pp.Integer(begin),
			Length: pp.Integer(length),
		})
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnClosed
	}
}

// failPending fails every outstanding request with err.
func (c *Conn) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = map[blockRequest]chan blockResult{}
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- blockResult{err: err}
	}
}

// Have announces a verified piece to the peer.
func (c *Conn) Have(index int) error {
	return c.write(pp.Message{Type: pp.Have, Index: pp.Integer(index)})
}

// Bitfield sends our verified pieces. Only valid right after the handshake.
func (c *Conn) Bitfield(bf []bool) error {
	for _, b := range bf {
		if b {
			return c.write(pp.Message{Type: pp.Bitfield, Bitfield: bf})
		}
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.stop()
	return c.nc.Close()
}

// run sends our bitfield, interest and an unchoke, then reads until the
// connection fails or is closed.
func (c *Conn) run() error {
	defer func() {
		c.Close()
		close(c.done)
		c.failPending(ErrConnClosed)
		c.handler.PeerClosed(c)
	}()

	if bf, err := c.handler.Bitfield(c.ctx); err == nil {
		if err := c.Bitfield(bf); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.amInterested = true
	c.mu.Unlock()
	if err := c.write(pp.Message{Type: pp.Interested}); err != nil {
		return err
	}
	if err := c.write(pp.Message{Type: pp.Unchoke}); err != nil {
		return err
	}
	c.handler.PeerConnected(c)
	return c.readLoop()
}

func (c *Conn) readLoop() error {
	pool := &sync.Pool{New: func() interface{} {
		b := make([]byte, c.cfg.BlockSize)
		return &b
	}}
	decoder := pp.Decoder{
		R:         bufio.NewReaderSize(c.nc, 1<<16),
		MaxLength: pp.Integer(4 * c.cfg.BlockSize),
		Pool:      pool,
	}
	for {
		c.nc.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		var msg pp.Message
		if err := decoder.Decode(&msg); err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return nil
			}
			return err
		}
		if msg.Keepalive {
			continue
		}
		if err := c.onMessage(&msg); err != nil {
			return err
		}
		if msg.Type == pp.Piece && len(msg.Piece) == c.cfg.BlockSize {
			pool.Put(&msg.Piece)
		}
	}
}

func (c *Conn) onMessage(msg *pp.Message) error {
	switch msg.Type {
	case pp.Choke:
		c.mu.Lock()
		was := c.peerChoking
		c.peerChoking = true
		c.mu.Unlock()
		if !was {
			c.failPending(ErrChoked)
			c.handler.PeerChoked(c)
		}
	case pp.Unchoke:
		c.mu.Lock()
		was := c.peerChoking
		c.peerChoking = false
		c.mu.Unlock()
		if was {
			c.handler.PeerUnchoked(c)
		}
	case pp.Interested, pp.NotInterested:
		c.mu.Lock()
		c.peerInterested = msg.Type == pp.Interested
		c.mu.Unlock()
	case pp.Have:
		index := int(msg.Index)
		if index >= c.numPieces {
			return fmt.Errorf("have for piece %d of %d", index, c.numPieces)
		}
		c.mu.Lock()
		c.pieces.Add(uint32(index))
		c.mu.Unlock()
		c.handler.PeerHave(c, index)
	case pp.Bitfield:
		if len(msg.Bitfield) < c.numPieces {
			return fmt.Errorf("bitfield of %d bits for %d pieces", len(msg.Bitfield), c.numPieces)
		}
		c.mu.Lock()
		for i := 0; i < c.numPieces; i++ {
			if msg.Bitfield[i] {
				c.pieces.Add(uint32(i))
			}
		}
		c.mu.Unlock()
		c.handler.PeerBitfield(c)
	case pp.Request:
		if c.cfg.NoUpload {
			return nil
		}
		go c.serve(int(msg.Index), int(msg.Begin), int(msg.Length))
	case pp.Piece:
		data := append([]byte(nil), msg.Piece...)
		if err := c.cfg.DownloadLimiter.WaitN(c.ctx, len(data)); err != nil {
			return nil
		}
		r := blockRequest{int(msg.Index), int(msg.Begin), len(data)}
		c.mu.Lock()
		ch, ok := c.pending[r]
		delete(c.pending, r)
		c.mu.Unlock()
		if !ok {
			c.logger.WithLevel(log.Debug).Printf("%s: unrequested block %d:%d+%d", c.id, r.index, r.begin, r.length)
			return nil
		}
		ch <- blockResult{data: data}
	case pp.Cancel:
	default:
		c.logger.WithLevel(log.Debug).Printf("%s: ignoring message type %v", c.id, msg.Type)
	}
	return nil
}

func (c *Conn) serve(index, begin, length int) {
	if length > c.cfg.BlockSize*2 {
		c.logger.Printf("%s: refusing oversized request %d:%d+%d", c.id, index, begin, length)
		return
	}
	b, err := c.handler.Serve(c.ctx, index, begin, length)
	if err != nil {
		c.logger.WithLevel(log.Debug).Printf("%s: not serving %d:%d+%d: %s", c.id, index, begin, length, err)
		return
	}
	if err := c.cfg.UploadLimiter.WaitN(c.ctx, len(b)); err != nil {
		return
	}
	err = c.write(pp.Message{
		Type:  pp.Piece,
		Index: pp.Integer(index),
		Begin: pp.Integer(begin),
		Piece: b,
	})
	if err != nil {
		c.Close()
	}
}
