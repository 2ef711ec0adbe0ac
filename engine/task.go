package engine

import (
	"context"
	"sync/atomic"

	"github.com/boypt/selective-torrent/scheduler"
	"github.com/boypt/selective-torrent/storage"
	"github.com/boypt/selective-torrent/swarm"
	"github.com/dustin/go-humanize"
)

// task is a started torrent: its store, swarm, discovery and scheduler.
type task struct {
	t        *Torrent
	store    *storage.Store
	sched    *scheduler.Scheduler
	swarm    *swarm.Swarm
	disc     *swarm.Discovery
	cancel   context.CancelFunc
	done     chan struct{}
	upBytes  int64
	badBytes int64
}

func (e *Engine) newTask(t *Torrent) (*task, error) {
	sel := storage.NewSelectedFiles()
	store, err := storage.New(e.fs, t.desc.PieceLength, t.desc.Files, storage.WithSelected(sel))
	if err != nil {
		return nil, err
	}
	tk := &task{t: t, store: store, done: make(chan struct{})}
	debug := e.config.EngineDebug
	tk.swarm = swarm.New(t.ih, t.desc.NumPieces(), tk, swarm.Config{
		PeerID:          e.peerID,
		MaxConns:        e.config.MaxPeerConns,
		NoUpload:        !e.config.EnableUpload,
		UploadLimiter:   e.upLimiter,
		DownloadLimiter: e.downLimiter,
		Logger:          e.swarmLog,
	})
	tk.sched = scheduler.New(t.desc, store, sel, peerSet{tk.swarm}, scheduler.Config{
		MaxInFlight: e.config.MaxInFlight,
	}, scheduler.Callbacks{
		Ready: func() {
			log.Printf("[%s] ready, %s total", t.InfoHash, humanize.Bytes(uint64(t.desc.Length)))
		},
		FileCompleted: func(i int) {
			f := t.desc.Files[i]
			log.Printf("[%s] file completed %s (%s)", t.InfoHash, f.Path, humanize.Bytes(uint64(f.Length)))
		},
		PieceVerified: func(index int) {
			if debug {
				log.Printf("[%s] piece %d verified", t.InfoHash, index)
			}
		},
		PieceDownloadFailed: func(index int, err error) {
			if debug {
				log.Printf("[%s] piece %d failed: %s", t.InfoHash, index, err)
			}
		},
		InvalidPiece: func(index int, peer string) {
			atomic.AddInt64(&tk.badBytes, t.desc.PieceSize(index))
		},
		PeerEvicted: func(peer string) {
			log.Printf("[%s] peer evicted %s", t.InfoHash, peer)
		},
		Upload: func(index, begin, length int) {
			atomic.AddInt64(&tk.upBytes, int64(length))
		},
	})

	var trackers []string
	if !e.config.DisableTrackers {
		trackers = t.trackers
		if len(e.bttracker) > 0 && (e.config.AlwaysAddTrackers || len(trackers) == 0) {
			trackers = append(append([]string(nil), trackers...), e.bttracker...)
		}
	}
	tk.disc = &swarm.Discovery{
		Swarm:    tk.swarm,
		Trackers: trackers,
		Peers:    e.config.Peers(),
		Port:     e.announcePort(),
		Left:     tk.left,
		Logger:   e.swarmLog,
	}
	return tk, nil
}

func (tk *task) start(l *swarm.Listener) {
	ctx, cancel := context.WithCancel(context.Background())
	tk.cancel = cancel
	if l != nil {
		l.Register(tk.swarm)
	}
	go func() {
		defer close(tk.done)
		tk.sched.Run(ctx)
	}()
	go tk.disc.Run(ctx)
}

// stop tears the task down and reconciles side cache files into any files
// that were completed while it ran.
func (tk *task) stop(l *swarm.Listener) error {
	tk.cancel()
	if l != nil {
		l.Unregister(tk.swarm)
	}
	tk.swarm.Close()
	<-tk.done
	err := tk.store.Writeback()
	tk.store.Close()
	return err
}

func (tk *task) uploaded() int64 {
	return atomic.LoadInt64(&tk.upBytes)
}

func (tk *task) wasted() int64 {
	return atomic.LoadInt64(&tk.badBytes)
}

func (tk *task) left() int64 {
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()
	st, err := tk.sched.Stats(ctx)
	if err != nil {
		return tk.t.desc.Length
	}
	return tk.t.desc.Length - st.BytesCompleted
}

func (tk *task) PeerConnected(c *swarm.Conn) { tk.sched.PeerConnected(c) }
func (tk *task) PeerBitfield(c *swarm.Conn)  { tk.sched.PeerBitfield(c) }
func (tk *task) PeerHave(c *swarm.Conn, index int) {
	tk.sched.PeerHave(c, index)
}
func (tk *task) PeerChoked(c *swarm.Conn)   { tk.sched.PeerChoked(c) }
func (tk *task) PeerUnchoked(c *swarm.Conn) { tk.sched.PeerUnchoked(c) }
func (tk *task) PeerClosed(c *swarm.Conn)   { tk.sched.PeerClosed(c) }

func (tk *task) Serve(ctx context.Context, index, begin, length int) ([]byte, error) {
	return tk.sched.Serve(ctx, index, begin, length)
}

func (tk *task) Bitfield(ctx context.Context) ([]bool, error) {
	return tk.sched.Bitfield(ctx)
}

// peerSet exposes a swarm's connections as scheduler peers.
type peerSet struct {
	*swarm.Swarm
}

func (p peerSet) Peers() []scheduler.Peer {
	conns := p.Conns()
	peers := make([]scheduler.Peer, len(conns))
	for i, c := range conns {
		peers[i] = c
	}
	return peers
}
