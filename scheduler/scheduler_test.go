package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/boypt/selective-torrent/storage"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

func payload(n int64) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*13 + 5)
	}
	return b
}

// testTorrent lays files out under dl/ and hashes their content.
func testTorrent(pieceLength int64, lengths ...int64) (Descriptor, []byte) {
	d := Descriptor{PieceLength: pieceLength}
	for i, l := range lengths {
		d.Files = append(d.Files, storage.FileInfo{
			Path:   fmt.Sprintf("dl/%c.bin", 'a'+i),
			Length: l,
			Offset: d.Length,
		})
		d.Length += l
	}
	data := payload(d.Length)
	for off := int64(0); off < d.Length; off += pieceLength {
		end := off + pieceLength
		if end > d.Length {
			end = d.Length
		}
		d.Hashes = append(d.Hashes, metainfo.HashBytes(data[off:end]))
	}
	return d, data
}

type fakePeer struct {
	id      string
	data    []byte
	pieceLn int64
	corrupt bool
	// pattern, if set, marks which successive responses are corrupted.
	pattern []bool

	mu       sync.Mutex
	calls    int
	choking  bool
	active   map[int]int
	requests int
	gate     chan struct{}
}

func newFakePeer(id string, data []byte, pieceLength int64) *fakePeer {
	return &fakePeer{id: id, data: data, pieceLn: pieceLength, active: map[int]int{}}
}

func (p *fakePeer) ID() string         { return p.id }
func (p *fakePeer) AmInterested() bool { return true }
func (p *fakePeer) HasPiece(int) bool  { return true }

func (p *fakePeer) PeerChoking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.choking
}

func (p *fakePeer) NumRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

func (p *fakePeer) HasRequest(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[index] > 0
}

func (p *fakePeer) Request(ctx context.Context, index, begin, length int) ([]byte, error) {
	p.mu.Lock()
	p.requests++
	p.active[index]++
	gate := p.gate
	corrupt := p.corrupt || (len(p.pattern) > 0 && p.pattern[p.calls%len(p.pattern)])
	p.calls++
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.requests--
		p.active[index]--
		p.mu.Unlock()
	}()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	off := int64(index)*p.pieceLn + int64(begin)
	b := append([]byte(nil), p.data[off:off+int64(length)]...)
	if corrupt {
		b[0] ^= 0xff
	}
	return b, nil
}

type fakeSwarm struct {
	mu      sync.Mutex
	peers   []Peer
	removed []string
	haves   []int
	queued  int
	idle    int
}

func (s *fakeSwarm) add(p Peer) {
	s.mu.Lock()
	s.peers = append(s.peers, p)
	s.mu.Unlock()
}

func (s *fakeSwarm) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Peer(nil), s.peers...)
}

func (s *fakeSwarm) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, id)
	for i, p := range s.peers {
		if p.ID() == id {
			s.peers = append(s.peers[:i], s.peers[i+1:]...)
			return
		}
	}
}

func (s *fakeSwarm) Removed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.removed...)
}

func (s *fakeSwarm) Haves() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.haves...)
}

func (s *fakeSwarm) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

func (s *fakeSwarm) Idle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

func (s *fakeSwarm) Have(index int) {
	s.mu.Lock()
	s.haves = append(s.haves, index)
	s.mu.Unlock()
}

type harness struct {
	sched *Scheduler
	store *storage.Store
	swarm *fakeSwarm
	fs    afero.Fs
}

func start(t *testing.T, fs afero.Fs, desc Descriptor, cfg Config, cb Callbacks) *harness {
	t.Helper()
	sel := storage.NewSelectedFiles()
	store, err := storage.New(fs, desc.PieceLength, desc.Files, storage.WithSelected(sel))
	require.NoError(t, err)
	sw := &fakeSwarm{}
	s := New(desc, store, sel, sw, cfg, cb)
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
		store.Close()
	})
	return &harness{sched: s, store: store, swarm: sw, fs: fs}
}

func (h *harness) connect(p Peer) {
	h.swarm.add(p)
	h.sched.PeerConnected(p)
	h.sched.PeerBitfield(p)
}

func (h *harness) stats(t *testing.T) Stats {
	t.Helper()
	st, err := h.sched.Stats(context.Background())
	require.NoError(t, err)
	return st
}

func TestDownloadAllFiles(t *testing.T) {
	desc, data := testTorrent(4, 5, 7)
	completed := make(chan int, 4)
	h := start(t, afero.NewMemMapFs(), desc, Config{}, Callbacks{
		FileCompleted: func(i int) { completed <- i },
	})
	require.NoError(t, h.sched.SelectAll())
	h.connect(newFakePeer("p1", data, 4))

	got := map[int]bool{}
	for len(got) < 2 {
		select {
		case i := <-completed:
			assert.False(t, got[i], "file %d completed twice", i)
			got[i] = true
		case <-time.After(waitFor):
			t.Fatal("download did not complete")
		}
	}

	a, err := afero.ReadFile(h.fs, "dl/a.bin")
	require.NoError(t, err)
	assert.Equal(t, data[:5], a)
	b, err := afero.ReadFile(h.fs, "dl/b.bin")
	require.NoError(t, err)
	assert.Equal(t, data[5:], b)

	st := h.stats(t)
	assert.Equal(t, 3, st.Verified)
	assert.Equal(t, 0, st.Demanded)
	assert.Equal(t, 0, st.InFlight)
	assert.Equal(t, desc.Length, st.BytesCompleted)
	assert.Equal(t, []int64{5, 7}, st.FileBytesCompleted)
	assert.ElementsMatch(t, []int{0, 1, 2}, h.swarm.Haves())
}

func TestDownloadOneFileCachesNeighbour(t *testing.T) {
	desc, data := testTorrent(4, 5, 7, 4)
	completed := make(chan int, 4)
	h := start(t, afero.NewMemMapFs(), desc, Config{}, Callbacks{
		FileCompleted: func(i int) { completed <- i },
	})
	require.NoError(t, h.sched.SelectFile(1))
	h.connect(newFakePeer("p1", data, 4))

	select {
	case i := <-completed:
		assert.Equal(t, 1, i)
	case <-time.After(waitFor):
		t.Fatal("file 1 did not complete")
	}

	b, err := afero.ReadFile(h.fs, "dl/b.bin")
	require.NoError(t, err)
	assert.Equal(t, data[5:12], b)

	_, err = h.fs.Stat("dl/a.bin")
	assert.Error(t, err)
	cached, err := afero.ReadFile(h.fs, "dl/a.bin.4."+storage.CacheExt)
	require.NoError(t, err)
	assert.Equal(t, data[4:5], cached)

	_, err = h.fs.Stat("dl/c.bin")
	assert.Error(t, err)

	ok, err := h.sched.IsVerified(context.Background(), 3)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, completed, 0)

	// a.bin's tail sits in the side cache; selecting it must leave the
	// whole file on disk by the time it is reported complete
	require.NoError(t, h.sched.SelectFile(0))
	select {
	case i := <-completed:
		assert.Equal(t, 0, i)
	case <-time.After(waitFor):
		t.Fatal("file 0 did not complete")
	}
	a, err := afero.ReadFile(h.fs, "dl/a.bin")
	require.NoError(t, err)
	assert.Equal(t, data[:5], a)
	exists, _ := afero.Exists(h.fs, "dl/a.bin.4."+storage.CacheExt)
	assert.False(t, exists)
	assert.Equal(t, []bool{true, true, false}, h.stats(t).FileDone)
}

// failingStore rejects the first n puts.
type failingStore struct {
	*storage.Store
	mu   sync.Mutex
	n    int
	puts int
}

func (f *failingStore) Put(ctx context.Context, index int, buf []byte) error {
	f.mu.Lock()
	f.puts++
	fail := f.puts <= f.n
	f.mu.Unlock()
	if fail {
		return errors.New("no space left on device")
	}
	return f.Store.Put(ctx, index, buf)
}

func (f *failingStore) Puts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func TestFailedPutIsRetried(t *testing.T) {
	desc, data := testTorrent(4, 4)
	fs := afero.NewMemMapFs()
	sel := storage.NewSelectedFiles()
	inner, err := storage.New(fs, desc.PieceLength, desc.Files, storage.WithSelected(sel))
	require.NoError(t, err)
	store := &failingStore{Store: inner, n: 3}
	sw := &fakeSwarm{}
	var verified int32
	completed := make(chan int, 1)
	s := New(desc, store, sel, sw, Config{}, Callbacks{
		PieceVerified: func(int) { atomic.AddInt32(&verified, 1) },
		FileCompleted: func(i int) { completed <- i },
	})
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-s.Done()
		inner.Close()
	})

	require.NoError(t, s.SelectAll())
	p := newFakePeer("p1", data, 4)
	sw.add(p)
	s.PeerConnected(p)
	s.PeerBitfield(p)

	select {
	case <-completed:
	case <-time.After(waitFor):
		t.Fatal("piece was not retried after failed puts")
	}
	assert.Equal(t, 4, store.Puts())
	assert.Equal(t, int32(1), atomic.LoadInt32(&verified))
	b, err := afero.ReadFile(fs, "dl/a.bin")
	require.NoError(t, err)
	assert.Equal(t, data, b)
}

func TestRunWaitsForStoreWrites(t *testing.T) {
	desc, data := testTorrent(4, 4)
	fs := afero.NewMemMapFs()
	sel := storage.NewSelectedFiles()
	inner, err := storage.New(fs, desc.PieceLength, desc.Files, storage.WithSelected(sel))
	require.NoError(t, err)
	store := &blockingStore{Store: inner, entered: make(chan struct{}), release: make(chan struct{})}
	sw := &fakeSwarm{}
	s := New(desc, store, sel, sw, Config{}, Callbacks{})
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	require.NoError(t, s.SelectAll())
	p := newFakePeer("p1", data, 4)
	sw.add(p)
	s.PeerConnected(p)
	s.PeerBitfield(p)

	select {
	case <-store.entered:
	case <-time.After(waitFor):
		t.Fatal("put never started")
	}
	cancel()
	select {
	case <-s.Done():
		t.Fatal("Run returned while a put was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(store.release)
	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	require.NoError(t, inner.Close())
}

// blockingStore holds the first put until release is closed.
type blockingStore struct {
	*storage.Store
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Put(ctx context.Context, index int, buf []byte) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.Store.Put(ctx, index, buf)
}

func TestInFlightCap(t *testing.T) {
	desc, data := testTorrent(4, 80)
	h := start(t, afero.NewMemMapFs(), desc, Config{}, Callbacks{})
	require.NoError(t, h.sched.SelectAll())

	gate := make(chan struct{})
	var peers []*fakePeer
	for i := 0; i < 5; i++ {
		p := newFakePeer(fmt.Sprintf("p%d", i), data, 4)
		p.gate = gate
		peers = append(peers, p)
		h.connect(p)
	}

	active := func() int {
		n := 0
		for _, p := range peers {
			n += p.NumRequests()
		}
		return n
	}
	require.Eventually(t, func() bool { return active() == DefaultMaxInFlight }, waitFor, 10*time.Millisecond)
	time.Sleep(3 * DefaultUpdateDelay)
	assert.Equal(t, DefaultMaxInFlight, active())
	for _, p := range peers {
		assert.LessOrEqual(t, p.NumRequests(), DefaultMaxPeerRequests)
	}
	assert.Equal(t, DefaultMaxInFlight, h.stats(t).InFlight)

	close(gate)
	require.Eventually(t, func() bool { return h.stats(t).Verified == 20 }, waitFor, 10*time.Millisecond)
}

func TestEvictAfterInvalidPieces(t *testing.T) {
	desc, data := testTorrent(4, 40)
	var invalid int32
	evicted := make(chan string, 1)
	h := start(t, afero.NewMemMapFs(), desc, Config{}, Callbacks{
		InvalidPiece: func(int, string) { atomic.AddInt32(&invalid, 1) },
		PeerEvicted:  func(id string) { evicted <- id },
	})
	require.NoError(t, h.sched.SelectAll())
	bad := newFakePeer("bad", data, 4)
	bad.corrupt = true
	h.connect(bad)

	select {
	case id := <-evicted:
		assert.Equal(t, "bad", id)
	case <-time.After(waitFor):
		t.Fatal("peer was not evicted")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&invalid), int32(DefaultMaxBadPieces+1))
	assert.Equal(t, []string{"bad"}, h.swarm.Removed())
	assert.Equal(t, 0, h.stats(t).Verified)

	// an honest peer picks the pieces back up
	h.connect(newFakePeer("good", data, 4))
	require.Eventually(t, func() bool { return h.stats(t).Verified == 10 }, waitFor, 10*time.Millisecond)
}

func TestGoodPieceResetsBadCounter(t *testing.T) {
	desc, data := testTorrent(4, 40)
	var evictions, invalid int32
	h := start(t, afero.NewMemMapFs(), desc, Config{MaxPeerRequests: 1}, Callbacks{
		InvalidPiece: func(int, string) { atomic.AddInt32(&invalid, 1) },
		PeerEvicted:  func(string) { atomic.AddInt32(&evictions, 1) },
	})
	require.NoError(t, h.sched.SelectAll())
	p := newFakePeer("flaky", data, 4)
	p.pattern = []bool{true, true, true, false}
	h.connect(p)

	require.Eventually(t, func() bool { return h.stats(t).Verified == 10 }, waitFor, 10*time.Millisecond)
	assert.Zero(t, atomic.LoadInt32(&evictions))
	assert.Equal(t, int32(30), atomic.LoadInt32(&invalid))
}

func TestRestartVerifiesStoredFiles(t *testing.T) {
	desc, data := testTorrent(4, 5, 7)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "dl/a.bin", data[:5], 0644))

	ready := make(chan struct{})
	h := start(t, fs, desc, Config{}, Callbacks{Ready: func() { close(ready) }})
	select {
	case <-ready:
	case <-time.After(waitFor):
		t.Fatal("scheduler never became ready")
	}

	bf, err := h.sched.Bitfield(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, false}, bf)

	require.NoError(t, h.sched.SelectAll())
	st := h.stats(t)
	assert.Equal(t, 1, st.Verified)
	assert.Equal(t, 2, st.Demanded)
	assert.Equal(t, []int64{4, 0}, st.FileBytesCompleted)
}

func TestServe(t *testing.T) {
	desc, data := testTorrent(4, 5, 7)
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "dl/a.bin", data[:5], 0644))
	uploads := make(chan int, 1)
	h := start(t, fs, desc, Config{}, Callbacks{Upload: func(index, begin, length int) { uploads <- length }})

	b, err := h.sched.Serve(context.Background(), 0, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, data[1:3], b)
	select {
	case n := <-uploads:
		assert.Equal(t, 2, n)
	case <-time.After(waitFor):
		t.Fatal("upload not reported")
	}

	_, err = h.sched.Serve(context.Background(), 1, 0, 4)
	assert.ErrorIs(t, err, ErrNotVerified)
}

func TestChokeStall(t *testing.T) {
	tests := []struct {
		name   string
		queued int
		idle   int
		evict  bool
	}{
		{"many queued", 5, 1, true},
		{"swarm has idle capacity", 2, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, data := testTorrent(4, 8)
			evicted := make(chan string, 1)
			h := start(t, afero.NewMemMapFs(), desc, Config{ChokeTimeout: 20 * time.Millisecond}, Callbacks{
				PeerEvicted: func(id string) { evicted <- id },
			})
			h.swarm.queued, h.swarm.idle = tt.queued, tt.idle
			p := newFakePeer("slow", data, 4)
			p.choking = true
			h.connect(p)
			h.sched.PeerChoked(p)

			select {
			case id := <-evicted:
				assert.True(t, tt.evict, "unexpected eviction of %s", id)
			case <-time.After(200 * time.Millisecond):
				assert.False(t, tt.evict, "peer was not evicted")
			}
		})
	}
}

func TestSelectValidation(t *testing.T) {
	desc, _ := testTorrent(4, 5, 7)
	h := start(t, afero.NewMemMapFs(), desc, Config{}, Callbacks{})
	assert.ErrorIs(t, h.sched.Select(2, 1, nil), storage.ErrValidation)
	assert.ErrorIs(t, h.sched.Select(0, 3, nil), storage.ErrValidation)
	assert.ErrorIs(t, h.sched.SelectFile(2), storage.ErrValidation)
}

func TestDeselectDropsDemand(t *testing.T) {
	desc, _ := testTorrent(4, 5, 7)
	h := start(t, afero.NewMemMapFs(), desc, Config{}, Callbacks{})
	require.NoError(t, h.sched.SelectFile(1))
	assert.Equal(t, 2, h.stats(t).Demanded)
	require.NoError(t, h.sched.DeselectFile(1))
	st := h.stats(t)
	assert.Equal(t, 0, st.Demanded)
	assert.Equal(t, 0, st.Selections)

	require.NoError(t, h.sched.SelectAll())
	assert.Equal(t, 3, h.stats(t).Demanded)
	require.NoError(t, h.sched.DeselectAll())
	st = h.stats(t)
	assert.Equal(t, 0, st.Demanded)
	assert.Equal(t, 0, st.Selections)
}

func TestDescriptorFilePieces(t *testing.T) {
	desc, _ := testTorrent(4, 5, 7, 4)
	tests := []struct {
		file     int
		from, to int
	}{
		{0, 0, 1},
		{1, 1, 2},
		{2, 3, 3},
	}
	for _, tt := range tests {
		from, to := desc.FilePieces(tt.file)
		assert.Equal(t, tt.from, from, "file %d", tt.file)
		assert.Equal(t, tt.to, to, "file %d", tt.file)
	}
	assert.Equal(t, int64(4), desc.PieceSize(3))
	require.NoError(t, desc.validate())
}
