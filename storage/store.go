package storage

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// SelectedFiles is the set of file indices the caller wants downloaded in
// full. Writes to a file outside the set that do not cover the whole file
// go to the side cache instead of the file itself.
type SelectedFiles struct {
	mu  sync.RWMutex
	set map[int]struct{}
}

func NewSelectedFiles() *SelectedFiles {
	return &SelectedFiles{set: map[int]struct{}{}}
}

func (s *SelectedFiles) Add(i int) {
	s.mu.Lock()
	s.set[i] = struct{}{}
	s.mu.Unlock()
}

func (s *SelectedFiles) Remove(i int) {
	s.mu.Lock()
	delete(s.set, i)
	s.mu.Unlock()
}

func (s *SelectedFiles) Has(i int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.set[i]
	return ok
}

type Option func(*Store)

func WithSelected(sel *SelectedFiles) Option {
	return func(s *Store) {
		if sel != nil {
			s.selected = sel
		}
	}
}

// Store exposes chunk level put/get over a set of files laid out back to
// back in one logical byte stream.
type Store struct {
	chunkLength     int64
	length          int64
	lastChunkLength int64
	lastChunkIndex  int
	files           []FileInfo
	handlers        []*handler
	chunkMap        [][]Segment
	selected        *SelectedFiles
	closed          int32
}

func New(fs afero.Fs, chunkLength int64, files []FileInfo, opts ...Option) (*Store, error) {
	chunkMap, err := BuildChunkMap(files, chunkLength)
	if err != nil {
		return nil, err
	}
	s := &Store{
		chunkLength: chunkLength,
		files:       append([]FileInfo(nil), files...),
		chunkMap:    chunkMap,
		selected:    NewSelectedFiles(),
	}
	for _, f := range files {
		s.length += f.Length
		s.handlers = append(s.handlers, newHandler(fs, f))
	}
	s.lastChunkLength = s.length % chunkLength
	if s.lastChunkLength == 0 {
		s.lastChunkLength = chunkLength
	}
	s.lastChunkIndex = len(chunkMap) - 1
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *Store) Length() int64 {
	return s.length
}

func (s *Store) NumChunks() int {
	return len(s.chunkMap)
}

func (s *Store) Files() []FileInfo {
	return s.files
}

// ChunkLength is the length of chunk index; every chunk but the last one
// has the configured chunk length.
func (s *Store) ChunkLength(index int) int64 {
	if index == s.lastChunkIndex {
		return s.lastChunkLength
	}
	return s.chunkLength
}

func (s *Store) segments(index int) ([]Segment, error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return nil, ErrClosed
	}
	if index < 0 || index >= len(s.chunkMap) {
		return nil, invalidf("chunk index %d out of range [0,%d)", index, len(s.chunkMap))
	}
	return s.chunkMap[index], nil
}

// Put stores a whole chunk. All segments are written concurrently and the
// first failure is returned.
func (s *Store) Put(ctx context.Context, index int, buf []byte) error {
	targets, err := s.segments(index)
	if err != nil {
		return err
	}
	if want := s.ChunkLength(index); int64(len(buf)) != want {
		if index == s.lastChunkIndex {
			return invalidf("last chunk length must be %d, got %d", want, len(buf))
		}
		return invalidf("chunk length must be %d, got %d", want, len(buf))
	}

	g, _ := errgroup.WithContext(ctx)
	for _, seg := range targets {
		seg := seg
		h := s.handlers[seg.File]
		data := buf[seg.From:seg.To]
		if !s.selected.Has(seg.File) && int64(len(data)) != h.length {
			g.Go(func() error { return h.cache(seg.FileOffset, data) })
			continue
		}
		g.Go(func() error { return h.write(seg.FileOffset, data) })
	}
	return g.Wait()
}

// Get reads length bytes starting at off within chunk index.
func (s *Store) Get(ctx context.Context, index int, off, length int64) ([]byte, error) {
	targets, err := s.segments(index)
	if err != nil {
		return nil, err
	}
	chunkLength := s.ChunkLength(index)
	if off < 0 || length < 0 || off > chunkLength || length > chunkLength-off {
		return nil, invalidf("range %d+%d outside chunk %d of length %d", off, length, index, chunkLength)
	}
	rangeFrom, rangeTo := off, off+length
	if length == 0 {
		return []byte{}, nil
	}

	var clipped []Segment
	for _, seg := range targets {
		if seg.To <= rangeFrom || seg.From >= rangeTo {
			continue
		}
		if seg.To > rangeTo {
			seg.To = rangeTo
		}
		if seg.From < rangeFrom {
			seg.FileOffset += rangeFrom - seg.From
			seg.From = rangeFrom
		}
		clipped = append(clipped, seg)
	}

	parts := make([][]byte, len(clipped))
	g, _ := errgroup.WithContext(ctx)
	for i, seg := range clipped {
		i, seg := i, seg
		g.Go(func() error {
			b, err := s.handlers[seg.File].read(seg.FileOffset, seg.Len())
			parts[i] = b
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make([]byte, 0, length)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

func (s *Store) GetChunk(ctx context.Context, index int) ([]byte, error) {
	return s.Get(ctx, index, 0, s.ChunkLength(index))
}

// Writeback reconciles the side cache of every file that already exists.
func (s *Store) Writeback() error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrClosed
	}
	for _, h := range s.handlers {
		if err := h.writeback(); err != nil {
			return err
		}
	}
	return nil
}

// SyncFile makes file i whole on disk: the file is created if so far only
// side-cache fragments hold its data, and every fragment is folded in.
func (s *Store) SyncFile(i int) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrClosed
	}
	if i < 0 || i >= len(s.handlers) {
		return invalidf("file index %d out of range [0,%d)", i, len(s.handlers))
	}
	if s.files[i].Length == 0 {
		return nil
	}
	return s.handlers[i].sync()
}

func (s *Store) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return ErrClosed
	}
	for _, h := range s.handlers {
		h.close()
	}
	return nil
}
