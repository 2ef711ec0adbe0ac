package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func layout(dir string, lengths ...int64) []FileInfo {
	fs := files(lengths...)
	for i := range fs {
		fs[i].Path = dir + "/" + fs[i].Path
	}
	return fs
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 1)
	}
	return b
}

func putAll(t *testing.T, s *Store, data []byte, cl int64) {
	t.Helper()
	for i := 0; i < s.NumChunks(); i++ {
		end := int64(i+1) * cl
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		require.NoError(t, s.Put(context.Background(), i, data[int64(i)*cl:end]))
	}
}

func getAll(t *testing.T, s *Store) []byte {
	t.Helper()
	var out []byte
	for i := 0; i < s.NumChunks(); i++ {
		b, err := s.GetChunk(context.Background(), i)
		require.NoError(t, err)
		out = append(out, b...)
	}
	return out
}

func TestStorePutSplitsAcrossFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	sel := NewSelectedFiles()
	sel.Add(0)
	sel.Add(1)
	s, err := New(fs, 4, layout("dl", 5, 7), WithSelected(sel))
	require.NoError(t, err)
	defer s.Close()

	b := []byte{'w', 'x', 'y', 'z'}
	require.NoError(t, s.Put(context.Background(), 1, b))

	f0, err := afero.ReadFile(fs, "dl/a.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 'w'}, f0)

	f1, err := afero.ReadFile(fs, "dl/b.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte{'x', 'y', 'z'}, f1)
}

func TestStoreRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		lengths  []int64
		cl       int64
		selected []int
	}{
		{"all selected", []int64{5, 7}, 4, []int{0, 1}},
		{"none selected", []int64{5, 7}, 4, nil},
		{"mixed", []int64{3, 17, 1, 64, 9}, 16, []int{1, 3}},
		{"single file", []int64{33}, 8, nil},
		{"chunk larger than files", []int64{2, 3, 4}, 32, []int{2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			sel := NewSelectedFiles()
			for _, i := range tt.selected {
				sel.Add(i)
			}
			s, err := New(fs, tt.cl, layout("rt", tt.lengths...), WithSelected(sel))
			require.NoError(t, err)
			defer s.Close()

			data := payload(int(s.Length()))
			putAll(t, s, data, tt.cl)
			assert.Equal(t, data, getAll(t, s))

			require.NoError(t, s.Writeback())
			assert.Equal(t, data, getAll(t, s))
		})
	}
}

func TestStorePutWrongLength(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := New(fs, 4, layout("dl", 5, 7))
	require.NoError(t, err)

	tests := []struct {
		name  string
		index int
		buf   []byte
	}{
		{"short", 0, make([]byte, 3)},
		{"long", 1, make([]byte, 5)},
		{"last short", 2, make([]byte, 2)},
		{"out of range", 3, make([]byte, 4)},
		{"negative", -1, make([]byte, 4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Put(context.Background(), tt.index, tt.buf)
			assert.True(t, errors.Is(err, ErrValidation), "got %v", err)
		})
	}
	entries, err := afero.ReadDir(fs, "dl")
	if err == nil {
		assert.Empty(t, entries)
	}
}

func TestStoreGetRange(t *testing.T) {
	fs := afero.NewMemMapFs()
	sel := NewSelectedFiles()
	sel.Add(0)
	sel.Add(1)
	s, err := New(fs, 4, layout("dl", 5, 7), WithSelected(sel))
	require.NoError(t, err)
	defer s.Close()
	data := payload(12)
	putAll(t, s, data, 4)

	got, err := s.Get(context.Background(), 1, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, data[5:7], got)

	got, err = s.Get(context.Background(), 1, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, r := range [][2]int64{{3, 2}, {-1, 1}, {0, 5}, {1, -1}, {1, math.MaxInt64}, {math.MaxInt64, 1}} {
		_, err := s.Get(context.Background(), 1, r[0], r[1])
		assert.True(t, errors.Is(err, ErrValidation), "range %v: got %v", r, err)
	}
}

func TestStoreClosed(t *testing.T) {
	s, err := New(afero.NewMemMapFs(), 4, layout("dl", 4))
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.Equal(t, ErrClosed, s.Put(context.Background(), 0, make([]byte, 4)))
	_, err = s.GetChunk(context.Background(), 0)
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, ErrClosed, s.Close())
}

func TestStoreMissingChunk(t *testing.T) {
	s, err := New(afero.NewMemMapFs(), 4, layout("dl", 8))
	require.NoError(t, err)
	_, err = s.GetChunk(context.Background(), 1)
	assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)
}

func TestStoreSideCacheReconciledOnceSelected(t *testing.T) {
	fs := afero.NewMemMapFs()
	sel := NewSelectedFiles()
	s, err := New(fs, 4, layout("dl", 3, 5), WithSelected(sel))
	require.NoError(t, err)
	defer s.Close()
	data := payload(8)

	// b.bin is not selected: both of its fragments land in the side cache
	putAll(t, s, data, 4)
	exists, _ := afero.Exists(fs, "dl/b.bin")
	assert.False(t, exists)
	for _, off := range []int{0, 1} {
		exists, _ := afero.Exists(fs, fmt.Sprintf("dl/b.bin.%d.%s", off, CacheExt))
		assert.True(t, exists, "side file at %d", off)
	}
	assert.Equal(t, data, getAll(t, s))

	sel.Add(1)
	require.NoError(t, s.Put(context.Background(), 1, data[4:8]))
	require.NoError(t, s.Writeback())

	b, err := afero.ReadFile(fs, "dl/b.bin")
	require.NoError(t, err)
	assert.Equal(t, data[3:8], b)
	matches, _ := afero.Glob(fs, "dl/*."+CacheExt)
	assert.Empty(t, matches)
	assert.Equal(t, data, getAll(t, s))
}

func TestStoreCreateFoldsEarlierFragments(t *testing.T) {
	fs := afero.NewMemMapFs()
	sel := NewSelectedFiles()
	s, err := New(fs, 4, layout("dl", 5, 7), WithSelected(sel))
	require.NoError(t, err)
	defer s.Close()
	data := payload(12)

	// the tail of a.bin arrives while it is not selected
	require.NoError(t, s.Put(context.Background(), 1, data[4:8]))
	exists, _ := afero.Exists(fs, "dl/a.bin.4."+CacheExt)
	require.True(t, exists)

	sel.Add(0)
	require.NoError(t, s.Put(context.Background(), 0, data[0:4]))
	a, err := afero.ReadFile(fs, "dl/a.bin")
	require.NoError(t, err)
	assert.Equal(t, data[0:5], a)
	exists, _ = afero.Exists(fs, "dl/a.bin.4."+CacheExt)
	assert.False(t, exists)
}

func TestStoreSyncFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := New(fs, 4, layout("dl", 5, 7))
	require.NoError(t, err)
	defer s.Close()
	data := payload(12)
	putAll(t, s, data, 4)

	exists, _ := afero.Exists(fs, "dl/b.bin")
	require.False(t, exists)
	require.NoError(t, s.SyncFile(1))
	b, err := afero.ReadFile(fs, "dl/b.bin")
	require.NoError(t, err)
	assert.Equal(t, data[5:12], b)
	matches, _ := afero.Glob(fs, "dl/b.bin.*."+CacheExt)
	assert.Empty(t, matches)

	assert.True(t, errors.Is(s.SyncFile(2), ErrValidation))
	require.NoError(t, s.Close())
	assert.Equal(t, ErrClosed, s.SyncFile(0))
}

func TestStoreWithSelectedNil(t *testing.T) {
	s, err := New(afero.NewMemMapFs(), 4, layout("dl", 4), WithSelected(nil))
	require.NoError(t, err)
	defer s.Close()
	assert.NoError(t, s.Put(context.Background(), 0, payload(4)))
}

func TestHandlerCacheThenFullWrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	h := newHandler(fs, FileInfo{Path: "dl/f.bin", Length: 6})

	require.NoError(t, h.cache(2, []byte("cd")))
	exists, _ := afero.Exists(fs, "dl/f.bin")
	assert.False(t, exists)
	exists, _ = afero.Exists(fs, "dl/f.bin.2."+CacheExt)
	assert.True(t, exists)

	got, err := h.read(2, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("cd"), got)

	require.NoError(t, h.write(0, []byte("ab__ef")))
	h.bg.Wait()
	require.NoError(t, h.writeback())

	b, err := afero.ReadFile(fs, "dl/f.bin")
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), b)
	exists, _ = afero.Exists(fs, "dl/f.bin.2."+CacheExt)
	assert.False(t, exists)

	got, err = h.read(2, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("cd"), got)
}

func TestHandlerReadCoveringFragment(t *testing.T) {
	fs := afero.NewMemMapFs()
	h := newHandler(fs, FileInfo{Path: "dl/f.bin", Length: 16})
	require.NoError(t, h.cache(4, []byte("0123456789")))

	got, err := h.read(6, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("234"), got)

	_, err = h.read(12, 4)
	assert.True(t, errors.Is(err, os.ErrNotExist), "got %v", err)
}

func TestHandlerConcurrentCreate(t *testing.T) {
	fs := afero.NewMemMapFs()
	const n = 16
	h := newHandler(fs, FileInfo{Path: "dl/f.bin", Length: n})

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, h.write(int64(i), []byte{byte('A' + i)}))
		}(i)
	}
	wg.Wait()
	h.bg.Wait()

	b, err := afero.ReadFile(fs, "dl/f.bin")
	require.NoError(t, err)
	want := make([]byte, n)
	for i := range want {
		want[i] = byte('A' + i)
	}
	assert.True(t, bytes.Equal(want, b), "got %q", b)
}

func TestList(t *testing.T) {
	fs := afero.NewMemMapFs()
	s, err := New(fs, 4, layout("dl", 3, 5))
	require.NoError(t, err)
	putAll(t, s, payload(8), 4)

	node, err := List(fs, "dl", 0)
	require.NoError(t, err)
	assert.Equal(t, "dl", node.Name)
	assert.Equal(t, 2, node.Cached)
	require.Len(t, node.Children, 1)
	assert.Equal(t, "a.bin", node.Children[0].Name)
	assert.Equal(t, int64(3), node.Size)
}
