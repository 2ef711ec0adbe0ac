package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/spf13/afero"
)

// CacheExt is the extension of side-cache files, which are named
// <file-path>.<byte-offset>.<CacheExt> next to the file they belong to.
const CacheExt = "ctcache"

// handler performs offset addressed I/O on one file of the store. Writes
// that cannot be applied in place yet are parked in side-cache files and
// folded back into the real file by writeback.
type handler struct {
	fs      afero.Fs
	path    string
	dir     string
	length  int64
	pattern *regexp.Regexp

	mu       sync.Mutex
	creating chan struct{} // non-nil while the file is being created
	closed   bool

	wbMu     sync.Mutex // serializes writebacks
	wbQueued int32
	bg       sync.WaitGroup
}

func newHandler(fs afero.Fs, f FileInfo) *handler {
	return &handler{
		fs:      fs,
		path:    f.Path,
		dir:     filepath.Dir(f.Path),
		length:  f.Length,
		pattern: regexp.MustCompile(`^` + regexp.QuoteMeta(filepath.Base(f.Path)) + `\.([0-9]+)\.` + CacheExt + `$`),
	}
}

func (h *handler) cachePath(off int64) string {
	return fmt.Sprintf("%s.%d.%s", h.path, off, CacheExt)
}

// openRW opens the real file for in-place writes, returning nil, nil when
// it does not exist yet.
func (h *handler) openRW() (afero.File, error) {
	f, err := h.fs.OpenFile(h.path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

func writeAt(f afero.File, b []byte, off int64) error {
	_, err := f.WriteAt(b, off)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (h *handler) write(off int64, b []byte) error {
	if err := h.fs.MkdirAll(h.dir, 0755); err != nil {
		return err
	}
	for {
		f, err := h.openRW()
		if err != nil {
			return err
		}
		if f != nil {
			h.writebackAsync()
			return writeAt(f, b, off)
		}

		h.mu.Lock()
		if wait := h.creating; wait != nil {
			h.mu.Unlock()
			<-wait
			continue
		}
		// another writer may have finished creating it since we looked
		if _, err := h.fs.Stat(h.path); err == nil {
			h.mu.Unlock()
			continue
		}
		done := make(chan struct{})
		h.creating = done
		h.mu.Unlock()

		err = h.create(off, b)

		h.mu.Lock()
		h.creating = nil
		h.mu.Unlock()
		close(done)
		if err != nil {
			return err
		}
		// fragments cached before the file existed
		return h.writeback()
	}
}

func (h *handler) create(off int64, b []byte) error {
	f, err := h.fs.OpenFile(h.path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return writeAt(f, b, off)
}

// sync creates the file if only side-cache fragments exist so far and
// folds every fragment into it.
func (h *handler) sync() error {
	if err := h.write(0, nil); err != nil {
		return err
	}
	return h.writeback()
}

func (h *handler) cache(off int64, b []byte) error {
	if err := h.fs.MkdirAll(h.dir, 0755); err != nil {
		return err
	}
	// no writeback may pick up a half written fragment
	h.wbMu.Lock()
	defer h.wbMu.Unlock()
	f, err := h.openRW()
	if err != nil {
		return err
	}
	if f != nil {
		return writeAt(f, b, off)
	}
	if err := afero.WriteFile(h.fs, h.cachePath(off), b, 0644); err != nil {
		return err
	}
	// the file may have been created since openRW
	if _, err := h.fs.Stat(h.path); err == nil {
		return h.writebackLocked()
	}
	return nil
}

// writebackAsync queues a background writeback unless one is already
// queued and not yet started.
func (h *handler) writebackAsync() {
	if !atomic.CompareAndSwapInt32(&h.wbQueued, 0, 1) {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		atomic.StoreInt32(&h.wbQueued, 0)
		return
	}
	h.bg.Add(1)
	h.mu.Unlock()
	go func() {
		defer h.bg.Done()
		h.wbMu.Lock()
		defer h.wbMu.Unlock()
		atomic.StoreInt32(&h.wbQueued, 0)
		if err := h.writebackLocked(); err != nil {
			log.Printf("writeback %s: %s", h.path, err)
		}
	}()
}

// close stops new background writebacks and waits for running ones.
func (h *handler) close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.bg.Wait()
}

// writeback moves every side-cache file of this handler into the real
// file. Writebacks run one at a time.
func (h *handler) writeback() error {
	h.wbMu.Lock()
	defer h.wbMu.Unlock()
	return h.writebackLocked()
}

func (h *handler) writebackLocked() error {
	if _, err := h.fs.Stat(h.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	entries, err := afero.ReadDir(h.fs, h.dir)
	if err != nil {
		return err
	}
	for _, fi := range entries {
		m := h.pattern.FindStringSubmatch(fi.Name())
		if m == nil {
			continue
		}
		off, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		cp := h.cachePath(off)
		b, err := afero.ReadFile(h.fs, cp)
		if err != nil {
			return err
		}
		f, err := h.fs.OpenFile(h.path, os.O_RDWR, 0)
		if err != nil {
			return err
		}
		if err := writeAt(f, b, off); err != nil {
			return err
		}
		if err := h.fs.Remove(cp); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (h *handler) read(off, n int64) ([]byte, error) {
	b := make([]byte, n)
	f, err := h.fs.Open(h.path)
	if err == nil {
		_, err = f.ReadAt(b, off)
		f.Close()
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return h.readCache(off, n)
}

// readCache serves [off, off+n) from a side-cache file: the one written at
// exactly off if present, otherwise any cached fragment covering the range.
func (h *handler) readCache(off, n int64) ([]byte, error) {
	b, err := afero.ReadFile(h.fs, h.cachePath(off))
	if err == nil && int64(len(b)) >= n {
		return b[:n], nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	entries, err := afero.ReadDir(h.fs, h.dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, fi := range entries {
		m := h.pattern.FindStringSubmatch(fi.Name())
		if m == nil {
			continue
		}
		start, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || start > off || start+fi.Size() < off+n {
			continue
		}
		b, err := afero.ReadFile(h.fs, h.cachePath(start))
		if err != nil {
			return nil, err
		}
		if int64(len(b)) < off-start+n {
			continue
		}
		return b[off-start : off-start+n], nil
	}
	return nil, fmt.Errorf("%s [%d,%d): %w", h.path, off, off+n, os.ErrNotExist)
}
