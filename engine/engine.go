package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	alog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/boypt/selective-torrent/scheduler"
	"github.com/boypt/selective-torrent/storage"
	"github.com/boypt/selective-torrent/swarm"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

const statsTimeout = time.Second

var (
	ErrAlreadyStarted = errors.New("Already started")
	ErrAlreadyStopped = errors.New("Already stopped")
)

// Engine manages the torrents of one process: one listener, one peer id and
// a task per started torrent.
type Engine struct {
	sync.RWMutex
	cacheDir    string
	config      Config
	ts          map[string]*Torrent
	bttracker   []string
	waitList    *syncList
	watcher     *fsnotify.Watcher
	listener    *swarm.Listener
	peerID      [20]byte
	fs          afero.Fs
	upLimiter   *rate.Limiter
	downLimiter *rate.Limiter
	swarmLog    alog.Logger
}

func New() *Engine {
	return &Engine{
		ts:       map[string]*Torrent{},
		waitList: NewSyncList(),
		peerID:   swarm.NewPeerID(),
	}
}

func (e *Engine) Config() Config {
	e.RLock()
	defer e.RUnlock()
	return e.config
}

// Configure applies c, rebinding the listener and restarting running tasks
// so they pick up the new limits and directories.
func (e *Engine) Configure(c Config) error {
	if c.IncomingPort < 0 || c.IncomingPort > 65535 {
		return fmt.Errorf("Invalid incoming port (%d)", c.IncomingPort)
	}
	if c.DownloadDirectory == "" {
		return fmt.Errorf("Empty download directory")
	}

	e.Lock()
	defer e.Unlock()

	var resume []*Torrent
	for _, t := range e.ts {
		if t.task != nil {
			e.stopTask(t)
			resume = append(resume, t)
		}
	}
	if e.listener != nil {
		e.listener.Close()
		e.listener = nil
	}

	if c.WatchDirectory != "" {
		mkdir(c.WatchDirectory)
	}
	fs, err := storage.NewDisk(storage.DiskConfig{BasePath: c.DownloadDirectory})
	if err != nil {
		return err
	}
	e.fs = fs
	e.cacheDir = c.WatchDirectory
	e.upLimiter = c.UploadLimiter()
	e.downLimiter = c.DownloadLimiter()
	e.swarmLog = alog.Default
	if c.MuteEngineLog {
		e.swarmLog = alog.Discard
	}
	e.config = c

	l, err := swarm.Listen(fmt.Sprintf(":%d", c.IncomingPort), e.peerID, e.swarmLog)
	if err != nil {
		return err
	}
	e.listener = l
	go func() {
		if err := l.Serve(); err != nil {
			log.Println("listener stopped:", err)
		}
	}()
	log.Printf("listening for peers on %s", l.Addr())

	for _, t := range resume {
		if err := e.startTask(t); err != nil {
			log.Printf("restart %s failed: %s", t.InfoHash, err)
		}
	}
	return nil
}

// SetConfig swaps in settings that need no listener or task restart.
func (e *Engine) SetConfig(c Config) {
	e.Lock()
	defer e.Unlock()
	e.config = c
}

// Port is the bound peer port, 0 before Configure.
func (e *Engine) Port() int {
	e.RLock()
	defer e.RUnlock()
	return e.announcePort()
}

func (e *Engine) announcePort() int {
	if e.listener == nil {
		return 0
	}
	return e.listener.Port()
}

func (e *Engine) NewFileTorrent(path string) error {
	mi, err := metainfo.LoadFromFile(path)
	if err != nil {
		return err
	}
	return e.NewTorrent(mi)
}

func (e *Engine) NewTorrent(mi *metainfo.MetaInfo) error {
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return err
	}
	desc, err := scheduler.DescriptorFromInfo(&info)
	if err != nil {
		return err
	}
	ih := mi.HashInfoBytes()
	if e.isTaskInList(ih.HexString()) {
		return fmt.Errorf("Torrent %s already added", ih.HexString())
	}

	t := newTorrent(ih, mi, &info, desc)
	e.Lock()
	e.ts[t.InfoHash] = t
	e.Unlock()
	log.Printf("added %s [%s] %d files, %d pieces", t.InfoHash, t.Name, len(t.Files), desc.NumPieces())

	e.newTorrentCacheFile(mi)
	if e.Config().AutoStart {
		return e.StartTorrent(t.InfoHash)
	}
	return nil
}

// GetTorrents refreshes every torrent from its scheduler and returns a
// snapshot keyed by info hash.
func (e *Engine) GetTorrents() map[string]*Torrent {
	e.Lock()
	defer e.Unlock()

	snap := make(map[string]*Torrent, len(e.ts))
	for ih, t := range e.ts {
		if t.task != nil {
			ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
			if st, err := t.task.sched.Stats(ctx); err == nil {
				t.update(st, t.task.uploaded(), t.task.wasted())
			}
			cancel()
		}
		t.Queued = e.waitList.Has(ih)
		e.torrentRoutine(t)
		snap[ih] = t.snapshot()
	}
	return snap
}

func (e *Engine) torrentRoutine(t *Torrent) {
	if t.Done && !t.DoneCmdCalled {
		t.DoneCmdCalled = true
		go e.callDoneCmd(t.doneEnv(t.Name, "torrent", t.Size))
	}
	for _, f := range t.Files {
		if f.Done && !f.DoneCmdCalled {
			f.DoneCmdCalled = true
			go e.callDoneCmd(t.doneEnv(f.Path, "file", f.Size))
		}
	}
}

func (e *Engine) runningTasks() int {
	var n int
	for _, t := range e.ts {
		if t.task != nil {
			n++
		}
	}
	return n
}

// slotFree reports whether another task may start under MaxConcurrentTask.
func (e *Engine) slotFree() bool {
	return e.config.MaxConcurrentTask <= 0 || e.runningTasks() < e.config.MaxConcurrentTask
}

func (e *Engine) startTask(t *Torrent) error {
	if t.task != nil {
		return nil
	}
	tk, err := e.newTask(t)
	if err != nil {
		return err
	}
	t.task = tk
	t.Started = true
	t.StartedAt = time.Now()
	tk.start(e.listener)
	for i, f := range t.Files {
		if f.Started {
			if err := tk.sched.SelectFile(i); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) stopTask(t *Torrent) {
	if t.task == nil {
		return
	}
	if err := t.task.stop(e.listener); err != nil {
		log.Printf("[%s] writeback: %s", t.InfoHash, err)
	}
	t.task = nil
	t.Started = false
	t.DownloadRate = 0
	t.UploadRate = 0
}

func (e *Engine) StartTorrent(infohash string) error {
	t, err := e.getTorrent(infohash)
	if err != nil {
		return err
	}
	e.Lock()
	defer e.Unlock()
	if t.Started {
		return ErrAlreadyStarted
	}
	for _, f := range t.Files {
		f.Started = true
	}
	if !e.slotFree() {
		if !e.waitList.Has(t.InfoHash) {
			e.pushWaitTask(t.InfoHash, taskTorrent, "")
			log.Println("task queued", t.InfoHash, taskTorrent)
		}
		return nil
	}
	return e.startTask(t)
}

func (e *Engine) StopTorrent(infohash string) error {
	t, err := e.getTorrent(infohash)
	if err != nil {
		return err
	}
	e.Lock()
	e.waitList.Remove(t.InfoHash)
	if !t.Started {
		e.Unlock()
		return ErrAlreadyStopped
	}
	e.stopTask(t)
	for _, f := range t.Files {
		f.Started = false
	}
	e.Unlock()
	go e.nextWaitTask()
	return nil
}

func (e *Engine) DeleteTorrent(infohash string) error {
	t, err := e.getTorrent(infohash)
	if err != nil {
		return err
	}
	e.Lock()
	running := t.task != nil
	e.stopTask(t)
	e.waitList.Remove(t.InfoHash)
	delete(e.ts, t.InfoHash)
	e.removeTorrentCache(t.InfoHash)
	e.Unlock()
	if running {
		go e.nextWaitTask()
	}
	return nil
}

// StartFile selects one file of a torrent, starting the torrent's task if
// it is not running.
func (e *Engine) StartFile(infohash, filepath string) error {
	t, err := e.getTorrent(infohash)
	if err != nil {
		return err
	}
	e.Lock()
	defer e.Unlock()
	i, f := t.file(filepath)
	if f == nil {
		return fmt.Errorf("Missing file %s", filepath)
	}
	if f.Started && t.task != nil {
		return ErrAlreadyStarted
	}
	f.Started = true
	if t.task == nil {
		if !e.slotFree() {
			if !e.waitList.Has(t.InfoHash) {
				e.pushWaitTask(t.InfoHash, taskFile, filepath)
				log.Println("task queued", t.InfoHash, taskFile, filepath)
			}
			return nil
		}
		return e.startTask(t)
	}
	return t.task.sched.SelectFile(i)
}

// StopFile deselects one file. The torrent stops once no file is selected.
func (e *Engine) StopFile(infohash, filepath string) error {
	t, err := e.getTorrent(infohash)
	if err != nil {
		return err
	}
	e.Lock()
	i, f := t.file(filepath)
	if f == nil {
		e.Unlock()
		return fmt.Errorf("Missing file %s", filepath)
	}
	if !f.Started {
		e.Unlock()
		return ErrAlreadyStopped
	}
	f.Started = false
	if t.task == nil {
		e.Unlock()
		return nil
	}
	if err := t.task.sched.DeselectFile(i); err != nil {
		e.Unlock()
		return err
	}
	for _, f := range t.Files {
		if f.Started {
			e.Unlock()
			return nil
		}
	}
	e.stopTask(t)
	e.Unlock()
	go e.nextWaitTask()
	return nil
}

// Close stops every task and the listener.
func (e *Engine) Close() error {
	e.Lock()
	defer e.Unlock()
	for _, t := range e.ts {
		e.stopTask(t)
	}
	if e.watcher != nil {
		e.watcher.Close()
		e.watcher = nil
	}
	if e.listener != nil {
		err := e.listener.Close()
		e.listener = nil
		return err
	}
	return nil
}
