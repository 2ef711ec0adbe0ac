package engine

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/fsnotify/fsnotify"
)

const (
	cacheSavedPrefix = "_CLDAUTOSAVED_"
)

func (e *Engine) cachePath(infohash string) string {
	return filepath.Join(e.Config().WatchDirectory,
		fmt.Sprintf("%s%s.torrent", cacheSavedPrefix, infohash))
}

func (e *Engine) newTorrentCacheFile(meta *metainfo.MetaInfo) {
	infohash := meta.HashInfoBytes().HexString()
	dir := e.Config().WatchDirectory
	if w, err := os.Stat(dir); err != nil || !w.IsDir() {
		return
	}
	cacheFilePath := e.cachePath(infohash)
	// only create the cache file if not exists
	// avoid recreating cache files during boot import
	if _, err := os.Stat(cacheFilePath); !os.IsNotExist(err) {
		return
	}
	cf, err := os.Create(cacheFilePath)
	if err != nil {
		log.Println("failed to create torrent file ", err)
		return
	}
	defer cf.Close()
	if err := meta.Write(cf); err != nil {
		log.Println("failed to write torrent file ", err)
		return
	}
	log.Println("created torrent cache file", infohash)
}

// removeTorrentCache runs with the engine lock held.
func (e *Engine) removeTorrentCache(infohash string) {
	if e.config.WatchDirectory == "" {
		return
	}
	cacheFilePath := filepath.Join(e.config.WatchDirectory,
		fmt.Sprintf("%s%s.torrent", cacheSavedPrefix, infohash))
	if err := os.Remove(cacheFilePath); err == nil {
		log.Printf("removed torrent file %s", infohash)
	} else if !os.IsNotExist(err) {
		log.Printf("fail to removed torrent file %s, %s", infohash, err)
	}
}

// RestoreTorrent adds every torrent file in the watch directory matching
// fnpattern. Files other than our own cache files are removed once added.
func (e *Engine) RestoreTorrent(fnpattern string) {
	if e.Config().WatchDirectory == "" {
		return
	}
	log.Println("RestoreTorrent", fnpattern)
	tors, _ := filepath.Glob(filepath.Join(e.Config().WatchDirectory, fnpattern))
	for _, t := range tors {
		if err := e.NewFileTorrent(t); err == nil {
			if strings.HasPrefix(filepath.Base(t), cacheSavedPrefix) {
				log.Printf("[RestoreTorrent] Restored: %s \n", t)
			} else {
				log.Printf("Task: added %s, file removed\n", t)
				os.Remove(t)
			}
		} else {
			log.Printf("Inital Task: fail to add %s, ERR:%v\n", t, err)
		}
	}
}

// nextWaitTask starts queued tasks while download slots are free.
func (e *Engine) nextWaitTask() {
	for {
		e.RLock()
		free := e.slotFree()
		e.RUnlock()
		if !free {
			return
		}
		elm := e.waitList.Pop()
		if elm == nil {
			return
		}
		te := elm.(taskElem)
		var err error
		switch te.tp {
		case taskTorrent:
			err = e.StartTorrent(te.ih)
		case taskFile:
			err = e.StartFile(te.ih, te.path)
		}
		if err != nil {
			log.Println("nextWaitTask:", te.ih, te.tp, err)
		}
	}
}

func (e *Engine) pushWaitTask(ih string, tp taskType, path string) {
	e.waitList.Push(taskElem{ih: ih, tp: tp, path: path})
}

// LoadWaitList starts queued tasks after MaxConcurrentTask was raised.
func (e *Engine) LoadWaitList() {
	go e.nextWaitTask()
}

func (e *Engine) StartTorrentWatcher() error {
	e.Lock()
	defer e.Unlock()

	if e.watcher != nil {
		log.Println("Torrent Watcher: close")
		e.watcher.Close()
		e.watcher = nil
	}

	dir := e.config.WatchDirectory
	if w, err := os.Stat(dir); os.IsNotExist(err) || (err == nil && !w.IsDir()) {
		return fmt.Errorf("[Watcher] %s is not dir", dir)
	}

	log.Printf("Torrent Watcher: watching torrent file in %s", dir)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	e.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				baseName := path.Base(event.Name)
				if strings.HasPrefix(baseName, cacheSavedPrefix) ||
					!strings.HasSuffix(baseName, ".torrent") {
					continue
				}

				if st, err := os.Stat(event.Name); err != nil {
					continue
				} else if st.IsDir() {
					continue
				}

				if err := e.NewFileTorrent(event.Name); err == nil {
					log.Printf("Torrent Watcher: added %s, file removed\n", event.Name)
					os.Remove(event.Name)
				} else {
					log.Printf("Torrent Watcher: fail to add %s, ERR:%v\n", event.Name, err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Println("Torrent Watcher: error:", err)
			}
		}
	}()

	return nil
}
