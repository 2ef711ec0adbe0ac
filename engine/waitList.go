package engine

import (
	"container/list"
	"sync"
)

// syncList is a FIFO queue
type syncList struct {
	lst *list.List
	sync.Mutex
}

func NewSyncList() *syncList {
	return &syncList{
		lst: list.New(),
	}
}

func (l *syncList) Push(v interface{}) *list.Element {
	l.Lock()
	defer l.Unlock()
	return l.lst.PushBack(v)
}

func (l *syncList) Pop() interface{} {
	l.Lock()
	defer l.Unlock()
	if elm := l.lst.Front(); elm != nil {
		return l.lst.Remove(elm)
	}
	return nil
}

func (l *syncList) Remove(ih string) {
	l.Lock()
	defer l.Unlock()

	for temp := l.lst.Front(); temp != nil; temp = temp.Next() {
		if elm, ok := temp.Value.(taskElem); ok && elm.ih == ih {
			l.lst.Remove(temp)
			log.Println("syncList removed ih", ih)
			break
		}
	}
}

func (l *syncList) Has(ih string) bool {
	l.Lock()
	defer l.Unlock()
	for temp := l.lst.Front(); temp != nil; temp = temp.Next() {
		if elm, ok := temp.Value.(taskElem); ok && elm.ih == ih {
			return true
		}
	}
	return false
}

func (l *syncList) Len() int {
	l.Lock()
	defer l.Unlock()
	return l.lst.Len()
}

type taskType uint8

const (
	taskTorrent taskType = iota
	taskFile
)

func (t taskType) String() string {
	if t == taskFile {
		return "File"
	}
	return "Torrent"
}

// taskElem is a torrent waiting for a download slot. A file task starts
// only the named file.
type taskElem struct {
	ih   string
	tp   taskType
	path string
}
