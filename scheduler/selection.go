package scheduler

import (
	"fmt"

	"github.com/boypt/selective-torrent/storage"
)

// selection is a caller declared piece range. offset only moves forward:
// pieces [from, from+offset) are known to be verified.
type selection struct {
	from, to int
	offset   int
	notify   func()
	done     bool
}

func (s *Scheduler) checkRange(from, to int) error {
	if from < 0 || to < from || to >= s.desc.NumPieces() {
		return fmt.Errorf("%w: piece range [%d,%d] outside [0,%d)", storage.ErrValidation, from, to, s.desc.NumPieces())
	}
	return nil
}

// Select adds the inclusive piece range [from, to] to the download set.
// notify, if not nil, is called once from the scheduling loop when every
// piece of the range is verified.
func (s *Scheduler) Select(from, to int, notify func()) error {
	if err := s.checkRange(from, to); err != nil {
		return err
	}
	if !s.post(func() { s.addSelection(from, to, notify) }) {
		return ErrClosed
	}
	return nil
}

// Deselect removes the first selection matching [from, to].
func (s *Scheduler) Deselect(from, to int) error {
	if err := s.checkRange(from, to); err != nil {
		return err
	}
	if !s.post(func() { s.removeSelection(from, to) }) {
		return ErrClosed
	}
	return nil
}

func (s *Scheduler) addSelection(from, to int, notify func()) {
	s.selections = append(s.selections, &selection{from: from, to: to, notify: notify})
	s.update()
	s.completionScan()
}

func (s *Scheduler) removeSelection(from, to int) bool {
	for i, sel := range s.selections {
		if sel.from != from || sel.to != to {
			continue
		}
		s.selections = append(s.selections[:i], s.selections[i+1:]...)
		s.update()
		return true
	}
	return false
}

// SelectFile downloads file i in full. Its data is written in place from
// now on, and Callbacks.FileCompleted fires once it is complete and whole
// on disk.
func (s *Scheduler) SelectFile(i int) error {
	if i < 0 || i >= len(s.desc.Files) {
		return fmt.Errorf("%w: file %d outside [0,%d)", storage.ErrValidation, i, len(s.desc.Files))
	}
	from, to := s.desc.FilePieces(i)
	s.selected.Add(i)
	return s.Select(from, to, func() { s.syncFile(i) })
}

// syncFile folds the side cache of a verified file into it, then reports
// the file completed.
func (s *Scheduler) syncFile(i int) {
	s.goStore(func() {
		err := s.store.SyncFile(i)
		s.post(func() {
			if err != nil {
				log.Printf("file %s: %s", s.desc.Files[i].Path, err)
				return
			}
			s.synced.Add(uint32(i))
			log.Printf("file completed: %s", s.desc.Files[i].Path)
			if s.cb.FileCompleted != nil {
				s.cb.FileCompleted(i)
			}
		})
	})
}

func (s *Scheduler) DeselectFile(i int) error {
	if i < 0 || i >= len(s.desc.Files) {
		return fmt.Errorf("%w: file %d outside [0,%d)", storage.ErrValidation, i, len(s.desc.Files))
	}
	from, to := s.desc.FilePieces(i)
	s.selected.Remove(i)
	return s.Deselect(from, to)
}

func (s *Scheduler) SelectAll() error {
	for i := range s.desc.Files {
		if err := s.SelectFile(i); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) DeselectAll() error {
	for i := range s.desc.Files {
		if err := s.DeselectFile(i); err != nil {
			return err
		}
	}
	return nil
}

// completionScan advances every selection's cursor over verified pieces
// and notifies the ones that became complete.
func (s *Scheduler) completionScan() {
	for _, sel := range s.selections {
		for s.verified.Contains(uint32(sel.from+sel.offset)) && sel.from+sel.offset < sel.to {
			sel.offset++
		}
		if sel.done || sel.from+sel.offset != sel.to || !s.verified.Contains(uint32(sel.to)) {
			continue
		}
		sel.done = true
		if sel.notify != nil {
			sel.notify()
		}
	}
}
