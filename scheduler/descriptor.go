package scheduler

import (
	"fmt"
	"path/filepath"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/boypt/selective-torrent/storage"
)

// Descriptor is the read-only view of a torrent's info dictionary the
// scheduler works from.
type Descriptor struct {
	PieceLength int64
	Length      int64
	Hashes      []metainfo.Hash
	Files       []storage.FileInfo
}

// DescriptorFromInfo builds a descriptor from parsed metainfo. File paths
// are relative: the torrent name for single file torrents, name/path...
// for multi file ones.
func DescriptorFromInfo(info *metainfo.Info) (Descriptor, error) {
	d := Descriptor{
		PieceLength: info.PieceLength,
		Length:      info.TotalLength(),
	}
	for i := 0; i < info.NumPieces(); i++ {
		d.Hashes = append(d.Hashes, info.Piece(i).Hash())
	}
	if !info.IsDir() {
		d.Files = []storage.FileInfo{{Path: info.Name, Length: info.Length}}
	} else {
		var off int64
		for _, f := range info.Files {
			d.Files = append(d.Files, storage.FileInfo{
				Path:   filepath.Join(append([]string{info.Name}, f.Path...)...),
				Length: f.Length,
				Offset: off,
			})
			off += f.Length
		}
	}
	return d, d.validate()
}

func (d Descriptor) validate() error {
	if d.PieceLength <= 0 {
		return fmt.Errorf("%w: piece length %d", storage.ErrValidation, d.PieceLength)
	}
	var total int64
	for _, f := range d.Files {
		total += f.Length
	}
	if total != d.Length {
		return fmt.Errorf("%w: files add up to %d, torrent length is %d", storage.ErrValidation, total, d.Length)
	}
	if want := int((d.Length + d.PieceLength - 1) / d.PieceLength); want != len(d.Hashes) {
		return fmt.Errorf("%w: %d piece hashes for %d pieces", storage.ErrValidation, len(d.Hashes), want)
	}
	return nil
}

func (d Descriptor) NumPieces() int {
	return len(d.Hashes)
}

// PieceSize is the length of piece index; the last piece holds the
// remainder.
func (d Descriptor) PieceSize(index int) int64 {
	if index == len(d.Hashes)-1 {
		if r := d.Length % d.PieceLength; r != 0 {
			return r
		}
	}
	return d.PieceLength
}

// FilePieces is the inclusive piece range covering file i.
func (d Descriptor) FilePieces(i int) (from, to int) {
	f := d.Files[i]
	from = int(f.Offset / d.PieceLength)
	end := f.Offset + f.Length - 1
	if end < f.Offset {
		end = f.Offset
	}
	to = int(end / d.PieceLength)
	if last := d.NumPieces() - 1; to > last {
		to = last
		if from > last {
			from = last
		}
	}
	return from, to
}
