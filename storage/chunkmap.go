package storage

import (
	"errors"
	"fmt"
)

// UnboundedLength marks a file whose length is not known up front.
// Stores refuse to be built over such files.
const UnboundedLength int64 = -1

var (
	// ErrValidation is wrapped by every error caused by bad arguments:
	// malformed layouts, wrong buffer lengths and out of range requests.
	ErrValidation = errors.New("invalid argument")
	ErrClosed     = errors.New("storage is closed")
)

// FileInfo describes one file of the logical byte stream.
type FileInfo struct {
	Path   string
	Length int64
	Offset int64
}

// Segment is the part of a chunk that falls inside a single file.
// Bytes [From, To) of the chunk live at FileOffset in Files[File].
type Segment struct {
	From       int64
	To         int64
	FileOffset int64
	File       int
}

func (s Segment) Len() int64 {
	return s.To - s.From
}

func invalidf(format string, v ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, v...))
}

// BuildChunkMap computes, for every chunk index, the ordered list of
// segments it covers.
func BuildChunkMap(files []FileInfo, chunkLength int64) ([][]Segment, error) {
	if chunkLength <= 0 {
		return nil, invalidf("chunk length must be positive, got %d", chunkLength)
	}
	if len(files) == 0 {
		return nil, invalidf("no files")
	}
	var total int64
	for i, f := range files {
		if f.Path == "" {
			return nil, invalidf("file %d is missing a path", i)
		}
		if f.Length == UnboundedLength {
			return nil, invalidf("file %s: unbounded length is not supported", f.Path)
		}
		if f.Length < 0 {
			return nil, invalidf("file %s: negative length %d", f.Path, f.Length)
		}
		if f.Offset != total {
			return nil, invalidf("file %s: offset %d, expected %d", f.Path, f.Offset, total)
		}
		total += f.Length
	}

	numChunks := int((total + chunkLength - 1) / chunkLength)
	chunkMap := make([][]Segment, numChunks)
	for i, f := range files {
		if f.Length == 0 {
			continue
		}
		fileStart := f.Offset
		fileEnd := f.Offset + f.Length

		firstChunk := fileStart / chunkLength
		lastChunk := (fileEnd - 1) / chunkLength

		for p := firstChunk; p <= lastChunk; p++ {
			chunkStart := p * chunkLength
			chunkEnd := chunkStart + chunkLength

			seg := Segment{File: i, To: chunkLength}
			if fileStart > chunkStart {
				seg.From = fileStart - chunkStart
			} else {
				seg.FileOffset = chunkStart - fileStart
			}
			if fileEnd < chunkEnd {
				seg.To = fileEnd - chunkStart
			}
			chunkMap[p] = append(chunkMap[p], seg)
		}
	}
	return chunkMap, nil
}
