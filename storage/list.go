package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

var DefaultFileLimit = 1000

var errFileLimit = errors.New("over file limit")

// Node is one entry of a download directory listing.
type Node struct {
	Name     string
	Size     int64
	Modified time.Time
	Cached   int // side-cache fragments waiting for writeback
	Children []*Node
}

// List walks root on fs, at most limit entries deep in total. Side-cache
// files are not listed themselves but counted on their directory.
func List(fs afero.Fs, root string, limit int) (*Node, error) {
	if limit <= 0 {
		limit = DefaultFileLimit
	}
	info, err := fs.Stat(root)
	if err != nil {
		return nil, err
	}
	node := &Node{}
	n := 0
	if err := list(fs, root, info, node, &n, limit); err != nil {
		return nil, err
	}
	return node, nil
}

func list(fs afero.Fs, path string, info os.FileInfo, node *Node, n *int, limit int) error {
	if (!info.IsDir() && !info.Mode().IsRegular()) || strings.HasPrefix(info.Name(), ".") {
		return errors.New("non-regular file")
	}
	(*n)++
	if *n > limit {
		return errFileLimit
	}
	node.Name = info.Name()
	node.Size = info.Size()
	node.Modified = info.ModTime()
	if !info.IsDir() {
		return nil
	}
	children, err := afero.ReadDir(fs, path)
	if err != nil {
		return err
	}
	node.Size = 0
	for _, i := range children {
		if strings.HasSuffix(i.Name(), "."+CacheExt) {
			node.Cached++
			continue
		}
		c := &Node{}
		if err := list(fs, filepath.Join(path, i.Name()), i, c, n, limit); err != nil {
			if errors.Is(err, errFileLimit) {
				return err
			}
			continue
		}
		node.Size += c.Size
		node.Children = append(node.Children, c)
	}
	return nil
}
