package server

import (
	"net/http"
	"strings"

	"github.com/boypt/selective-torrent/storage"
	"github.com/spf13/afero"
)

var osFs = afero.NewOsFs()

func (s *Server) listFiles(dir string) *storage.Node {
	node, err := storage.List(osFs, dir, storage.DefaultFileLimit)
	if err != nil {
		log.Printf("File listing failed: %s", err)
		return nil
	}
	return node
}

// serveFiles hands out finished downloads. Side cache fragments stay
// private.
func (s *Server) serveFiles(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "."+storage.CacheExt) {
		http.NotFound(w, r)
		return
	}
	s.dlfilesh.ServeHTTP(w, r)
}
