package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/boypt/selective-torrent/engine"
)

const maxTorrentSize = 8 << 20

var errMagnet = errors.New("Magnet links are not supported, add the .torrent file")

func (s *Server) apiGET(w http.ResponseWriter, r *http.Request) error {
	action := strings.TrimPrefix(r.URL.Path, "/api/")

	s.state.Lock()
	defer s.state.Unlock()

	var v interface{}
	switch action {
	case "torrents":
		v = s.state.Torrents
	case "stats":
		v = s.state.Stats
	case "config":
		v = s.state.Config
	case "files":
		v = s.state.Downloads
	case "state":
		v = &s.state
	case "magnet":
		return errMagnet
	default:
		return fmt.Errorf("Invalid path: %s", action)
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(v)
}

func (s *Server) apiPOST(r *http.Request) error {
	defer r.Body.Close()

	action := strings.TrimPrefix(r.URL.Path, "/api/")
	data, err := io.ReadAll(io.LimitReader(r.Body, maxTorrentSize))
	if err != nil {
		return fmt.Errorf("Failed to download request body")
	}

	//convert url into torrent bytes
	if action == "url" {
		url := string(data)
		remote, err := http.Get(url)
		if err != nil {
			return fmt.Errorf("Invalid remote torrent URL: %s (%s)", err, url)
		}
		defer remote.Body.Close()
		data, err = io.ReadAll(io.LimitReader(remote.Body, maxTorrentSize))
		if err != nil {
			return fmt.Errorf("Failed to download remote torrent: %s", err)
		}
		action = "torrentfile"
	}

	// refresh state after action completes
	defer s.refresh(r.Context())

	switch action {
	case "torrentfile":
		info, err := metainfo.Load(bytes.NewReader(data))
		if err != nil {
			return err
		}
		if err := s.engine.NewTorrent(info); err != nil {
			return fmt.Errorf("Torrent error: %w", err)
		}
	case "magnet":
		return errMagnet
	case "configure":
		return s.apiConfigure(data)
	case "torrent":
		cmd := strings.SplitN(string(data), ":", 2)
		if len(cmd) != 2 {
			return fmt.Errorf("Invalid request")
		}
		state := cmd[0]
		infohash := cmd[1]
		switch state {
		case "start":
			return s.engine.StartTorrent(infohash)
		case "stop":
			return s.engine.StopTorrent(infohash)
		case "delete":
			return s.engine.DeleteTorrent(infohash)
		default:
			return fmt.Errorf("Invalid state: %s", state)
		}
	case "file":
		cmd := strings.SplitN(string(data), ":", 3)
		if len(cmd) != 3 {
			return fmt.Errorf("Invalid request")
		}
		state := cmd[0]
		infohash := cmd[1]
		filepath := cmd[2]
		switch state {
		case "start":
			return s.engine.StartFile(infohash, filepath)
		case "stop":
			return s.engine.StopFile(infohash, filepath)
		default:
			return fmt.Errorf("Invalid state: %s", state)
		}
	default:
		return fmt.Errorf("Invalid action: %s", action)
	}
	return nil
}

func (s *Server) apiConfigure(data []byte) error {
	s.state.Lock()
	cur := s.state.Config
	s.state.Unlock()

	if !cur.AllowRuntimeConfigure {
		return errors.New("runtime configure is disabled")
	}

	c := engine.Config{}
	if err := json.Unmarshal(data, &c); err != nil {
		return err
	}
	if _, err := c.NormlizeConfigDir(); err != nil {
		return err
	}

	if reflect.DeepEqual(cur, c) {
		log.Printf("[api] configure unchanged")
		return nil
	}

	status := cur.Validate(&c)
	if status&engine.ForbidRuntimeChange > 0 {
		log.Printf("[api] warnning! someone tried to change DoneCmd config")
		return errors.New("Nice Try! But this is NOT allowed being changed on runtime")
	}

	if status&engine.NeedEngineReConfig > 0 {
		if err := s.engine.Configure(c); err != nil {
			return err
		}
		log.Printf("[api] torrent engine reconfigred")
	} else {
		s.engine.SetConfig(c)
	}
	if status&engine.NeedRestartWatch > 0 {
		if err := s.engine.StartTorrentWatcher(); err != nil {
			log.Println("[api]", err)
		} else {
			log.Printf("[api] file watcher restartd")
		}
	}
	if status&engine.NeedUpdateTracker > 0 {
		go s.engine.UpdateTrackers()
	}
	if status&engine.NeedLoadWaitList > 0 {
		s.engine.LoadWaitList()
	}

	cur.SyncViper(c)
	if err := c.WriteYaml(); err != nil {
		return err
	}
	log.Printf("[api] config saved")

	s.state.Lock()
	s.state.Config = c
	s.state.Unlock()
	return nil
}
