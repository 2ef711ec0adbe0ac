package engine

import (
	"fmt"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/boypt/selective-torrent/scheduler"
)

type Torrent struct {
	InfoHash   string
	Name       string
	Magnet     string
	Loaded     bool
	Downloaded int64
	Uploaded   int64
	Wasted     int64
	Size       int64
	Pieces     int
	Verified   int
	Peers      int
	InFlight   int
	Files      []*File

	Started       bool
	Queued        bool
	Done          bool
	DoneCmdCalled bool
	Percent       float32
	DownloadRate  float32
	UploadRate    float32
	AddedAt       time.Time
	StartedAt     time.Time

	ih        metainfo.Hash
	desc      scheduler.Descriptor
	trackers  []string
	task      *task
	synced    bool
	updatedAt time.Time
}

type File struct {
	Path          string
	Size          int64
	Completed     int64
	Done          bool
	DoneCmdCalled bool
	Started       bool
	Percent       float32
}

func newTorrent(ih metainfo.Hash, mi *metainfo.MetaInfo, info *metainfo.Info, desc scheduler.Descriptor) *Torrent {
	t := &Torrent{
		InfoHash: ih.HexString(),
		Name:     info.Name,
		Size:     desc.Length,
		Pieces:   desc.NumPieces(),
		AddedAt:  time.Now(),
		ih:       ih,
		desc:     desc,
		trackers: announceURLs(mi),
	}
	t.Magnet = mi.Magnet(&ih, info).String()
	for _, f := range desc.Files {
		t.Files = append(t.Files, &File{Path: f.Path, Size: f.Length})
	}
	return t
}

// announceURLs flattens the announce list tiers, falling back to the single
// announce url.
func announceURLs(mi *metainfo.MetaInfo) []string {
	seen := map[string]bool{}
	var urls []string
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	for _, tier := range mi.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	add(mi.Announce)
	return urls
}

func (t *Torrent) file(path string) (int, *File) {
	for i, f := range t.Files {
		if f.Path == path {
			return i, f
		}
	}
	return -1, nil
}

// update merges scheduler stats in. Completion is only tracked once the
// stored data has been verified; files already complete at that point never
// trigger the done command. A file is done once the scheduler has made it
// whole on disk, not merely when its pieces are verified.
func (t *Torrent) update(st scheduler.Stats, uploaded, wasted int64) {
	now := time.Now()
	t.Loaded = st.Ready
	t.Peers = st.Peers
	t.InFlight = st.InFlight
	t.Wasted = wasted
	if !st.Ready {
		return
	}
	t.Verified = st.Verified

	if !t.updatedAt.IsZero() {
		dtinv := float32(time.Second) / float32(now.Sub(t.updatedAt))
		t.DownloadRate = float32(st.BytesCompleted-t.Downloaded) * dtinv
		t.UploadRate = float32(uploaded-t.Uploaded) * dtinv
	}
	t.Downloaded = st.BytesCompleted
	t.Uploaded = uploaded
	t.updatedAt = now

	var selected, done, stored int
	for i, f := range t.Files {
		if i < len(st.FileBytesCompleted) {
			f.Completed = st.FileBytesCompleted[i]
		}
		if i < len(st.FileDone) && st.FileDone[i] {
			f.Done = true
		}
		f.Percent = percent(f.Completed, f.Size)
		if f.Started {
			selected++
			if f.Done {
				done++
			}
			if f.Completed == f.Size {
				stored++
			}
		}
	}
	t.Percent = percent(t.Downloaded, t.Size)
	t.Done = selected > 0 && selected == done

	if !t.synced {
		t.synced = true
		t.DoneCmdCalled = selected > 0 && selected == stored
		for _, f := range t.Files {
			f.DoneCmdCalled = f.Completed == f.Size
		}
	}
}

// snapshot copies the exported state for readers outside the engine lock.
func (t *Torrent) snapshot() *Torrent {
	c := &Torrent{
		InfoHash:      t.InfoHash,
		Name:          t.Name,
		Magnet:        t.Magnet,
		Loaded:        t.Loaded,
		Downloaded:    t.Downloaded,
		Uploaded:      t.Uploaded,
		Wasted:        t.Wasted,
		Size:          t.Size,
		Pieces:        t.Pieces,
		Verified:      t.Verified,
		Peers:         t.Peers,
		InFlight:      t.InFlight,
		Started:       t.Started,
		Queued:        t.Queued,
		Done:          t.Done,
		DoneCmdCalled: t.DoneCmdCalled,
		Percent:       t.Percent,
		DownloadRate:  t.DownloadRate,
		UploadRate:    t.UploadRate,
		AddedAt:       t.AddedAt,
		StartedAt:     t.StartedAt,
	}
	for _, f := range t.Files {
		cf := *f
		c.Files = append(c.Files, &cf)
	}
	return c
}

func (t *Torrent) doneEnv(path, tasktype string, size int64) []string {
	return []string{
		fmt.Sprintf("CLD_PATH=%s", path),
		fmt.Sprintf("CLD_HASH=%s", t.InfoHash),
		fmt.Sprintf("CLD_TYPE=%s", tasktype),
		fmt.Sprintf("CLD_SIZE=%d", size),
		fmt.Sprintf("CLD_STARTTS=%d", t.StartedAt.Unix()),
	}
}

func percent(n, total int64) float32 {
	if total == 0 {
		return float32(0)
	}
	return float32(int(float64(10000)*(float64(n)/float64(total)))) / 100
}
