package swarm

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/torrent/tracker"
)

const (
	DefaultAnnounceInterval = 2 * time.Minute
	MinAnnounceInterval     = 30 * time.Second
	announceRetry           = time.Minute
	announceTimeout         = 30 * time.Second
)

// Discovery feeds a swarm with peer addresses from trackers and a static
// list.
type Discovery struct {
	Swarm    *Swarm
	Trackers []string
	Peers    []string
	// Port is announced to trackers.
	Port int
	// Left reports the bytes still wanted, for announces.
	Left   func() int64
	Logger log.Logger
}

// Run announces to every tracker until ctx is cancelled.
func (d *Discovery) Run(ctx context.Context) {
	if d.Logger.IsZero() {
		d.Logger = log.Default
	}
	for _, addr := range d.Peers {
		d.Swarm.Add(addr)
	}
	var wg sync.WaitGroup
	for _, u := range d.Trackers {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			d.announceLoop(ctx, u)
		}(u)
	}
	wg.Wait()
}

func (d *Discovery) announceLoop(ctx context.Context, url string) {
	event := tracker.Started
	for {
		wait := announceRetry
		n, interval, err := d.announce(ctx, url, event)
		if err != nil {
			d.Logger.WithLevel(log.Debug).Printf("announce %s: %s", url, err)
		} else {
			event = tracker.None
			wait = interval
			d.Logger.WithLevel(log.Debug).Printf("announce %s: %d peers, next in %s", url, n, wait)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (d *Discovery) announce(ctx context.Context, url string, event tracker.AnnounceEvent) (int, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, announceTimeout)
	defer cancel()
	var left int64
	if d.Left != nil {
		left = d.Left()
	}
	res, err := tracker.Announce{
		TrackerUrl: url,
		Context:    ctx,
		Request: tracker.AnnounceRequest{
			InfoHash: d.Swarm.InfoHash(),
			PeerId:   d.Swarm.PeerID(),
			Left:     left,
			Event:    event,
			NumWant:  -1,
			Port:     uint16(d.Port),
		},
	}.Do()
	if err != nil {
		return 0, 0, err
	}
	for _, p := range res.Peers {
		if p.IP == nil || p.Port == 0 {
			continue
		}
		d.Swarm.Add(net.JoinHostPort(p.IP.String(), strconv.Itoa(p.Port)))
	}
	interval := time.Duration(res.Interval) * time.Second
	if interval <= 0 {
		interval = DefaultAnnounceInterval
	}
	if interval < MinAnnounceInterval {
		interval = MinAnnounceInterval
	}
	return len(res.Peers), interval, nil
}
