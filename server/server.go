package server

import (
	"compress/gzip"
	"context"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/boypt/selective-torrent/engine"
	"github.com/boypt/selective-torrent/server/httpmiddleware"
	"github.com/boypt/selective-torrent/storage"
	"github.com/jpillora/cookieauth"
	"github.com/jpillora/requestlog"
	"github.com/skratchdot/open-golang/open"
)

var log = stdlog.New(os.Stdout, "[server] ", stdlog.LstdFlags|stdlog.Lmsgprefix)

// Server is the HTTP front of the engine.
type Server struct {
	//config
	Title          string `opts:"help=Title of this instance,env=TITLE"`
	Port           int    `opts:"help=Listening port,env=PORT"`
	Host           string `opts:"help=Listening interface (default all),env=HOST"`
	Auth           string `opts:"help=Optional basic auth in form 'user:password',env=AUTH"`
	ConfigPath     string `opts:"help=Configuration file path (default selective-torrent.yaml),short=c,env=CONFIGPATH"`
	KeyPath        string `opts:"help=TLS Key file path,env=KEYPATH"`
	CertPath       string `opts:"help=TLS Certicate file path,short=r,env=CERTPATH"`
	Log            bool   `opts:"help=Enable request logging,env=REQLOG"`
	Open           bool   `opts:"help=Open now with your default browser"`
	DisableLogTime bool   `opts:"help=Don't print timestamp in log,short=d,env=DISABLELOGTIME"`
	Debug          bool   `opts:"help=Debug app,env=DEBUG"`
	DebugTorrent   bool   `opts:"help=Debug torrent engine,env=DEBUGTORRENT"`

	baseInfo   *BaseInfo
	dlfilesh   http.Handler
	refreshing int32
	ready      int32

	//torrent engine
	engine *engine.Engine
	state  struct {
		sync.Mutex
		Config    engine.Config
		Downloads *storage.Node
		Torrents  map[string]*engine.Torrent
		Stats     struct {
			System stats
		}
	}
}

// Run the server
func (s *Server) Run(version string) error {
	isTLS := s.CertPath != "" || s.KeyPath != "" //poor man's XOR
	if isTLS && (s.CertPath == "" || s.KeyPath == "") {
		return fmt.Errorf("You must provide both key and cert paths")
	}
	if s.DisableLogTime {
		flag := stdlog.Lmsgprefix
		stdlog.SetFlags(0)
		log.SetFlags(flag)
		engine.SetLoggerFlag(flag)
		storage.SetLoggerFlag(flag)
	}
	if s.Debug {
		log.Printf("Server config: %#v", *s)
	}

	s.baseInfo = &BaseInfo{
		Uptime:  time.Now().Unix(),
		Title:   s.Title,
		Version: version,
		Runtime: strings.TrimPrefix(runtime.Version(), "go"),
	}

	c, err := engine.InitConf(s.ConfigPath)
	if err != nil {
		return err
	}
	if s.DebugTorrent {
		c.EngineDebug = true
	}
	s.baseInfo.AllowRuntimeConfigure = c.AllowRuntimeConfigure

	s.engine = engine.New()
	if err := s.engine.Configure(*c); err != nil {
		return fmt.Errorf("initial configure failed: %w", err)
	}
	s.state.Config = *c
	s.dlfilesh = http.StripPrefix("/download/", http.FileServer(http.Dir(c.DownloadDirectory)))

	s.backgroundRoutines()

	host := s.Host
	if host == "" {
		host = "0.0.0.0"
	}
	addr := fmt.Sprintf("%s:%d", host, s.Port)
	proto := "http"
	if isTLS {
		proto += "s"
	}
	if s.Open {
		openhost := host
		if openhost == "0.0.0.0" {
			openhost = "localhost"
		}
		go func() {
			time.Sleep(1 * time.Second)
			open.Run(fmt.Sprintf("%s://%s:%d", proto, openhost, s.Port))
		}()
	}

	log.Printf("Listening at %s://%s", proto, addr)
	server := http.Server{
		Addr:    addr,
		Handler: s.handler(),
	}
	defer s.engine.Close()
	if isTLS {
		return server.ListenAndServeTLS(s.CertPath, s.KeyPath)
	}
	return server.ListenAndServe()
}

// handler builds the handler chain, from last to first.
func (s *Server) handler() http.Handler {
	h := http.Handler(http.HandlerFunc(s.webHandle))
	//gzip
	gzipWrap, _ := gziphandler.NewGzipLevelAndMinSize(gzip.DefaultCompression, 0)
	h = gzipWrap(h)
	//auth
	if s.Auth != "" {
		user := s.Auth
		pass := ""
		if s := strings.SplitN(s.Auth, ":", 2); len(s) == 2 {
			user = s[0]
			pass = s[1]
		}
		h = cookieauth.New().SetUserPass(user, pass).Wrap(h)
		log.Printf("Enabled HTTP authentication")
	}
	h = httpmiddleware.Liveness(h, func() bool {
		return atomic.LoadInt32(&s.ready) == 1
	})
	if s.Log {
		h = requestlog.Wrap(h)
	}
	return h
}

// refresh pulls torrents, the download tree and system stats into the
// state. Concurrent calls collapse into one.
func (s *Server) refresh(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&s.refreshing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&s.refreshing, 0)

	ts := s.engine.GetTorrents()
	c := s.engine.Config()
	downloads := s.listFiles(c.DownloadDirectory)
	var st stats
	st.loadStats(ctx, c.DownloadDirectory)

	s.state.Lock()
	s.state.Torrents = ts
	s.state.Downloads = downloads
	s.state.Stats.System = st
	s.state.Unlock()
}
