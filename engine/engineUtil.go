package engine

import (
	"bufio"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"

	"github.com/anacrolix/torrent/metainfo"
)

func (e *Engine) isTaskInList(ih string) bool {
	e.RLock()
	defer e.RUnlock()
	_, ok := e.ts[ih]
	return ok
}

func (e *Engine) getTorrent(infohash string) (*Torrent, error) {
	e.RLock()
	defer e.RUnlock()
	ih := metainfo.NewHashFromHex(infohash)
	t, ok := e.ts[ih.HexString()]
	if !ok {
		return t, fmt.Errorf("Missing torrent %x", ih)
	}
	return t, nil
}

func (e *Engine) callDoneCmd(env []string) {
	c := e.Config()
	cmdPath, cmdEnv, err := c.GetCmdConfig()
	if err != nil {
		return
	}

	cmd := exec.Command(cmdPath)
	cmd.Env = append(cmdEnv, env...)
	sout, _ := cmd.StdoutPipe()
	serr, _ := cmd.StderrPipe()
	log.Printf("[DoneCmd] [%s] environ:%v", cmdPath, env)
	if err := cmd.Start(); err != nil {
		log.Println("[DoneCmd] Err:", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go cmdScanLine(sout, &wg, "[DoneCmd:stdout]")
	go cmdScanLine(serr, &wg, "[DoneCmd:stderr]")
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		log.Println("[DoneCmd] Err:", err)
		return
	}
	log.Println("[DoneCmd] Exit:", cmd.ProcessState.ExitCode())
}

func (e *Engine) UpdateTrackers() error {
	var txtlines []string
	url := e.Config().TrackerListURL

	if !strings.HasPrefix(url, "https://") {
		err := fmt.Errorf("UpdateTrackers: trackers url invalid: %s (only https:// supported), extra trackers list now empty.", url)
		log.Println(err.Error())
		e.Lock()
		e.bttracker = txtlines
		e.Unlock()
		return err
	}

	log.Printf("UpdateTrackers: loading trackers from %s\n", url)
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	scanner := bufio.NewScanner(resp.Body)
	scanner.Split(bufio.ScanLines)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		txtlines = append(txtlines, line)
	}

	e.Lock()
	e.bttracker = txtlines
	e.Unlock()
	log.Printf("UpdateTrackers: loaded %d trackers \n", len(txtlines))
	return nil
}
