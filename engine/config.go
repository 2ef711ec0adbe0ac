package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/spf13/viper"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v2"
)

const (
	ForbidRuntimeChange uint8 = 1 << iota
	NeedEngineReConfig
	NeedRestartWatch
	NeedUpdateTracker
	NeedLoadWaitList
)

const (
	defaultTrackerListURL = "https://raw.githubusercontent.com/ngosang/trackerslist/master/trackers_best.txt"
)

type Config struct {
	AutoStart             bool   `yaml:"AutoStart"`
	EngineDebug           bool   `yaml:"EngineDebug"`
	MuteEngineLog         bool   `yaml:"MuteEngineLog"`
	DisableTrackers       bool   `yaml:"DisableTrackers"`
	DownloadDirectory     string `yaml:"DownloadDirectory"`
	WatchDirectory        string `yaml:"WatchDirectory"`
	EnableUpload          bool   `yaml:"EnableUpload"`
	IncomingPort          int    `yaml:"IncomingPort"`
	DoneCmd               string `yaml:"DoneCmd"`
	UploadRate            string `yaml:"UploadRate"`
	DownloadRate          string `yaml:"DownloadRate"`
	TrackerListURL        string `yaml:"TrackerListURL"`
	AlwaysAddTrackers     bool   `yaml:"AlwaysAddTrackers"`
	StaticPeers           string `yaml:"StaticPeers"`
	MaxConcurrentTask     int    `yaml:"MaxConcurrentTask"`
	MaxInFlight           int    `yaml:"MaxInFlight"`
	MaxPeerConns          int    `yaml:"MaxPeerConns"`
	AllowRuntimeConfigure bool   `yaml:"AllowRuntimeConfigure"`
}

func InitConf(specPath string) (*Config, error) {

	viper.SetConfigName("selective-torrent")
	viper.AddConfigPath("/etc/selective-torrent/")
	viper.AddConfigPath("/etc/")
	viper.AddConfigPath("$HOME/.selective-torrent")
	viper.AddConfigPath(".")

	viper.SetDefault("DownloadDirectory", "./downloads")
	viper.SetDefault("WatchDirectory", "./torrents")
	viper.SetDefault("EnableUpload", true)
	viper.SetDefault("AutoStart", true)
	viper.SetDefault("DoneCmd", "")
	viper.SetDefault("IncomingPort", 6881)
	viper.SetDefault("TrackerListURL", defaultTrackerListURL)
	viper.SetDefault("MaxConcurrentTask", 0)
	viper.SetDefault("MaxInFlight", 10)
	viper.SetDefault("MaxPeerConns", 50)
	viper.SetDefault("AllowRuntimeConfigure", true)

	// user specific config path
	if stat, err := os.Stat(specPath); stat != nil && err == nil {
		viper.SetConfigFile(specPath)
	}

	configExists := true
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || strings.Contains(err.Error(), "Not Found") {
			configExists = false
			if specPath == "" {
				specPath = "./selective-torrent.yaml"
			}
			viper.SetConfigFile(specPath)
		} else {
			return nil, err
		}
	}

	c := &Config{}
	if err := viper.Unmarshal(c); err != nil {
		return nil, err
	}

	dirChanged, err := c.NormlizeConfigDir()
	if err != nil {
		return nil, err
	}
	if dirChanged {
		viper.Set("DownloadDirectory", c.DownloadDirectory)
		viper.Set("WatchDirectory", c.WatchDirectory)
	}

	cf := viper.ConfigFileUsed()
	log.Println("[config] selected config file: ", cf)
	if !configExists || dirChanged {
		if err := c.WriteYaml(); err != nil {
			log.Println("[config] config file write failed: ", err)
		} else {
			log.Println("[config] config file written: ", cf, "exists:", configExists, "dirchanged", dirChanged)
		}
	}

	return c, nil
}

func (c *Config) NormlizeConfigDir() (bool, error) {
	var changed bool
	if c.DownloadDirectory != "" {
		dldir, err := filepath.Abs(c.DownloadDirectory)
		if err != nil {
			return false, fmt.Errorf("ERROR: Invalid path %s, %w", c.DownloadDirectory, err)
		}
		if c.DownloadDirectory != dldir {
			changed = true
			c.DownloadDirectory = dldir
		}
	}

	if c.WatchDirectory != "" {
		wdir, err := filepath.Abs(c.WatchDirectory)
		if err != nil {
			return false, fmt.Errorf("ERROR: Invalid path %s, %w", c.WatchDirectory, err)
		}
		if c.WatchDirectory != wdir {
			changed = true
			c.WatchDirectory = wdir
		}
	}

	return changed, nil
}

func (c *Config) UploadLimiter() *rate.Limiter {
	l, err := rateLimiter(c.UploadRate)
	if err != nil {
		log.Printf("RateLimit [%s] unreconized, set as unlimited", c.UploadRate)
		c.UploadRate = ""
		return rate.NewLimiter(rate.Inf, 0)
	}
	return l
}

func (c *Config) DownloadLimiter() *rate.Limiter {
	l, err := rateLimiter(c.DownloadRate)
	if err != nil {
		log.Printf("RateLimit [%s] unreconized, set as unlimited", c.DownloadRate)
		c.DownloadRate = ""
		return rate.NewLimiter(rate.Inf, 0)
	}
	return l
}

// Peers splits StaticPeers into host:port addresses.
func (c *Config) Peers() []string {
	var peers []string
	for _, p := range strings.FieldsFunc(c.StaticPeers, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n'
	}) {
		peers = append(peers, p)
	}
	return peers
}

func (c *Config) Validate(nc *Config) uint8 {

	var status uint8

	if c.DoneCmd != nc.DoneCmd {
		status |= ForbidRuntimeChange
	}
	if c.WatchDirectory != nc.WatchDirectory {
		status |= NeedRestartWatch
	}
	if c.TrackerListURL != nc.TrackerListURL {
		status |= NeedUpdateTracker
	}
	if c.MaxConcurrentTask < nc.MaxConcurrentTask {
		status |= NeedLoadWaitList
	}

	rfc := reflect.ValueOf(c)
	rfnc := reflect.ValueOf(nc)

	for _, field := range []string{"IncomingPort", "DownloadDirectory",
		"EngineDebug", "MuteEngineLog", "EnableUpload", "UploadRate",
		"DownloadRate", "DisableTrackers", "MaxInFlight", "MaxPeerConns"} {

		cval := reflect.Indirect(rfc).FieldByName(field)
		ncval := reflect.Indirect(rfnc).FieldByName(field)

		if cval.Interface() != ncval.Interface() {
			status |= NeedEngineReConfig
			break
		}
	}

	return status
}

func (c *Config) SyncViper(nc Config) {
	cv := reflect.ValueOf(*c)
	nv := reflect.ValueOf(nc)
	typeOfC := cv.Type()
	for i := 0; i < typeOfC.NumField(); i++ {
		if cv.Field(i).Interface() != nv.Field(i).Interface() {
			name := typeOfC.Field(i).Name
			oval := cv.Field(i).Interface()
			val := nv.Field(i).Interface()
			viper.Set(name, val)
			log.Println("config updated ", name, ": ", oval, " -> ", val)
		}
	}
}

func (c *Config) WriteYaml() error {
	cf := viper.ConfigFileUsed()
	d, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(cf, d, 0666)
}

func (c *Config) GetCmdConfig() (string, []string, error) {
	if c.DoneCmd == "" {
		return "", nil, fmt.Errorf("unconfigred Donecmd")
	}
	env := append(os.Environ(), fmt.Sprintf("CLD_DIR=%s", c.DownloadDirectory))
	return c.DoneCmd, env, nil
}
