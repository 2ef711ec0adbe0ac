package storage

import (
	stdlog "log"
	"os"
)

var log = stdlog.New(os.Stdout, "[storage] ", stdlog.LstdFlags|stdlog.Lmsgprefix)

// SetLoggerFlag adjusts the flags of the storage logger, e.g. to drop
// timestamps when running under a supervisor that adds its own.
func SetLoggerFlag(flag int) {
	log.SetFlags(flag)
}
