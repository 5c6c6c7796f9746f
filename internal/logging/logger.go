package logging

import (
	"os"

	log "github.com/sirupsen/logrus"
)

var base = newBase()

var (
	Scanner  = base.WithField("component", "scanner")
	Store    = base.WithField("component", "store")
	RPC      = base.WithField("component", "rpc")
	Gateway  = base.WithField("component", "gateway")
	Archive  = base.WithField("component", "archive")
	Internal = base.WithField("component", "internal")
	HTTP     = base.WithField("component", "http")
)

func newBase() *log.Logger {
	l := log.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	return l
}

// Configure sets the level and output format shared by every component logger.
func Configure(level string, json bool) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}
	base.SetLevel(lvl)
	if json {
		base.SetFormatter(&log.JSONFormatter{})
	} else {
		base.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Logger returns the underlying logger, mainly so tests can silence it.
func Logger() *log.Logger {
	return base
}
