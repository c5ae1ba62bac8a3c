// Package tlog is tgen's logging setup: one package-level logrus logger
// handing out *logrus.Entry values carrying the load-bearing "tag" field
// spec §6 names (stream-complete, stream-error, stream-status,
// driver-heartbeat), so a line-oriented reader greps the same tags the
// original emits while structured output still gets them as a field.
package tlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

const (
	TagStreamComplete  = "stream-complete"
	TagStreamError     = "stream-error"
	TagStreamStatus    = "stream-status"
	TagDriverHeartbeat = "driver-heartbeat"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetLevel adjusts the package logger's verbosity, e.g. from the Start
// vertex's loglevel attribute (spec §4.6 "loglevel").
func SetLevel(level logrus.Level) { base.SetLevel(level) }

// ParseLevel is logrus.ParseLevel re-exported so callers outside this
// package don't need a direct logrus import just to parse "info"/"debug".
func ParseLevel(s string) (logrus.Level, error) { return logrus.ParseLevel(s) }

// Tagged returns an Entry with the given tag field set, ready for a single
// structured log call.
func Tagged(tag string) *logrus.Entry { return base.WithField("tag", tag) }

// For returns an Entry scoped to a named component ("driver", "server",
// stream ID, ...), for general (untagged) log lines.
func For(component string) *logrus.Entry { return base.WithField("component", component) }
