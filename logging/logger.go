// Package logging holds the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is shared by every package. It logs text at info level until Init runs.
var Logger = logrus.New()

// Options selects how Init configures Logger.
type Options struct {
	Service string
	Level   string
	// Format is "json" or "text"; anything else means json.
	Format string
	Output io.Writer
}

// serviceHook stamps every entry with the service name unless the caller set one.
type serviceHook struct {
	service string
}

func (h serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = h.service
	}
	return nil
}

// Init applies opts to Logger. It replaces earlier hooks so calling it twice
// does not duplicate fields.
func Init(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	Logger.SetOutput(out)
	Logger.ReplaceHooks(make(logrus.LevelHooks))

	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level)))
	if err != nil {
		level = logrus.InfoLevel
		if opts.Level != "" {
			defer Logger.WithField("configured", opts.Level).Warn("unknown log level, using info")
		}
	}
	Logger.SetLevel(level)

	if strings.EqualFold(opts.Format, "text") {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		Logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime: "ts",
				logrus.FieldKeyMsg:  "msg",
			},
		})
	}

	if opts.Service != "" {
		Logger.AddHook(serviceHook{service: opts.Service})
	}
}
