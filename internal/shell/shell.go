// Package shell is the desktop side of the client. The CLI has no tray or
// notification center, so notifications are written to the log.
package shell

import "go.uber.org/zap"

type Host interface {
	Notify(title, body string)
}

// Log shows notifications as log lines.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log.Named("shell")}
}

func (l *Log) Notify(title, body string) {
	l.log.Info(title, zap.String("body", body))
}
