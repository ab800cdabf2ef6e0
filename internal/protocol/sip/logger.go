package sip

import (
	"context"
	"log/slog"

	gosiplog "github.com/ghettovoice/gosip/log"
	"github.com/sirupsen/logrus"
)

// loggerAdapter adapts a logrus entry to the gosip Logger interface.
type loggerAdapter struct {
	entry  *logrus.Entry
	prefix string
}

// newLogger builds the parser logger. Without an explicit level it follows
// the level enabled on the default slog logger.
func newLogger(level string) (*loggerAdapter, error) {
	l := logrus.New()
	if level == "" {
		l.SetLevel(fromSlog())
	} else {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		l.SetLevel(lvl)
	}
	l.SetFormatter(&logrus.JSONFormatter{})
	return &loggerAdapter{entry: logrus.NewEntry(l).WithField("component", "gosip")}, nil
}

func fromSlog() logrus.Level {
	ctx := context.Background()
	h := slog.Default().Handler()
	switch {
	case h.Enabled(ctx, slog.LevelDebug):
		return logrus.DebugLevel
	case h.Enabled(ctx, slog.LevelInfo):
		return logrus.InfoLevel
	case h.Enabled(ctx, slog.LevelWarn):
		return logrus.WarnLevel
	default:
		return logrus.ErrorLevel
	}
}

func (la *loggerAdapter) Fields() gosiplog.Fields {
	return gosiplog.Fields(la.entry.Data)
}

func (la *loggerAdapter) WithFields(fields map[string]interface{}) gosiplog.Logger {
	return &loggerAdapter{entry: la.entry.WithFields(fields), prefix: la.prefix}
}

func (la *loggerAdapter) Prefix() string {
	return la.prefix
}

func (la *loggerAdapter) WithPrefix(prefix string) gosiplog.Logger {
	return &loggerAdapter{entry: la.entry.WithField("prefix", prefix), prefix: prefix}
}

func (la *loggerAdapter) Print(args ...interface{}) {
	la.entry.Print(args...)
}

func (la *loggerAdapter) Printf(format string, args ...interface{}) {
	la.entry.Printf(format, args...)
}

func (la *loggerAdapter) Trace(args ...interface{}) {
	la.entry.Trace(args...)
}

func (la *loggerAdapter) Tracef(format string, args ...interface{}) {
	la.entry.Tracef(format, args...)
}

func (la *loggerAdapter) Debug(args ...interface{}) {
	la.entry.Debug(args...)
}

func (la *loggerAdapter) Debugf(format string, args ...interface{}) {
	la.entry.Debugf(format, args...)
}

func (la *loggerAdapter) Info(args ...interface{}) {
	la.entry.Info(args...)
}

func (la *loggerAdapter) Infof(format string, args ...interface{}) {
	la.entry.Infof(format, args...)
}

func (la *loggerAdapter) Warn(args ...interface{}) {
	la.entry.Warn(args...)
}

func (la *loggerAdapter) Warnf(format string, args ...interface{}) {
	la.entry.Warnf(format, args...)
}

func (la *loggerAdapter) Error(args ...interface{}) {
	la.entry.Error(args...)
}

func (la *loggerAdapter) Errorf(format string, args ...interface{}) {
	la.entry.Errorf(format, args...)
}

// Fatal and Panic never stop the process: a malformed packet is not fatal.
func (la *loggerAdapter) Fatal(args ...interface{}) {
	la.entry.Error(args...)
}

func (la *loggerAdapter) Fatalf(format string, args ...interface{}) {
	la.entry.Errorf(format, args...)
}

func (la *loggerAdapter) Panic(args ...interface{}) {
	la.entry.Error(args...)
}

func (la *loggerAdapter) Panicf(format string, args ...interface{}) {
	la.entry.Errorf(format, args...)
}

func (la *loggerAdapter) SetLevel(level uint32) {
	la.entry.Logger.SetLevel(logrus.Level(level))
}
