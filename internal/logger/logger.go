// Package logger provides the small logging interface used throughout
// the peer engine, backed by zap's sugared logger.
package logger

import "go.uber.org/zap"

// Logger is the logging surface every actor-style component holds.
// Kept intentionally narrow so call sites read like the teacher's.
type Logger interface {
	Debug(args ...interface{})
	Debugln(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infoln(args ...interface{})
	Infof(format string, args ...interface{})
	Warningln(args ...interface{})
	Error(args ...interface{})
	Errorln(args ...interface{})
	Errorf(format string, args ...interface{})
}

var base *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	base = l.Sugar()
}

type sugared struct {
	s *zap.SugaredLogger
}

// New returns a Logger scoped under the given component name, mirroring
// the teacher's logger.New("session")-style construction.
func New(name string) Logger {
	return &sugared{s: base.Named(name)}
}

func (l *sugared) Debug(args ...interface{})                 { l.s.Debug(args...) }
func (l *sugared) Debugln(args ...interface{})                { l.s.Debug(args...) }
func (l *sugared) Debugf(format string, args ...interface{})  { l.s.Debugf(format, args...) }
func (l *sugared) Info(args ...interface{})                   { l.s.Info(args...) }
func (l *sugared) Infoln(args ...interface{})                 { l.s.Info(args...) }
func (l *sugared) Infof(format string, args ...interface{})   { l.s.Infof(format, args...) }
func (l *sugared) Warningln(args ...interface{})              { l.s.Warn(args...) }
func (l *sugared) Error(args ...interface{})                  { l.s.Error(args...) }
func (l *sugared) Errorln(args ...interface{})                { l.s.Error(args...) }
func (l *sugared) Errorf(format string, args ...interface{})  { l.s.Errorf(format, args...) }
