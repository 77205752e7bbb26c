package app

import (
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
)

// temporalLogger пересылает логи SDK Temporal в zap.
type temporalLogger struct {
	s *zap.SugaredLogger
}

var _ log.Logger = (*temporalLogger)(nil)

func NewTemporalLogger(logger *zap.Logger) log.Logger {
	return &temporalLogger{s: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) { l.s.Debugw(msg, keyvals...) }
func (l *temporalLogger) Info(msg string, keyvals ...interface{})  { l.s.Infow(msg, keyvals...) }
func (l *temporalLogger) Warn(msg string, keyvals ...interface{})  { l.s.Warnw(msg, keyvals...) }
func (l *temporalLogger) Error(msg string, keyvals ...interface{}) { l.s.Errorw(msg, keyvals...) }

// With нужен SDK, чтобы дописывать поля воркера и активити.
func (l *temporalLogger) With(keyvals ...interface{}) log.Logger {
	return &temporalLogger{s: l.s.With(keyvals...)}
}
