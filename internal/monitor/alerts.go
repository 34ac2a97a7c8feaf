package monitor

import "go.uber.org/zap"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink delivers alerts as error-level log lines.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Send(message string) error {
	s.Logger.Error("alert", zap.String("message", message))
	return nil
}
