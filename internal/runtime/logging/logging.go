package logging

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields holds structured key/value pairs attached to a log entry.
type LogFields map[string]any

// ServiceLogger is the logging contract shared by the pipeline, the
// orchestrator, the reconciler and the watermill runtime.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

var slogLevels = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// NewSlogServiceLogger routes a slog.Logger through watermill's slog adapter.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("isoflow: slog logger cannot be nil")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLoggerWithLevelMapping(log, slogLevels))
}

// NewWatermillServiceLogger wraps an existing watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("isoflow: watermill logger cannot be nil")
	}
	return &watermillLogger{inner: logger}
}

// NewNopLogger discards everything. Components fall back to it when no logger is supplied.
func NewNopLogger() ServiceLogger {
	return NewWatermillServiceLogger(watermill.NopLogger{})
}

// OrNop returns log, or a discarding logger when log is nil.
func OrNop(log ServiceLogger) ServiceLogger {
	if log == nil {
		return NewNopLogger()
	}
	return log
}

type watermillLogger struct {
	inner watermill.LoggerAdapter
}

func (w *watermillLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return w
	}
	return &watermillLogger{inner: w.inner.With(watermill.LogFields(fields))}
}

func (w *watermillLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, toWatermill(fields))
}

func (w *watermillLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, toWatermill(fields))
}

func (w *watermillLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, toWatermill(fields))
}

func (w *watermillLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, toWatermill(fields))
}

type adapter struct {
	base ServiceLogger
}

// NewWatermillAdapter exposes a ServiceLogger to watermill routers, publishers and subscribers.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	if log == nil {
		panic("isoflow: ServiceLogger cannot be nil")
	}
	if wl, ok := log.(*watermillLogger); ok {
		return wl.inner
	}
	return &adapter{base: log}
}

func (a *adapter) Error(msg string, err error, fields watermill.LogFields) {
	a.base.Error(msg, err, fromWatermill(fields))
}

func (a *adapter) Info(msg string, fields watermill.LogFields) {
	a.base.Info(msg, fromWatermill(fields))
}

func (a *adapter) Debug(msg string, fields watermill.LogFields) {
	a.base.Debug(msg, fromWatermill(fields))
}

func (a *adapter) Trace(msg string, fields watermill.LogFields) {
	a.base.Trace(msg, fromWatermill(fields))
}

func (a *adapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &adapter{base: a.base.With(fromWatermill(fields))}
}

func toWatermill(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermill(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}
