// Package xlog is a thin facade over apex/log so the rest of the module
// never imports the logging backend directly.
package xlog

import "github.com/apex/log"

// F is a shorthand for structured log fields.
type F = log.Fields

func Debug(msg string, fields ...F) {
	entry(fields).Debug(msg)
}

func Debugf(format string, args ...interface{}) {
	log.Debugf(format, args...)
}

func Info(msg string, fields ...F) {
	entry(fields).Info(msg)
}

func Infof(format string, args ...interface{}) {
	log.Infof(format, args...)
}

func Warn(msg string, fields ...F) {
	entry(fields).Warn(msg)
}

func Warnf(format string, args ...interface{}) {
	log.Warnf(format, args...)
}

func Error(msg string, fields ...F) {
	entry(fields).Error(msg)
}

func Errorf(format string, args ...interface{}) {
	log.Errorf(format, args...)
}

func entry(fields []F) *log.Entry {
	if len(fields) == 0 {
		return log.WithFields(log.Fields{})
	}
	return log.WithFields(fields[0])
}
