/*
 * Copyright 2018 The CovenantGraph Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package log wraps logrus to provide a package scoped structured logger.
package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Severity levels re-exported for callers.
const (
	// PanicLevel level, highest level of severity.
	PanicLevel = logrus.PanicLevel
	// FatalLevel level. Logs and then calls `os.Exit(1)`.
	FatalLevel = logrus.FatalLevel
	// ErrorLevel level. Used for errors that should definitely be noted.
	ErrorLevel = logrus.ErrorLevel
	// WarnLevel level. Non-critical entries that deserve eyes.
	WarnLevel = logrus.WarnLevel
	// InfoLevel level. General operational entries.
	InfoLevel = logrus.InfoLevel
	// DebugLevel level. Very verbose logging.
	DebugLevel = logrus.DebugLevel
)

// Fields defines the field map to pass to `WithFields`.
type Fields = logrus.Fields

// Level aliases the logrus level type.
type Level = logrus.Level

var std = logrus.New()

// StandardLogger returns the shared logger instance.
func StandardLogger() *logrus.Logger {
	return std
}

// SetLevel sets the level of the standard logger.
func SetLevel(level Level) {
	std.SetLevel(level)
}

// GetLevel returns the level of the standard logger.
func GetLevel() Level {
	return std.GetLevel()
}

// SetOutput sets the output destination of the standard logger.
func SetOutput(out io.Writer) {
	std.SetOutput(out)
}

// SetStringLevel sets the logger level from a string form, falling back to
// the given default on parse failure.
func SetStringLevel(level string, defaultLevel Level) {
	if lv, err := logrus.ParseLevel(level); err != nil {
		std.SetLevel(defaultLevel)
	} else {
		std.SetLevel(lv)
	}
}

// WithField starts a new entry with a single field.
func WithField(key string, value interface{}) *logrus.Entry {
	return std.WithField(key, value)
}

// WithFields starts a new entry with the given field map.
func WithFields(fields Fields) *logrus.Entry {
	return std.WithFields(fields)
}

// WithError starts a new entry with the `error` field.
func WithError(err error) *logrus.Entry {
	return std.WithError(err)
}

// Debug logs a message at level Debug.
func Debug(args ...interface{}) {
	std.Debug(args...)
}

// Debugf logs a formatted message at level Debug.
func Debugf(format string, args ...interface{}) {
	std.Debugf(format, args...)
}

// Info logs a message at level Info.
func Info(args ...interface{}) {
	std.Info(args...)
}

// Infof logs a formatted message at level Info.
func Infof(format string, args ...interface{}) {
	std.Infof(format, args...)
}

// Warning logs a message at level Warn.
func Warning(args ...interface{}) {
	std.Warning(args...)
}

// Warningf logs a formatted message at level Warn.
func Warningf(format string, args ...interface{}) {
	std.Warningf(format, args...)
}

// Error logs a message at level Error.
func Error(args ...interface{}) {
	std.Error(args...)
}

// Errorf logs a formatted message at level Error.
func Errorf(format string, args ...interface{}) {
	std.Errorf(format, args...)
}

// Fatal logs a message at level Fatal then the process will exit with status 1.
func Fatal(args ...interface{}) {
	std.Fatal(args...)
}

// Fatalf logs a formatted message at level Fatal then the process will exit.
func Fatalf(format string, args ...interface{}) {
	std.Fatalf(format, args...)
}

// Panic logs a message at level Panic and panics.
func Panic(args ...interface{}) {
	std.Panic(args...)
}
