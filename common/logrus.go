/*
 * Copyright (c) 2024, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"io"

	"github.com/halibiram/SimpleXray-sub004/common/stacktrace"
	"github.com/sirupsen/logrus"
)

// LogrusLogger implements Logger using logrus. The host supplies the
// output writer; the core itself never opens files.
type LogrusLogger struct {
	log *logrus.Logger
}

// NewLogrusLogger initializes a LogrusLogger writing JSON-formatted
// events to the given writer. The component name is attached to every
// event.
func NewLogrusLogger(output io.Writer, component string, debug bool) *LogrusLogger {
	log := logrus.New()
	log.SetOutput(output)
	log.SetFormatter(&logrus.JSONFormatter{})
	if debug {
		log.SetLevel(logrus.DebugLevel)
	}
	if component != "" {
		log.AddHook(&componentHook{component: component})
	}
	return &LogrusLogger{log: log}
}

func (logger *LogrusLogger) WithTrace() LogTrace {
	return &logrusTrace{
		entry: logger.log.WithField(
			"trace", stacktrace.GetParentFunctionName()),
	}
}

func (logger *LogrusLogger) WithTraceFields(fields LogFields) LogTrace {
	_, ok := fields["trace"]
	if ok {
		fields["fields.trace"] = fields["trace"]
	}
	fields["trace"] = stacktrace.GetParentFunctionName()
	return &logrusTrace{
		entry: logger.log.WithFields(logrus.Fields(fields)),
	}
}

func (logger *LogrusLogger) LogMetric(metric string, fields LogFields) {
	logger.log.WithFields(logrus.Fields(fields)).Info(metric)
}

type logrusTrace struct {
	entry *logrus.Entry
}

func (t *logrusTrace) Debug(args ...interface{})   { t.entry.Debug(args...) }
func (t *logrusTrace) Info(args ...interface{})    { t.entry.Info(args...) }
func (t *logrusTrace) Warning(args ...interface{}) { t.entry.Warning(args...) }
func (t *logrusTrace) Error(args ...interface{})   { t.entry.Error(args...) }

type componentHook struct {
	component string
}

func (hook *componentHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (hook *componentHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["component"]; !ok {
		entry.Data["component"] = hook.component
	}
	return nil
}
