/*
   Harrier - Fleet Forensics
   Copyright (C) 2026 Harrier Project.

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published
   by the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	rotatelogs "github.com/Velocidex/file-rotatelogs"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"

	"github.com/harrier-ir/harrier/config"
)

// Loggers are cached per component so services can cheaply call
// GetLogger() at each call site.
var (
	mu      sync.Mutex
	manager *LogManager

	// Tags like <green>...</> are allowed in log messages for
	// terminal output. They are stripped before hitting log files.
	tag_regex = regexp.MustCompile(`<[^>]+?>`)

	FrontendComponent = "frontend"
	ForemanComponent  = "foreman"
	HuntComponent     = "hunts"
)

type LogContext struct {
	*logrus.Logger
}

func (self *LogContext) Info(format string, v ...interface{}) {
	if self.Logger != nil {
		self.Logger.Info(fmt.Sprintf(format, v...))
	}
}

func (self *LogContext) Warn(format string, v ...interface{}) {
	if self.Logger != nil {
		self.Logger.Warn(fmt.Sprintf(format, v...))
	}
}

func (self *LogContext) Error(format string, v ...interface{}) {
	if self.Logger != nil {
		self.Logger.Error(fmt.Sprintf(format, v...))
	}
}

func (self *LogContext) Debug(format string, v ...interface{}) {
	if self.Logger != nil {
		self.Logger.Debug(fmt.Sprintf(format, v...))
	}
}

type LogManager struct {
	mu       sync.Mutex
	contexts map[string]*LogContext
}

func (self *LogManager) GetLogger(
	config_obj *config.Config, component *string) *LogContext {
	self.mu.Lock()
	defer self.mu.Unlock()

	ctx, pres := self.contexts[*component]
	if pres {
		return ctx
	}

	logger := logrus.New()
	logger.Out = os.Stderr
	logger.Level = logrus.InfoLevel
	logger.Formatter = &stripTagsFormatter{&logrus.TextFormatter{
		DisableColors:   false,
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	}}

	if config_obj != nil && config_obj.Logging != nil {
		if config_obj.Logging.Debug {
			logger.Level = logrus.DebugLevel
		}

		if config_obj.Logging.OutputDirectory != "" {
			hook, err := makeFileHook(config_obj, *component)
			if err == nil {
				logger.Hooks.Add(hook)
			}
		}
	}

	ctx = &LogContext{logger}
	self.contexts[*component] = ctx
	return ctx
}

// Write each component's log stream into its own rotated file.
func makeFileHook(config_obj *config.Config, component string) (
	logrus.Hook, error) {

	base := filepath.Join(
		config_obj.Logging.OutputDirectory, "harrier_"+component)

	max_age := time.Duration(config_obj.Logging.MaxAgeDays) * 24 * time.Hour
	if max_age == 0 {
		max_age = 365 * 24 * time.Hour
	}

	pathmap := lfshook.WriterMap{}
	for _, level := range []logrus.Level{
		logrus.DebugLevel, logrus.InfoLevel,
		logrus.WarnLevel, logrus.ErrorLevel} {
		writer, err := rotatelogs.New(
			base+".log.%Y%m%d%H%M",
			rotatelogs.WithLinkName(base+".log"),
			rotatelogs.WithMaxAge(max_age),
			rotatelogs.WithRotationTime(24*time.Hour),
		)
		if err != nil {
			return nil, err
		}
		pathmap[level] = writer
	}

	return lfshook.NewHook(pathmap, &stripTagsFormatter{
		&logrus.JSONFormatter{}}), nil
}

type stripTagsFormatter struct {
	next logrus.Formatter
}

func (self *stripTagsFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	entry.Message = tag_regex.ReplaceAllString(entry.Message, "")
	return self.next.Format(entry)
}

func GetLogger(config_obj *config.Config, component *string) *LogContext {
	mu.Lock()
	defer mu.Unlock()

	if manager == nil {
		manager = &LogManager{
			contexts: make(map[string]*LogContext),
		}
	}

	return manager.GetLogger(config_obj, component)
}
