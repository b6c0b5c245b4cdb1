/*
 *
 * k6 - a next-generation load testing tool
 * Copyright (C) 2020 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package log

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// fileHookBufferSize is the size of the fileHook's loglines channel.
const fileHookBufferSize = 100

// fileHook copies log entries into a local file. Writes happen on a
// background goroutine that flushes and closes the file once ctx is done.
type fileHook struct {
	fallbackLogger logrus.FieldLogger
	loglines       chan []byte
	path           string
	w              io.WriteCloser
	bw             *bufio.Writer
	levels         []logrus.Level
	done           chan struct{}
}

// NewFileHook returns a hook appending entries of level and above to path.
// An empty level means every level.
func NewFileHook(
	ctx context.Context, fallbackLogger logrus.FieldLogger, path, level string,
) (logrus.Hook, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path must not be empty")
	}
	hook := &fileHook{
		fallbackLogger: fallbackLogger,
		path:           path,
		levels:         logrus.AllLevels,
		done:           make(chan struct{}),
	}
	if level != "" {
		levels, err := levelsUpTo(level)
		if err != nil {
			return nil, err
		}
		hook.levels = levels
	}
	if err := hook.openFile(); err != nil {
		return nil, err
	}
	hook.loglines = hook.loop(ctx)

	return hook, nil
}

// openFile opens logfile and initializes writers.
func (h *fileHook) openFile() error {
	if _, err := os.Stat(filepath.Dir(h.path)); os.IsNotExist(err) {
		return fmt.Errorf("provided directory '%s' does not exist", filepath.Dir(h.path))
	}

	file, err := os.OpenFile(h.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open logfile %s: %w", h.path, err)
	}

	h.w = file
	h.bw = bufio.NewWriter(file)

	return nil
}

func (h *fileHook) loop(ctx context.Context) chan []byte {
	loglines := make(chan []byte, fileHookBufferSize)

	go func() {
		defer close(h.done)
		for {
			select {
			case entry := <-loglines:
				if _, err := h.bw.Write(entry); err != nil {
					h.fallbackLogger.Errorf("failed to write a log message to a logfile: %v", err)
				}
			case <-ctx.Done():
				// drain what was queued before shutdown
			drain:
				for {
					select {
					case entry := <-loglines:
						_, _ = h.bw.Write(entry)
					default:
						break drain
					}
				}
				if err := h.bw.Flush(); err != nil {
					h.fallbackLogger.Errorf("failed to flush buffer: %v", err)
				}
				if err := h.w.Close(); err != nil {
					h.fallbackLogger.Errorf("failed to close logfile: %v", err)
				}
				return
			}
		}
	}()

	return loglines
}

// Fire queues the entry for writing.
func (h *fileHook) Fire(entry *logrus.Entry) error {
	message, err := entry.Bytes()
	if err != nil {
		return fmt.Errorf("failed to get a log entry bytes: %w", err)
	}

	select {
	case h.loglines <- message:
	case <-h.done:
	}
	return nil
}

// Levels returns configured log levels.
func (h *fileHook) Levels() []logrus.Level {
	return h.levels
}
