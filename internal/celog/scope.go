// Package celog scopes logging to a single Compute Engine task. Scope values
// travel in the context handed to the task processor instead of living in
// goroutine-local state.
package celog

import (
	"cequeue/internal/domain"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logs opens task scopes. When Dir is set each task also gets its own log
// file named after the task uuid.
type Logs struct {
	Dir string
	Out io.Writer // process log output, os.Stdout when nil
}

type Scope struct {
	Logger zerolog.Logger
	Path   string

	file *os.File
	once sync.Once
}

// Enter returns ctx carrying the task logger. Exit must be called on the
// returned scope on every path, including after a panic.
func (l *Logs) Enter(ctx context.Context, t domain.Task) (context.Context, *Scope) {
	out := l.Out
	if out == nil {
		out = os.Stdout
	}

	s := &Scope{}
	if l.Dir != "" {
		path, file, err := l.open(t.UUID)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("task_uuid", t.UUID).Msg("task log file unavailable")
		} else {
			s.Path = path
			s.file = file
			out = zerolog.MultiLevelWriter(out, file)
		}
	}

	s.Logger = zerolog.New(out).With().
		Timestamp().
		Str("task_uuid", t.UUID).
		Str("task_type", t.Type).
		Str("component", t.ComponentKey).
		Logger()
	return s.Logger.WithContext(ctx), s
}

// Exit releases the scope. It is safe to call more than once.
func (s *Scope) Exit() error {
	var err error
	s.once.Do(func() {
		if s.file != nil {
			err = s.file.Close()
		}
	})
	return err
}

// Path returns where the log file of the given task lives, or "" when
// per-task files are disabled.
func (l *Logs) Path(uuid string) string {
	if l.Dir == "" {
		return ""
	}
	return filepath.Join(l.Dir, filepath.Base(uuid)+".log")
}

func (l *Logs) open(uuid string) (string, *os.File, error) {
	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create task log dir: %w", err)
	}
	path := l.Path(uuid)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", nil, fmt.Errorf("open task log: %w", err)
	}
	return path, f, nil
}
