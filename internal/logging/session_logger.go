// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// teeHandler entrega o registro ao log do processo e ao arquivo da sessão.
// Cada lado aplica o próprio nível. Falha no arquivo não afeta o processo.
type teeHandler struct {
	process slog.Handler
	session slog.Handler
}

func (t teeHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return t.process.Enabled(ctx, l) || t.session.Enabled(ctx, l)
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if t.process.Enabled(ctx, r.Level) {
		err = t.process.Handle(ctx, r.Clone())
	}
	if t.session.Enabled(ctx, r.Level) {
		t.session.Handle(ctx, r)
	}
	return err
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{t.process.WithAttrs(attrs), t.session.WithAttrs(attrs)}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{t.process.WithGroup(name), t.session.WithGroup(name)}
}

// NewSessionLogger devolve o logger de uma sessão sender ou receiver,
// já com os atributos role e session. Com dir preenchido os registros
// também vão, em JSON e nível debug, para SessionLogPath(dir, role, id).
// O Closer fecha esse arquivo e deve ser chamado ao fim da sessão.
func NewSessionLogger(base *slog.Logger, dir, role, id string) (*slog.Logger, io.Closer, string, error) {
	if dir == "" {
		return base.With("role", role, "session", id), io.NopCloser(nil), "", nil
	}

	path := SessionLogPath(dir, role, id)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, "", fmt.Errorf("session log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("session log file: %w", err)
	}

	h := teeHandler{
		process: base.Handler(),
		session: slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}),
	}
	return slog.New(h).With("role", role, "session", id), f, path, nil
}

func SessionLogPath(dir, role, id string) string {
	return filepath.Join(dir, role, id+".log")
}

// RemoveSessionLog apaga o log de uma sessão concluída sem erro, salvo com
// logging.keep_session_logs.
func RemoveSessionLog(dir, role, id string) {
	if dir != "" {
		os.Remove(SessionLogPath(dir, role, id))
	}
}
