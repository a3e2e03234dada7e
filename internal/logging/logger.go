// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Options vem da seção logging de sender.yaml e receiver.yaml.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json ou text
	File   string // cópia opcional dos registros do console

	// Console é o destino principal; nil usa stdout. Veja ConsoleFor.
	Console io.Writer
}

// ConsoleFor escolhe o console de um processo que escreve a imagem em path.
// Com a imagem em stdout ("-"), os logs vão para stderr.
func ConsoleFor(path string) io.Writer {
	if path == "-" {
		return os.Stderr
	}
	return os.Stdout
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger monta o logger do processo. O Closer fecha logging.file e é
// no-op sem arquivo. Se o arquivo não abrir, o processo segue só no console.
func NewLogger(opts Options) (*slog.Logger, io.Closer) {
	out := opts.Console
	if out == nil {
		out = os.Stdout
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		if f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			out = io.MultiWriter(out, f)
			closer = f
		} else {
			fmt.Fprintf(os.Stderr, "ncast: log file %s unavailable, using console only: %v\n", opts.File, err)
		}
	}

	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	if strings.EqualFold(opts.Format, "text") {
		return slog.New(slog.NewTextHandler(out, hopts)), closer
	}
	return slog.New(slog.NewJSONHandler(out, hopts)), closer
}

// ParseLevel aceita os nomes de nível do slog sem diferenciar maiúsculas,
// mais "warning". Qualquer outro valor vale info.
func ParseLevel(name string) slog.Level {
	if strings.EqualFold(name, "warning") {
		return slog.LevelWarn
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
