// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package console lê os comandos do operador no terminal.
package console

import (
	"bufio"
	"context"
	"io"
	"os"
	"strings"
)

// Commands associa ações às linhas digitadas pelo operador.
type Commands struct {
	Start func() // Enter (linha vazia) ou "go"
	Quit  func() // "q" ou "quit"
}

// IsTerminal informa se f é um terminal interativo.
func IsTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Watch lê linhas de r até EOF, Quit ou cancelamento de ctx.
// Linhas desconhecidas são ignoradas.
func Watch(ctx context.Context, r io.Reader, cmds Commands) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "", "go":
				if cmds.Start != nil {
					cmds.Start()
				}
			case "q", "quit":
				if cmds.Quit != nil {
					cmds.Quit()
				}
				return
			}
		}
	}
}
