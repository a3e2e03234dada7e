// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package console

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestWatch_StartAndQuit(t *testing.T) {
	var starts, quits int
	Watch(context.Background(), strings.NewReader("\nhello\nGO\nq\n\n"), Commands{
		Start: func() { starts++ },
		Quit:  func() { quits++ },
	})

	if starts != 2 {
		t.Errorf("expected 2 starts, got %d", starts)
	}
	if quits != 1 {
		t.Errorf("expected 1 quit, got %d", quits)
	}
}

func TestWatch_NilCommands(t *testing.T) {
	Watch(context.Background(), strings.NewReader("\nquit\n"), Commands{})
}

func TestWatch_ContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Watch(ctx, pr, Commands{})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestIsTerminal_RegularFile(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "x"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if IsTerminal(f) {
		t.Error("regular file reported as terminal")
	}
}
