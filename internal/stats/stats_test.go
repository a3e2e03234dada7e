// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package stats

import (
	"bytes"
	"encoding/csv"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestCounters_Snapshot(t *testing.T) {
	var c Counters
	c.AddBytes(4096)
	c.AddPackets(3)
	c.AddRetransmits(1)
	c.AddRound()
	c.AddSlice()
	c.SetSliceSize(64)
	c.SetClients(2)

	snap := c.Snapshot()
	if snap.Bytes != 4096 || snap.Packets != 3 || snap.Retransmits != 1 || snap.Rounds != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.SliceSize != 64 || snap.Clients != 2 || snap.Slices != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.ElapsedS != 0 {
		t.Errorf("elapsed should be zero before MarkStart, got %f", snap.ElapsedS)
	}

	c.MarkStart()
	time.Sleep(10 * time.Millisecond)
	if c.Snapshot().ElapsedS <= 0 {
		t.Error("elapsed should be positive after MarkStart")
	}
}

func TestTrace_WriteCSV(t *testing.T) {
	tr := NewTrace()
	base := tr.origin
	tr.Record("slice", base.Add(10*time.Millisecond), base.Add(25*time.Millisecond))
	tr.Record("write", base.Add(30*time.Millisecond), base.Add(31500*time.Microsecond))

	var buf bytes.Buffer
	if err := tr.WriteCSV(&buf); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parsing csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	if strings.Join(rows[0], ",") != "event,start_ms,end_ms" {
		t.Errorf("unexpected header %v", rows[0])
	}
	if strings.Join(rows[1], ",") != "slice,10.000,25.000" {
		t.Errorf("unexpected row %v", rows[1])
	}
	if strings.Join(rows[2], ",") != "write,30.000,31.500" {
		t.Errorf("unexpected row %v", rows[2])
	}
}

func TestTrace_NilIgnoresRecord(t *testing.T) {
	var tr *Trace
	tr.Record("x", time.Now(), time.Now()) // não deve entrar em pânico
}

func TestIOStats_Observe(t *testing.T) {
	tr := NewTrace()
	s := NewIOStats("write", tr)
	s.Observe(1000, time.Now().Add(-2*time.Millisecond))
	s.Observe(500, time.Now())

	sum := s.Summary()
	if sum.Ops != 2 || sum.Bytes != 1500 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if sum.Max < 2*time.Millisecond {
		t.Errorf("max should be >= 2ms, got %v", sum.Max)
	}
	if len(tr.Events()) != 2 {
		t.Errorf("expected 2 trace events, got %d", len(tr.Events()))
	}
}

func TestProgressReporter_FinalLine(t *testing.T) {
	var c Counters
	c.MarkStart()
	c.AddBytes(3 * 1024 * 1024)
	c.SetSliceSize(128)
	c.SetClients(4)

	var out bytes.Buffer
	p := &ProgressReporter{
		name:      "sender",
		counters:  &c,
		out:       &out,
		startTime: time.Now(),
		lastTime:  time.Now(),
		done:      make(chan struct{}),
	}
	p.Stop()

	line := out.String()
	for _, want := range []string{"[sender]", "3.0 MB", "slice 128", "clients 4"} {
		if !strings.Contains(line, want) {
			t.Errorf("progress line missing %q: %q", want, line)
		}
	}
	if !strings.HasSuffix(line, "\n") {
		t.Error("final line should end with newline")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	if got := FormatDuration(75 * time.Second); got != "1:15" {
		t.Errorf("got %q", got)
	}
	if got := FormatDuration(3723 * time.Second); got != "1:02:03" {
		t.Errorf("got %q", got)
	}
}

func TestFormatNumber(t *testing.T) {
	if got := FormatNumber(1234567); got != "1,234,567" {
		t.Errorf("got %q", got)
	}
	if got := FormatNumber(999); got != "999" {
		t.Errorf("got %q", got)
	}
}

func TestReporter_StartStop(t *testing.T) {
	var c Counters
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	r := NewReporter(&c, nil, logger, 10*time.Millisecond)
	r.Start()
	time.Sleep(50 * time.Millisecond)
	r.Stop()

	if !strings.Contains(buf.String(), "transfer stats") {
		t.Errorf("expected at least one stats line, got %q", buf.String())
	}
}

func TestHostMonitor_StopWithoutStart(t *testing.T) {
	m := NewHostMonitor(slog.New(slog.NewTextHandler(io.Discard, nil)), "", "", 0)
	m.Stop()
	if m.Sample() != (HostSample{}) {
		t.Fatal("sample should be empty before start")
	}
}

func TestHostMonitor_SampleAfterStart(t *testing.T) {
	m := NewHostMonitor(slog.New(slog.NewTextHandler(io.Discard, nil)), t.TempDir(), "", time.Hour)
	m.Start()
	m.Stop()
	// o loop coleta uma vez antes de aguardar o ticker
	if s := m.Sample(); s.DiskPercent < 0 || s.DiskPercent > 100 {
		t.Errorf("disk percent out of range: %v", s.DiskPercent)
	}
}

func TestSub_NoUnderflow(t *testing.T) {
	if sub(3, 5) != 0 || sub(5, 3) != 2 {
		t.Fatal("sub should clamp at zero")
	}
}
