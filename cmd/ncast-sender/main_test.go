// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"testing"
	"time"

	"github.com/nishisan-dev/n-cast/internal/config"
)

func TestOverrides_Apply(t *testing.T) {
	cfg := &config.SenderConfig{}
	ov := overrides{size: "4gb", wait: 10 * time.Second, minClients: 3, trace: "/tmp/t.csv"}
	if err := ov.apply(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Source.SizeRaw != 4<<30 {
		t.Errorf("expected size 4gb, got %d", cfg.Source.SizeRaw)
	}
	if cfg.Start.Wait != 10*time.Second || cfg.Start.MinClients != 3 {
		t.Errorf("unexpected start: %+v", cfg.Start)
	}
	if cfg.Stats.TraceFile != "/tmp/t.csv" {
		t.Errorf("unexpected trace file %q", cfg.Stats.TraceFile)
	}

	if err := (overrides{size: "huge"}).apply(cfg); err == nil {
		t.Error("expected error for invalid -size")
	}
}

func TestTracePath(t *testing.T) {
	if got := tracePath("/var/log/trace-{session}.csv", "abc"); got != "/var/log/trace-abc.csv" {
		t.Errorf("unexpected path %q", got)
	}
	if got := tracePath("/tmp/trace.csv", "abc"); got != "/tmp/trace.csv" {
		t.Errorf("unexpected path %q", got)
	}
}

func TestSourceDisk(t *testing.T) {
	cases := map[string]string{
		"-":                    "/",
		"s3://bucket/img":      "/",
		"/dev/sda":             "/",
		"/srv/images/base.img": "/srv/images",
	}
	for in, want := range cases {
		if got := sourceDisk(in); got != want {
			t.Errorf("sourceDisk(%q) = %q, want %q", in, got, want)
		}
	}
}
