// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package slice

import "testing"

func TestSizer_GrowCapped(t *testing.T) {
	s := NewSizer(100, 32, 130)

	s.Grow()
	if s.Target() != 125 {
		t.Fatalf("expected 125, got %d", s.Target())
	}
	s.Grow()
	if s.Target() != 130 {
		t.Fatalf("expected cap 130, got %d", s.Target())
	}
}

func TestSizer_GrowSmallTarget(t *testing.T) {
	s := NewSizer(2, 1, 10)
	s.Grow()
	if s.Target() != 3 {
		t.Fatalf("expected 3, got %d", s.Target())
	}
}

func TestSizer_HalveOnEarlyLoss(t *testing.T) {
	s := NewSizer(200, 32, 2048)
	s.Shrink(10)
	if s.Target() != 100 {
		t.Fatalf("expected 100, got %d", s.Target())
	}
}

func TestSizer_ClampToLastGood(t *testing.T) {
	s := NewSizer(200, 32, 2048)
	s.Shrink(150)
	if s.Target() != 150 {
		t.Fatalf("expected 150, got %d", s.Target())
	}
}

func TestSizer_Floor(t *testing.T) {
	s := NewSizer(40, 32, 2048)
	s.Shrink(0)
	if s.Target() != 32 {
		t.Fatalf("expected floor 32, got %d", s.Target())
	}
}

func TestSizer_FloorAboveMax(t *testing.T) {
	s := NewSizer(8, 32, 8)
	s.Shrink(0)
	if s.Target() != 8 {
		t.Fatalf("expected 8 when floor exceeds max, got %d", s.Target())
	}
}
