package main

import (
	"testing"
)

func TestBreakPointResume(t *testing.T) {
	dir := t.TempDir()
	bp, err := NewBreakPoint(dir, "osm-route")
	if err != nil {
		t.Fatalf("NewBreakPoint failed: %v", err)
	}
	if bp.Done(0) {
		t.Errorf("fresh break point reports frame 0 done")
	}
	bp.Record(0)
	bp.Record(3)
	bp.Close()
	bp.Close()
	bp.Record(4)

	bp, err = NewBreakPoint(dir, "osm-route")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer bp.Close()
	for frame, want := range map[int]bool{0: true, 1: false, 3: true, 4: false} {
		if got := bp.Done(frame); got != want {
			t.Errorf("Done(%d) = %v, want %v", frame, got, want)
		}
	}
}

func TestSafeExitOrder(t *testing.T) {
	s := NewSafeExit()
	var order []int
	s.Register(func() { order = append(order, 1) })
	s.Register(func() { order = append(order, 2) })
	s.Cleanup()
	s.Cleanup()
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("cleanup order = %v, want [2 1]", order)
	}
	if s.Context().Err() == nil {
		t.Errorf("context not cancelled")
	}
}
