// Package cmn provides common constants, types, and utilities shared by the
// cloud-sync daemon's components.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSwiftTimestampRoundTrip(t *testing.T) {
	ts := time.Date(2020, 6, 1, 12, 30, 45, 10000*1000, time.UTC) // 10ms
	formatted := FormatSwiftTimestamp(ts)
	parsed, err := ParseSwiftTimestamp(formatted)
	if err != nil {
		t.Fatal(err)
	}
	if !parsed.Equal(ts) {
		t.Fatalf("round trip lost precision: %v != %v", parsed, ts)
	}
	// sub-resolution digits are dropped, not rounded up into skew
	fine := ts.Add(3 * time.Microsecond)
	if FormatSwiftTimestamp(fine) != formatted {
		t.Errorf("expected truncation to %v resolution", SwiftTimeResolution)
	}
}

func TestParseSwiftTimestamp(t *testing.T) {
	parsed, err := ParseSwiftTimestamp("1590969600.00001")
	if err != nil {
		t.Fatal(err)
	}
	if got := parsed.Nanosecond(); got != 10000 {
		t.Fatalf("expected 10us, got %dns", got)
	}
	if _, err := ParseSwiftTimestamp("not-a-timestamp"); err == nil {
		t.Error("garbage must not parse")
	}
}

func TestParseListingTime(t *testing.T) {
	for _, v := range []string{
		"2000-01-01T00:00:00.00000",
		"2000-01-01T00:00:00Z",
	} {
		if _, err := ParseListingTime(v); err != nil {
			t.Errorf("%q must parse: %v", v, err)
		}
	}
	if _, err := ParseListingTime("garbage"); err == nil {
		t.Error("garbage must not parse")
	}
}

func TestSaveFileAtomic(t *testing.T) {
	InitShortID(0)
	dir := t.TempDir()
	path := filepath.Join(dir, "deep", "status")
	if err := SaveFileAtomic(path, []byte("first")); err != nil {
		t.Fatal(err)
	}
	if err := SaveFileAtomic(path, []byte("second")); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second" {
		t.Fatalf("expected the rewritten document, got %q", data)
	}
	// no temporary droppings left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("expected only the status file, got %d entries", len(entries))
	}
}
