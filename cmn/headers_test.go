// Package cmn provides common constants, types, and utilities shared by the
// cloud-sync daemon's components.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"net/http"
	"testing"
)

func TestConvertToS3Headers(t *testing.T) {
	hdr := http.Header{}
	hdr.Set("X-Object-Meta-Foo", "Foo")
	hdr.Set("X-Object-Meta-Bar", "Bar")
	hdr.Set("X-Object-Meta-Upper", "1")
	hdr.Set("X-ObJeCT-Meta-CraZy", "CrAzY")
	hdr.Set("X-Object-Manifest", "container/key/123415/prefix")
	hdr.Set("Content-Type", "application/testing")

	out := ConvertToS3Headers(hdr)
	expected := map[string]string{
		"foo":           "Foo",
		"bar":           "Bar",
		"upper":         "1",
		"crazy":         "CrAzY",
		S3ManifestField: "container/key/123415/prefix",
	}
	if len(out) != len(expected) {
		t.Fatalf("expected %d keys, got %d: %v", len(expected), len(out), out)
	}
	for key, want := range expected {
		got, ok := out[key]
		if !ok || got == nil || *got != want {
			t.Errorf("key %q: expected %q, got %v", key, want, got)
		}
	}
}

func TestGetSLOEtag(t *testing.T) {
	manifest := Manifest{{Hash: "abcdef"}, {Hash: "fedcba"}}
	// md5 of the concatenated hex-decoded hashes, followed by the segment count
	const expected = "ce7989f0e2f1f3e4fdd2a01dda0844ae-2"
	if etag := GetSLOEtag(manifest); etag != expected {
		t.Fatalf("expected %s, got %s", expected, etag)
	}
}

func TestCheckEtag(t *testing.T) {
	if !CheckEtag("deadbeef", `"deadbeef"`) {
		t.Error("quoted etag must match")
	}
	if CheckEtag("deadbeef", "deadbeef") {
		t.Error("unquoted etag must not match")
	}
	if got := StripEtagQuotes(`"deadbeef"`); got != "deadbeef" {
		t.Errorf("expected deadbeef, got %s", got)
	}
	// peer-native remotes return etags without quotes
	if !EtagsEqual("deadbeef", "deadbeef") || !EtagsEqual("deadbeef", `"deadbeef"`) {
		t.Error("etag comparison must not depend on the quoting convention")
	}
}

func TestIsObjectMetaSynced(t *testing.T) {
	local := http.Header{}
	local.Set("X-Object-Meta-Color", "blue")
	local.Set("Content-Type", "text/plain")

	blue := "blue"
	red := "red"
	sloEtag := "feed"
	synced := map[string]*string{"color": &blue}
	if !IsObjectMetaSynced(synced, local) {
		t.Error("identical metadata must compare as synced")
	}
	// the recorded overall SLO etag is bookkeeping, not user metadata
	withEtag := map[string]*string{"color": &blue, SLOEtagField: &sloEtag}
	if !IsObjectMetaSynced(withEtag, local) {
		t.Error("the slo etag field must be ignored")
	}
	if IsObjectMetaSynced(map[string]*string{"color": &red}, local) {
		t.Error("differing values must compare as out of sync")
	}
	if IsObjectMetaSynced(map[string]*string{}, local) {
		t.Error("missing keys must compare as out of sync")
	}
}

func TestManifestValidate(t *testing.T) {
	valid := make(Manifest, 10)
	for i := range valid {
		valid[i] = Segment{Name: "/segments/part", Bytes: MinPartSize, Hash: "abcd"}
	}
	valid[9].Bytes = 1024 // the terminal segment may be small
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid manifest rejected: %v", err)
	}

	small := make(Manifest, 10)
	for i := range small {
		small[i] = Segment{Name: "/segments/part", Bytes: MiB, Hash: "abcd"}
	}
	if err := small.Validate(); !IsValidationError(err) {
		t.Fatalf("undersized segments must fail validation, got %v", err)
	}

	huge := Manifest{{Name: "/s/p", Bytes: MaxPartSize + 1, Hash: "abcd"}}
	if err := huge.Validate(); !IsValidationError(err) {
		t.Fatalf("oversized segment must fail validation, got %v", err)
	}

	ranged := Manifest{{Name: "/s/p", Bytes: MinPartSize, Hash: "abcd", Range: "0-99"}}
	if err := ranged.Validate(); !IsValidationError(err) {
		t.Fatalf("ranged segment must fail validation, got %v", err)
	}

	tooMany := make(Manifest, MaxParts+1)
	for i := range tooMany {
		tooMany[i] = Segment{Name: "/s/p", Bytes: MinPartSize, Hash: "abcd"}
	}
	if err := tooMany.Validate(); !IsValidationError(err) {
		t.Fatalf("oversubscribed manifest must fail validation, got %v", err)
	}
}

func TestSegmentContainerObject(t *testing.T) {
	s := Segment{Name: "/segments/dir/obj"}
	container, object := s.ContainerObject()
	if container != "segments" || object != "dir/obj" {
		t.Fatalf("unexpected split: %q %q", container, object)
	}
}
