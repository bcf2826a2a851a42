// Package mirror applies a container's change log to a remote bucket: the
// outbound half of the daemon.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package mirror

import (
	"context"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/swiftstack/cloudsync/cmn"
	"github.com/swiftstack/cloudsync/devtools/tutils"
	"github.com/swiftstack/cloudsync/status"
)

const (
	testAccount   = "AUTH_sync"
	testContainer = "cont"
	testBucket    = "bucket"
	testDBID      = "db-1"
)

type fakeSource struct {
	rows []ChangeRow
}

func (s *fakeSource) DatabaseIDs(context.Context, string, string) ([]string, error) {
	return []string{testDBID}, nil
}

func (s *fakeSource) ChangesSince(_ context.Context, _, _, _ string, lastRow int64, limit int) ([]ChangeRow, error) {
	var out []ChangeRow
	for _, row := range s.rows {
		if row.RowID > lastRow {
			out = append(out, row)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type syncEnv struct {
	local  *tutils.FakeSwift
	remote *tutils.FakeRemote
	source *fakeSource
	status *status.Store
	worker *Worker
	conf   *cmn.SyncConfig
}

func newSyncEnv(t *testing.T, multipart bool) *syncEnv {
	t.Helper()
	env := &syncEnv{
		local:  tutils.NewFakeSwift(),
		remote: tutils.NewFakeRemote(testBucket, multipart),
		source: &fakeSource{},
		status: status.NewStore(t.TempDir()),
		conf: &cmn.SyncConfig{
			Account:     testAccount,
			Container:   testContainer,
			AwsBucket:   testBucket,
			AwsIdentity: "id",
			AwsSecret:   "secret",
			Protocol:    cmn.ProtocolS3,
			MaxConns:    cmn.DefaultMaxConns,
		},
	}
	env.worker = NewWorker(env.conf, testContainer, env.local, env.remote,
		env.status, env.source, 1000, zerolog.Nop())
	return env
}

func (env *syncEnv) run(t *testing.T) {
	t.Helper()
	if err := env.worker.RunPass(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSyncSmallObject(t *testing.T) {
	env := newSyncEnv(t, true)
	hdr := http.Header{}
	hdr.Set("X-Object-Meta-Color", "blue")
	hdr.Set(cmn.HdrContentType, "text/plain")
	env.local.PutLocal(testContainer, "swift-blob", []byte("s3 content"), hdr)
	env.source.rows = []ChangeRow{{RowID: 1, Name: "swift-blob"}}

	env.run(t)

	key := env.conf.RemoteKey(testContainer, "swift-blob")
	obj := env.remote.Objects[key]
	if obj == nil {
		t.Fatalf("remote bucket must list %s: %v", key, env.remote.Objects)
	}
	if string(obj.Body) != "s3 content" {
		t.Errorf("body must be bit-equal, got %q", obj.Body)
	}
	localEtag := env.local.Object(testContainer, "swift-blob").Headers.Get(cmn.HdrEtag)
	if cmn.StripEtagQuotes(obj.ETag) != localEtag {
		t.Errorf("remote etag (quote-stripped) must equal the local etag: %s %s", obj.ETag, localEtag)
	}
	if v := obj.Metadata["color"]; v == nil || *v != "blue" {
		t.Errorf("user metadata must be mapped: %v", obj.Metadata)
	}
	if obj.ContentType != "text/plain" {
		t.Errorf("content type must propagate verbatim, got %q", obj.ContentType)
	}
	if got := env.status.LastRow(testAccount, testContainer, testDBID, testBucket); got != 1 {
		t.Errorf("checkpoint must advance, got %d", got)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	env := newSyncEnv(t, true)
	env.local.PutLocal(testContainer, "obj", []byte("payload"), nil)
	env.source.rows = []ChangeRow{{RowID: 1, Name: "obj"}}

	env.run(t)
	// clearing the checkpoint re-delivers the same row
	if err := env.status.SaveLastRow(testAccount, testContainer, testDBID, testBucket, 0); err != nil {
		t.Fatal(err)
	}
	env.run(t)

	if env.remote.PutCalls != 1 {
		t.Errorf("re-running a synced row is a no-op, got %d puts", env.remote.PutCalls)
	}
}

func TestSyncDelete(t *testing.T) {
	env := newSyncEnv(t, true)
	env.local.PutLocal(testContainer, "obj", []byte("payload"), nil)
	env.source.rows = []ChangeRow{{RowID: 1, Name: "obj"}}
	env.run(t)

	key := env.conf.RemoteKey(testContainer, "obj")
	env.source.rows = append(env.source.rows, ChangeRow{RowID: 2, Name: "obj", Deleted: true})
	env.run(t)
	if _, ok := env.remote.Objects[key]; ok {
		t.Error("the remote object must be deleted")
	}

	// deleting an already-deleted object swallows the 404
	env.source.rows = append(env.source.rows, ChangeRow{RowID: 3, Name: "obj", Deleted: true})
	env.run(t)
	if got := env.status.LastRow(testAccount, testContainer, testDBID, testBucket); got != 3 {
		t.Errorf("checkpoint must advance past the repeated delete, got %d", got)
	}
}

func TestSyncMetadataOnlyUpdate(t *testing.T) {
	env := newSyncEnv(t, true)
	hdr := http.Header{}
	hdr.Set("X-Object-Meta-Rev", "1")
	env.local.PutLocal(testContainer, "obj", []byte("payload"), hdr)
	env.source.rows = []ChangeRow{{RowID: 1, Name: "obj"}}
	env.run(t)

	update := http.Header{}
	update.Set("X-Object-Meta-Rev", "2")
	if err := env.local.PostObject(context.Background(), testAccount, testContainer, "obj", update); err != nil {
		t.Fatal(err)
	}
	env.source.rows = append(env.source.rows, ChangeRow{RowID: 2, Name: "obj"})
	env.run(t)

	key := env.conf.RemoteKey(testContainer, "obj")
	if v := env.remote.Objects[key].Metadata["rev"]; v == nil || *v != "2" {
		t.Errorf("metadata must be replaced in place: %v", env.remote.Objects[key].Metadata)
	}
	if env.remote.PutCalls != 1 {
		t.Errorf("a metadata change must not re-stream the body, got %d puts", env.remote.PutCalls)
	}
	if env.remote.PostCalls != 1 {
		t.Errorf("expected one copy-with-replace, got %d", env.remote.PostCalls)
	}
}

func seedSLO(env *syncEnv, name string, sizes []int) cmn.Manifest {
	manifest := make(cmn.Manifest, len(sizes))
	for i, size := range sizes {
		body := make([]byte, size)
		for j := range body {
			body[j] = byte('a' + i)
		}
		segName := name + "-part-" + string(rune('0'+i))
		obj := env.local.PutLocal("segments", segName, body, nil)
		manifest[i] = cmn.Segment{
			Name:  "/segments/" + segName,
			Bytes: int64(size),
			Hash:  obj.Headers.Get(cmn.HdrEtag),
		}
	}
	hdr := http.Header{}
	hdr.Set(cmn.SLOHeader, "True")
	hdr.Set("X-Object-Meta-Kind", "slo")
	obj := env.local.PutLocal(testContainer, name, nil, hdr)
	obj.Headers.Set(cmn.HdrEtag, cmn.GetSLOEtag(manifest))
	env.local.Manifests[testContainer+"/"+name] = manifest
	return manifest
}

func TestSyncInvalidSLOSkipped(t *testing.T) {
	env := newSyncEnv(t, true)
	sizes := make([]int, 10)
	for i := range sizes {
		sizes[i] = cmn.MiB // every segment undersized
	}
	seedSLO(env, "big", sizes)
	env.source.rows = []ChangeRow{{RowID: 7, Name: "big"}}

	env.run(t)

	if env.remote.CreatedUploads != 0 {
		t.Error("no multipart upload may be created for an invalid manifest")
	}
	if got := env.status.LastRow(testAccount, testContainer, testDBID, testBucket); got != 7 {
		t.Errorf("a validation failure skips the row, got checkpoint %d", got)
	}
}

func TestSyncSLOMultipart(t *testing.T) {
	env := newSyncEnv(t, true)
	manifest := seedSLO(env, "big", []int{cmn.MinPartSize, cmn.MinPartSize, 1024})
	env.source.rows = []ChangeRow{{RowID: 1, Name: "big"}}

	env.run(t)

	key := env.conf.RemoteKey(testContainer, "big")
	obj := env.remote.Objects[key]
	if obj == nil {
		t.Fatal("the multipart object was not created")
	}
	if cmn.StripEtagQuotes(obj.ETag) != cmn.GetSLOEtag(manifest) {
		t.Errorf("remote etag must equal the computed SLO etag: %s", obj.ETag)
	}
	if int64(len(obj.Body)) != manifest.TotalBytes() {
		t.Errorf("expected %d bytes, got %d", manifest.TotalBytes(), len(obj.Body))
	}
	if env.remote.CompletedUploads != 1 {
		t.Errorf("expected one completed upload, got %d", env.remote.CompletedUploads)
	}
	if v := obj.Metadata["kind"]; v == nil || *v != "slo" {
		t.Errorf("manifest metadata must be translated: %v", obj.Metadata)
	}
}

func TestSyncSLOMetadataOnly(t *testing.T) {
	env := newSyncEnv(t, true)
	manifest := seedSLO(env, "big", []int{cmn.MinPartSize, cmn.MinPartSize, 1024})
	env.source.rows = []ChangeRow{{RowID: 1, Name: "big"}}
	env.run(t)

	update := http.Header{}
	update.Set("X-Object-Meta-Kind", "updated")
	if err := env.local.PostObject(context.Background(), testAccount, testContainer, "big", update); err != nil {
		t.Fatal(err)
	}
	env.source.rows = append(env.source.rows, ChangeRow{RowID: 2, Name: "big"})
	env.run(t)

	key := env.conf.RemoteKey(testContainer, "big")
	obj := env.remote.Objects[key]
	if cmn.StripEtagQuotes(obj.ETag) != cmn.GetSLOEtag(manifest) {
		t.Errorf("the final etag must be unchanged: %s", obj.ETag)
	}
	if v := obj.Metadata["kind"]; v == nil || *v != "updated" {
		t.Errorf("metadata must be updated: %v", obj.Metadata)
	}
	// each part was populated by a ranged server-side copy over the
	// cumulative segment offsets
	expected := []tutils.CopyRange{
		{PartNumber: 1, From: 0, To: cmn.MinPartSize - 1},
		{PartNumber: 2, From: cmn.MinPartSize, To: 2*cmn.MinPartSize - 1},
		{PartNumber: 3, From: 2 * cmn.MinPartSize, To: 2*cmn.MinPartSize + 1023},
	}
	if len(env.remote.CopyRanges) != len(expected) {
		t.Fatalf("expected %d part copies, got %v", len(expected), env.remote.CopyRanges)
	}
	for i, want := range expected {
		if env.remote.CopyRanges[i] != want {
			t.Errorf("part %d: expected %+v, got %+v", i+1, want, env.remote.CopyRanges[i])
		}
	}
}

func TestSyncCombinedUpload(t *testing.T) {
	env := newSyncEnv(t, false) // the vendor flag disables multipart
	manifest := seedSLO(env, "big", []int{cmn.MinPartSize, 1024})
	env.source.rows = []ChangeRow{{RowID: 1, Name: "big"}}
	env.run(t)

	key := env.conf.RemoteKey(testContainer, "big")
	obj := env.remote.Objects[key]
	if obj == nil {
		t.Fatal("the concatenated object was not created")
	}
	if int64(len(obj.Body)) != manifest.TotalBytes() {
		t.Errorf("expected the segment concatenation, got %d bytes", len(obj.Body))
	}
	localEtag := env.local.Object(testContainer, "big").Headers.Get(cmn.HdrEtag)
	if v := obj.Metadata[cmn.SLOEtagField]; v == nil || *v != localEtag {
		t.Errorf("the overall manifest etag must be recorded: %v", obj.Metadata)
	}
	if env.remote.CreatedUploads != 0 {
		t.Error("a non-multipart target must never see a multipart upload")
	}

	// the recorded etag makes the second run a no-op
	if err := env.status.SaveLastRow(testAccount, testContainer, testDBID, testBucket, 0); err != nil {
		t.Fatal(err)
	}
	env.run(t)
	if env.remote.PutCalls != 1 {
		t.Errorf("expected a single upload, got %d", env.remote.PutCalls)
	}
}
