// Package migrator advances local containers toward a remote bucket's
// contents, one listing page at a time: the inbound half of the daemon.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package migrator

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/swiftstack/cloudsync/cmn"
	"github.com/swiftstack/cloudsync/devtools/tutils"
	"github.com/swiftstack/cloudsync/status"
)

const testAccount = "AUTH_migrate"

func newTestMigrator(t *testing.T, container, bucket string, local *tutils.FakeSwift,
	account *tutils.FakeNativeAccount) *Migrator {
	t.Helper()
	conf := &cmn.MigrationConfig{
		SyncConfig: cmn.SyncConfig{
			Account:     testAccount,
			Container:   container,
			AwsBucket:   bucket,
			AwsIdentity: "id",
			AwsSecret:   "secret",
			Protocol:    cmn.ProtocolSwift,
			MaxConns:    cmn.DefaultMaxConns,
		},
		AwsCredential: "secret",
	}
	m := New(conf, local, status.NewStore(t.TempDir()), 1000, zerolog.Nop())
	m.remoteFor = account.RemoteFor
	return m
}

func TestMigratePlainObject(t *testing.T) {
	var (
		local   = tutils.NewFakeSwift()
		account = tutils.NewFakeNativeAccount()
		remote  = account.Bucket("docs")
		modTime = time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC)
	)
	remote.Seed("report", []byte("remote content"), modTime, map[string]string{"owner": "ops"})

	m := newTestMigrator(t, "docs", "docs", local, account)
	if err := m.NextPass(context.Background()); err != nil {
		t.Fatal(err)
	}

	obj := local.Object("docs", "report")
	if obj == nil {
		t.Fatal("object was not migrated")
	}
	if string(obj.Body) != "remote content" {
		t.Errorf("body mismatch: %q", obj.Body)
	}
	if obj.Headers.Get("X-Object-Meta-Owner") != "ops" {
		t.Errorf("user metadata not translated: %v", obj.Headers)
	}
	ts := obj.Headers.Get(cmn.HdrTimestamp)
	if ts != cmn.FormatSwiftTimestamp(modTime) {
		t.Errorf("modification time must reflect the remote's: %s", ts)
	}
	if obj.Headers.Get(cmn.MigratorSysmetaHeader) != ts {
		t.Error("every migrated object carries the origin marker")
	}

	cursor, err := m.status.LoadMigrator(testAccount, "docs")
	if err != nil {
		t.Fatal(err)
	}
	if cursor.Marker != "" {
		t.Errorf("a completed pass clears the marker, got %q", cursor.Marker)
	}
	if cursor.MovedCount != 1 || cursor.ScannedCount != 1 {
		t.Errorf("expected moved=1 scanned=1, got %+v", cursor)
	}
	if cursor.LastFinishedAt.IsZero() {
		t.Error("a completed pass stamps last_finished_at")
	}
}

func TestMigrationIsIdempotent(t *testing.T) {
	var (
		local   = tutils.NewFakeSwift()
		account = tutils.NewFakeNativeAccount()
		remote  = account.Bucket("docs")
	)
	remote.Seed("report", []byte("content"), time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC), nil)

	m := newTestMigrator(t, "docs", "docs", local, account)
	for i := 0; i < 2; i++ {
		if err := m.NextPass(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	cursor, _ := m.status.LoadMigrator(testAccount, "docs")
	if cursor.MovedCount != 1 {
		t.Errorf("the second pass must not copy again: moved=%d", cursor.MovedCount)
	}
	if cursor.ScannedCount != 2 {
		t.Errorf("every pass scans the object: scanned=%d", cursor.ScannedCount)
	}
}

func TestMigrateMetadataChange(t *testing.T) {
	var (
		local   = tutils.NewFakeSwift()
		account = tutils.NewFakeNativeAccount()
		remote  = account.Bucket("docs")
		first   = time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC)
	)
	obj := remote.Seed("report", []byte("content"), first, map[string]string{"rev": "1"})

	m := newTestMigrator(t, "docs", "docs", local, account)
	if err := m.NextPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	body := append([]byte(nil), local.Object("docs", "report").Body...)

	// a remote metadata update moves last-modified forward; the body stays
	rev2 := "2"
	obj.Metadata["rev"] = &rev2
	obj.LastModified = first.Add(time.Minute)
	if err := m.NextPass(context.Background()); err != nil {
		t.Fatal(err)
	}

	updated := local.Object("docs", "report")
	if updated.Headers.Get("X-Object-Meta-Rev") != "2" {
		t.Errorf("metadata must follow the remote: %v", updated.Headers)
	}
	if string(updated.Body) != string(body) {
		t.Error("the body must be untouched by a metadata-only migration")
	}
	if got := updated.Headers.Get(cmn.HdrTimestamp); got != cmn.FormatSwiftTimestamp(obj.LastModified) {
		t.Errorf("modification time must reflect the remote's: %s", got)
	}
}

func TestLocalNewerWins(t *testing.T) {
	var (
		local   = tutils.NewFakeSwift()
		account = tutils.NewFakeNativeAccount()
		remote  = account.Bucket("docs")
		remoteT = time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC)
	)
	remote.Seed("report", []byte("remote"), remoteT, nil)
	hdr := http.Header{}
	hdr.Set(cmn.HdrTimestamp, cmn.FormatSwiftTimestamp(remoteT.Add(time.Hour)))
	local.PutLocal("docs", "report", []byte("local edit"), hdr)

	m := newTestMigrator(t, "docs", "docs", local, account)
	if err := m.NextPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := string(local.Object("docs", "report").Body); got != "local edit" {
		t.Errorf("migration never propagates local changes outbound, got %q", got)
	}
}

func TestConsistencyError(t *testing.T) {
	var (
		local   = tutils.NewFakeSwift()
		account = tutils.NewFakeNativeAccount()
		remote  = account.Bucket("docs")
		modTime = time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC)
	)
	remote.Seed("report", []byte("remote body"), modTime, nil)
	hdr := http.Header{}
	hdr.Set(cmn.HdrTimestamp, cmn.FormatSwiftTimestamp(modTime))
	local.PutLocal("docs", "report", []byte("different body"), hdr)

	m := newTestMigrator(t, "docs", "docs", local, account)
	err := m.NextPass(context.Background())
	if !cmn.IsConsistencyError(err) {
		t.Fatalf("matching times with differing hashes must fail the pass, got %v", err)
	}
}

func TestDeletionPropagation(t *testing.T) {
	var (
		local   = tutils.NewFakeSwift()
		account = tutils.NewFakeNativeAccount()
		remote  = account.Bucket("docs")
	)
	remote.Seed("report", []byte("content"), time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC), nil)

	m := newTestMigrator(t, "docs", "docs", local, account)
	if err := m.NextPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if local.Object("docs", "report") == nil {
		t.Fatal("object was not migrated")
	}

	if err := remote.Delete(context.Background(), "report"); err != nil {
		t.Fatal(err)
	}
	if err := m.NextPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if local.Object("docs", "report") != nil {
		t.Error("a migrator-origin object must follow the remote deletion")
	}
}

func TestDeletionSparesLocallyModified(t *testing.T) {
	var (
		local   = tutils.NewFakeSwift()
		account = tutils.NewFakeNativeAccount()
		remote  = account.Bucket("docs")
	)
	remote.Seed("report", []byte("content"), time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC), nil)

	m := newTestMigrator(t, "docs", "docs", local, account)
	if err := m.NextPass(context.Background()); err != nil {
		t.Fatal(err)
	}

	// a local POST after migration moves the modification time forward
	local.Tick()
	meta := http.Header{}
	meta.Set("X-Object-Meta-Keep", "yes")
	if err := local.PostObject(context.Background(), testAccount, "docs", "report", meta); err != nil {
		t.Fatal(err)
	}

	if err := remote.Delete(context.Background(), "report"); err != nil {
		t.Fatal(err)
	}
	if err := m.NextPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if local.Object("docs", "report") == nil {
		t.Error("locally modified objects survive deletion propagation")
	}
}

func TestCursorPagination(t *testing.T) {
	var (
		local   = tutils.NewFakeSwift()
		account = tutils.NewFakeNativeAccount()
		remote  = account.Bucket("docs")
		modTime = time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC)
	)
	names := []string{"a", "b", "c", "d", "e"}
	for _, name := range names {
		remote.Seed(name, []byte("body-"+name), modTime, nil)
	}

	m := newTestMigrator(t, "docs", "docs", local, account)
	m.chunk = 2

	if err := m.NextPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	cursor, _ := m.status.LoadMigrator(testAccount, "docs")
	if cursor.Marker != "b" {
		t.Fatalf("the cursor advances to the last-seen remote name, got %q", cursor.Marker)
	}
	for i := 0; i < 2; i++ {
		if err := m.NextPass(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	cursor, _ = m.status.LoadMigrator(testAccount, "docs")
	if cursor.Marker != "" {
		t.Fatalf("a short page loops back to the start, got %q", cursor.Marker)
	}
	if cursor.MovedCount != 5 {
		t.Errorf("expected all 5 objects moved, got %d", cursor.MovedCount)
	}
	for _, name := range names {
		if local.Object("docs", name) == nil {
			t.Errorf("object %s missing locally", name)
		}
	}
}

func TestMigrateDLO(t *testing.T) {
	var (
		local    = tutils.NewFakeSwift()
		account  = tutils.NewFakeNativeAccount()
		docs     = account.Bucket("docs")
		segments = account.Bucket("docs_parts")
		modTime  = time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC)
	)
	part1 := segments.Seed("big/0001", []byte("AAAA"), modTime, nil)
	part2 := segments.Seed("big/0002", []byte("BBBB"), modTime, nil)

	docs.Seed("big", nil, modTime, nil)
	docs.Manifests["big"] = cmn.Manifest{
		{Name: "/docs_parts/big/0001", Bytes: 4, Hash: cmn.StripEtagQuotes(part1.ETag)},
		{Name: "/docs_parts/big/0002", Bytes: 4, Hash: cmn.StripEtagQuotes(part2.ETag)},
	}
	dloHdr := http.Header{}
	dloHdr.Set(cmn.DLOHeader, "docs_parts/big/")
	dloHdr.Set("X-Object-Meta-Kind", "dlo")
	docs.ObjHeaders["big"] = dloHdr

	m := newTestMigrator(t, "docs", "docs", local, account)
	if err := m.NextPass(context.Background()); err != nil {
		t.Fatal(err)
	}

	// both the segments container and the manifest container exist locally
	if local.Object("docs_parts", "big/0001") == nil || local.Object("docs_parts", "big/0002") == nil {
		t.Fatal("segments were not migrated")
	}
	manifest := local.Object("docs", "big")
	if manifest == nil {
		t.Fatal("manifest was not migrated")
	}
	if manifest.Headers.Get(cmn.DLOHeader) != "docs_parts/big/" {
		t.Errorf("the manifest header must be preserved: %v", manifest.Headers)
	}
	if manifest.Headers.Get("X-Object-Meta-Kind") != "dlo" {
		t.Error("manifest user metadata must be preserved")
	}

	cursor, _ := m.status.LoadMigrator(testAccount, "docs")
	if cursor.MovedCount != 3 { // two segments plus the manifest
		t.Errorf("moved must count segments, got %d", cursor.MovedCount)
	}
	if cursor.ScannedCount != 3 {
		t.Errorf("expected 3 scanned, got %d", cursor.ScannedCount)
	}

	// the next pass scans the unchanged manifest again (its segments are not
	// revisited) and copies nothing
	if err := m.NextPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	cursor, _ = m.status.LoadMigrator(testAccount, "docs")
	if cursor.MovedCount != 3 {
		t.Errorf("segments must not be copied twice, got moved=%d", cursor.MovedCount)
	}
	if cursor.ScannedCount <= 3 {
		t.Errorf("scanned must keep growing, got %d", cursor.ScannedCount)
	}
}

func TestVanishedContainer(t *testing.T) {
	var (
		local   = tutils.NewFakeSwift()
		account = tutils.NewFakeNativeAccount()
		remote  = account.Bucket("docs")
	)
	remote.Seed("report", []byte("content"), time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC), nil)

	m := newTestMigrator(t, "docs", "docs", local, account)
	if err := m.NextPass(context.Background()); err != nil {
		t.Fatal(err)
	}

	account.Drop("docs")
	if err := m.NextPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := local.HeadContainer(context.Background(), testAccount, "docs"); !cmn.IsNotFound(err) {
		t.Error("an empty migrated container follows the remote deletion")
	}
}

func TestVanishedContainerKeepsLocalObjects(t *testing.T) {
	var (
		local   = tutils.NewFakeSwift()
		account = tutils.NewFakeNativeAccount()
		remote  = account.Bucket("docs")
	)
	remote.Seed("report", []byte("content"), time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC), nil)

	m := newTestMigrator(t, "docs", "docs", local, account)
	if err := m.NextPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	local.Tick()
	local.PutLocal("docs", "homegrown", []byte("local data"), nil)

	account.Drop("docs")
	if err := m.NextPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if local.Object("docs", "report") != nil {
		t.Error("migrator-origin objects are still pruned")
	}
	if local.Object("docs", "homegrown") == nil {
		t.Error("locally originated objects are retained")
	}
	if _, err := local.HeadContainer(context.Background(), testAccount, "docs"); err != nil {
		t.Error("a container with local objects is retained")
	}
}

func TestAccountPass(t *testing.T) {
	var (
		local   = tutils.NewFakeSwift()
		account = tutils.NewFakeNativeAccount()
		modTime = time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC)
	)
	account.Bucket("alpha").Seed("one", []byte("1"), modTime, nil)
	account.Bucket("beta").Seed("two", []byte("2"), modTime, nil)
	account.AccountHdr.Set("X-Account-Meta-Env", "prod")
	account.AccountHdr.Set(cmn.TempURLKeyHeader, "secret")

	m := newTestMigrator(t, cmn.WildcardContainer, cmn.WildcardContainer, local, account)
	if err := m.NextPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	if local.Object("alpha", "one") == nil || local.Object("beta", "two") == nil {
		t.Error("all remote containers must be migrated")
	}
	hdr, err := local.HeadAccount(context.Background(), testAccount)
	if err != nil {
		t.Fatal(err)
	}
	if hdr.Get("X-Account-Meta-Env") != "prod" || hdr.Get(cmn.TempURLKeyHeader) != "secret" {
		t.Errorf("account metadata must propagate: %v", hdr)
	}
}
