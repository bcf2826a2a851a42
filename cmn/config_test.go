// Package cmn provides common constants, types, and utilities shared by the
// cloud-sync daemon's components.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRemoteKey(t *testing.T) {
	conf := &SyncConfig{Account: "AUTH_test", Container: "cont"}

	key := conf.RemoteKey("cont", "obj")
	first := conf.RemoteKey("cont", "obj")
	if key != first {
		t.Fatal("key derivation must be a pure function of the tuple")
	}
	parts := strings.SplitN(key, "/", 2)
	if len(parts[0]) != PrefixLen {
		t.Fatalf("prefix must be exactly %d characters: %q", PrefixLen, key)
	}
	for _, c := range parts[0] {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("prefix must be lowercase hex: %q", key)
		}
	}
	if parts[1] != "AUTH_test/cont/obj" {
		t.Fatalf("expected account/container/object suffix, got %q", key)
	}
}

func TestRemoteKeyCustomPrefix(t *testing.T) {
	prefix := "archive"
	conf := &SyncConfig{Account: "AUTH_test", Container: "cont", CustomPrefix: &prefix}
	if key := conf.RemoteKey("cont", "obj"); key != "archive/obj" {
		t.Fatalf("expected archive/obj, got %q", key)
	}
	empty := ""
	conf.CustomPrefix = &empty
	if key := conf.RemoteKey("cont", "obj"); key != "obj" {
		t.Fatalf("an empty custom prefix maps keys verbatim, got %q", key)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync.json")
	doc := `{
		"status_dir": "/var/lib/cloudsync",
		"containers": [
			{"account": "AUTH_a", "container": "c",
			 "aws_bucket": "bucket", "aws_identity": "id", "aws_secret": "secret"}
		],
		"migrations": [
			{"account": "AUTH_b", "container": "d", "aws_bucket": "other",
			 "aws_identity": "id", "aws_credential": "secret", "protocol": "swift",
			 "aws_endpoint": "http://peer/auth/v1.0"}
		]
	}`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	conf, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if conf.Workers != defaultWorkers || conf.ItemsChunk != defaultItemsChunk {
		t.Errorf("defaults not applied: %+v", conf)
	}
	if conf.Containers[0].Protocol != ProtocolS3 {
		t.Errorf("protocol must default to s3, got %q", conf.Containers[0].Protocol)
	}
	if conf.Containers[0].MaxConns != DefaultMaxConns {
		t.Errorf("max_conns must default to %d", DefaultMaxConns)
	}
	if conf.Migrations[0].AwsSecret != "secret" {
		t.Error("aws_credential must back-fill aws_secret for migrations")
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("a missing configuration file is a fatal startup error")
	}
	bad := filepath.Join(dir, "bad.json")
	os.WriteFile(bad, []byte("{"), 0o644) //nolint:errcheck
	if _, err := LoadConfig(bad); err == nil {
		t.Error("an unparseable configuration is a fatal startup error")
	}
}

func TestValidateRejects(t *testing.T) {
	conf := &SyncConfig{Account: "a", Container: "c", AwsBucket: "b",
		AwsIdentity: "i", AwsSecret: "s", Protocol: "ftp"}
	if err := conf.Validate(); err == nil {
		t.Error("unsupported protocols must be rejected")
	}
}
