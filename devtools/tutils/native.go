// Package tutils provides in-memory doubles of the native store and the
// remote providers for unit tests.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package tutils

import (
	"context"
	"net/http"
	"sort"
	"sync"

	"github.com/swiftstack/cloudsync/backend"
	"github.com/swiftstack/cloudsync/cmn"
)

type (
	// FakeNativeAccount models the remote side of a swift-protocol
	// migration: a set of containers with account-level metadata.
	FakeNativeAccount struct {
		mu         sync.Mutex
		Containers map[string]*FakeNativeRemote
		AccountHdr http.Header
	}

	// FakeNativeRemote is a FakeRemote that also carries manifests and
	// container metadata, like a peer native store does.
	FakeNativeRemote struct {
		*FakeRemote
		account      *FakeNativeAccount
		Manifests    map[string]cmn.Manifest
		ObjHeaders   map[string]http.Header // extra headers returned with GetManifest
		ContainerHdr http.Header
	}
)

// interface guards
var (
	_ backend.Remote          = (*FakeNativeRemote)(nil)
	_ backend.ManifestSource  = (*FakeNativeRemote)(nil)
	_ backend.MetadataSource  = (*FakeNativeRemote)(nil)
	_ backend.ContainerLister = (*FakeNativeRemote)(nil)
)

func NewFakeNativeAccount() *FakeNativeAccount {
	return &FakeNativeAccount{
		Containers: make(map[string]*FakeNativeRemote),
		AccountHdr: http.Header{},
	}
}

// Bucket returns the container named bucket, creating it on first use. An
// empty name yields a handle good only for account-level calls.
func (a *FakeNativeAccount) Bucket(bucket string) *FakeNativeRemote {
	a.mu.Lock()
	defer a.mu.Unlock()
	if remote, ok := a.Containers[bucket]; ok {
		return remote
	}
	remote := &FakeNativeRemote{
		FakeRemote:   NewFakeRemote(bucket, true),
		account:      a,
		Manifests:    make(map[string]cmn.Manifest),
		ObjHeaders:   make(map[string]http.Header),
		ContainerHdr: http.Header{},
	}
	if bucket != "" {
		a.Containers[bucket] = remote
	}
	return remote
}

// Drop removes a container, simulating a remote-side deletion.
func (a *FakeNativeAccount) Drop(bucket string) {
	a.mu.Lock()
	delete(a.Containers, bucket)
	a.mu.Unlock()
}

// RemoteFor is the factory the migrator uses in tests. It returns the
// existing container, or a detached handle whose listing reports 404 when
// the container was never created or has been dropped.
func (a *FakeNativeAccount) RemoteFor(bucket string) (backend.Remote, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if remote, ok := a.Containers[bucket]; ok {
		return remote, nil
	}
	return &FakeNativeRemote{
		FakeRemote:   NewFakeRemote(bucket, true),
		account:      a,
		Manifests:    make(map[string]cmn.Manifest),
		ObjHeaders:   make(map[string]http.Header),
		ContainerHdr: http.Header{},
	}, nil
}

func (r *FakeNativeRemote) List(ctx context.Context, marker string, limit int) ([]backend.ListEntry, error) {
	if r.account != nil {
		r.account.mu.Lock()
		_, exists := r.account.Containers[r.bucket]
		r.account.mu.Unlock()
		if !exists {
			return nil, cmn.NewStatusError(http.StatusNotFound, "list", r.bucket)
		}
	}
	return r.FakeRemote.List(ctx, marker, limit)
}

func (r *FakeNativeRemote) GetManifest(_ context.Context, key string) (cmn.Manifest, http.Header, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Objects[key]; !ok {
		return nil, nil, cmn.NewStatusError(http.StatusNotFound, "get_manifest", key)
	}
	hdr := r.ObjHeaders[key]
	if hdr == nil {
		hdr = http.Header{}
	}
	return r.Manifests[key], cloneHeader(hdr), nil
}

func (r *FakeNativeRemote) HeadContainer(context.Context) (http.Header, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneHeader(r.ContainerHdr), nil
}

func (r *FakeNativeRemote) HeadAccount(context.Context) (http.Header, error) {
	if r.account == nil {
		return http.Header{}, nil
	}
	r.account.mu.Lock()
	defer r.account.mu.Unlock()
	return cloneHeader(r.account.AccountHdr), nil
}

func (r *FakeNativeRemote) ListContainers(_ context.Context, marker string) ([]backend.ContainerEntry, error) {
	if r.account == nil {
		return nil, nil
	}
	r.account.mu.Lock()
	defer r.account.mu.Unlock()
	names := make([]string, 0, len(r.account.Containers))
	for name := range r.account.Containers {
		if name > marker {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	entries := make([]backend.ContainerEntry, len(names))
	for i, name := range names {
		entries[i] = backend.ContainerEntry{Name: name}
	}
	return entries, nil
}
