// Package client talks the native store's account/container/object HTTP
// protocol. The sync side only ever reads; the migrator reads and writes.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package client

import (
	"context"
	"io"
	"net/http"

	"github.com/swiftstack/cloudsync/cmn"
)

type (
	// ObjectEntry is one row of a container listing.
	ObjectEntry struct {
		Name         string `json:"name"`
		Bytes        int64  `json:"bytes"`
		Hash         string `json:"hash"`
		LastModified string `json:"last_modified"`
		ContentType  string `json:"content_type"`
		Subdir       string `json:"subdir,omitempty"`
	}

	// ContainerEntry is one row of an account listing.
	ContainerEntry struct {
		Name         string `json:"name"`
		Count        int64  `json:"count"`
		Bytes        int64  `json:"bytes"`
		LastModified string `json:"last_modified"`
	}

	ListOpts struct {
		Marker    string
		EndMarker string
		Prefix    string
		Delimiter string
		Limit     int
	}

	// Client is the capability set the core consumes.
	Client interface {
		ListContainers(ctx context.Context, account string, marker string, limit int) ([]ContainerEntry, error)
		ListContainer(ctx context.Context, account, container string, opts ListOpts) ([]ObjectEntry, error)

		HeadObject(ctx context.Context, account, container, object string, hdr http.Header) (http.Header, error)
		GetObject(ctx context.Context, account, container, object string, hdr http.Header) (http.Header, io.ReadCloser, error)
		// GetManifest fetches the raw segment list of a static large object
		// (`?multipart-manifest=get&format=raw`).
		GetManifest(ctx context.Context, account, container, object string, hdr http.Header) (cmn.Manifest, http.Header, error)
		PutObject(ctx context.Context, account, container, object string, hdr http.Header, size int64, body io.Reader) (etag string, err error)
		// PutManifest uploads a static large object manifest
		// (`?multipart-manifest=put`).
		PutManifest(ctx context.Context, account, container, object string, hdr http.Header, manifest cmn.Manifest) (etag string, err error)
		PostObject(ctx context.Context, account, container, object string, hdr http.Header) error
		DeleteObject(ctx context.Context, account, container, object string) error

		HeadContainer(ctx context.Context, account, container string) (http.Header, error)
		PutContainer(ctx context.Context, account, container string, hdr http.Header) error
		PostContainer(ctx context.Context, account, container string, hdr http.Header) error
		DeleteContainer(ctx context.Context, account, container string) error

		HeadAccount(ctx context.Context, account string) (http.Header, error)
		PostAccount(ctx context.Context, account string, hdr http.Header) error
	}
)
