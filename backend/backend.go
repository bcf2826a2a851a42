// Package backend contains implementation of the remote-store providers.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/swiftstack/cloudsync/cmn"
)

type (
	// ObjectInfo is the provider-independent shape of a remote HEAD/GET.
	ObjectInfo struct {
		Key          string
		ETag         string // as returned; S3 encloses in quotes
		Size         int64
		LastModified time.Time
		ContentType  string
		StorageClass string
		Metadata     map[string]*string
	}

	// ListEntry is one row of a remote bucket listing.
	ListEntry struct {
		Key          string
		Size         int64
		ETag         string // quote-stripped
		LastModified time.Time
	}

	ContainerEntry struct {
		Name         string
		LastModified time.Time
	}

	// PutMeta carries translated metadata on writes. ContentMD5 is the
	// local ETag (hex); providers encode it as the protocol requires.
	PutMeta struct {
		Metadata    map[string]*string
		ContentType string
		ContentMD5  string
	}

	CompletedPart struct {
		PartNumber int
		ETag       string
	}

	// Remote is the uniform capability set over either the S3-compatible
	// protocol or a peer native store.
	Remote interface {
		Bucket() string
		CanMultipart() bool

		List(ctx context.Context, marker string, limit int) ([]ListEntry, error)
		Head(ctx context.Context, key string) (*ObjectInfo, error)
		Get(ctx context.Context, key string) (*ObjectInfo, io.ReadCloser, error)
		Put(ctx context.Context, key string, body io.Reader, size int64, meta PutMeta) (etag string, err error)
		// PostMeta replaces user metadata in place (server-side copy with a
		// REPLACE directive on S3; POST on a native peer).
		PostMeta(ctx context.Context, key string, meta PutMeta) error
		Delete(ctx context.Context, key string) error

		CreateMultipart(ctx context.Context, key string, meta PutMeta) (uploadID string, err error)
		UploadPart(ctx context.Context, key, uploadID string, partNum int, body io.Reader, size int64, md5hex string) (etag string, err error)
		UploadPartCopy(ctx context.Context, key, uploadID string, partNum int, srcKey string, rangeFrom, rangeTo int64) (etag string, err error)
		CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error
		AbortMultipart(ctx context.Context, key, uploadID string) error
	}

	// ContainerLister is implemented by providers that can enumerate
	// containers (peer-native accounts, S3 buckets); the migrator uses it
	// for all-container entries.
	ContainerLister interface {
		ListContainers(ctx context.Context, marker string) ([]ContainerEntry, error)
	}

	// MetadataSource exposes container- and account-level metadata of the
	// remote side; only the peer-native provider has any.
	MetadataSource interface {
		HeadContainer(ctx context.Context) (http.Header, error)
		HeadAccount(ctx context.Context) (http.Header, error)
	}

	// ManifestSource resolves Large Object manifests on the remote side.
	ManifestSource interface {
		// GetManifest returns the segment list of key, or nil when key is
		// not a large object.
		GetManifest(ctx context.Context, key string) (cmn.Manifest, http.Header, error)
	}
)

// New constructs the provider for one sync or migration entry.
func New(conf *cmn.SyncConfig, bucket string) (Remote, error) {
	if bucket == "" {
		bucket = conf.AwsBucket
	}
	switch conf.Protocol {
	case cmn.ProtocolSwift:
		return newSwiftRemote(conf, bucket)
	case cmn.ProtocolS3, "":
		return newS3Remote(conf, bucket)
	}
	return nil, errors.Errorf("unsupported remote protocol %q", conf.Protocol)
}
