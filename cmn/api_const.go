// Package cmn provides common constants, types, and utilities shared by the
// cloud-sync daemon's components.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

const (
	ProtocolS3    = "s3"
	ProtocolSwift = "swift"
)

const (
	CloudSyncVersion = "5.0"

	// A Google Cloud Storage endpoint gets path-style addressing, v2 signing,
	// a dedicated User-Agent, and no multipart uploads.
	GoogleEndpoint = "https://storage.googleapis.com"
	GoogleUAString = "CloudSync/" + CloudSyncVersion + " (GPN:SwiftStack)"
)

const (
	KiB = 1024
	MiB = 1024 * KiB
	GiB = 1024 * MiB
	TiB = 1024 * GiB
)

const (
	// S3 prefix space: 6 hex characters
	PrefixLen   = 6
	PrefixSpace = 1 << (4 * PrefixLen)

	// segmented (large object) upload constraints
	MinPartSize      = 5 * MiB
	MaxPartSize      = 5 * GiB
	MaxParts         = 10000
	MaxSinglePutSize = 5 * TiB

	// large-object pipeline
	SLOWorkers   = 10
	SLOQueueSize = 100

	// connection pooling
	ClientPoolConns = 10 // concurrent borrows per pooled client
	DefaultMaxConns = 10
)

// native-store header vocabulary
const (
	ObjectMetaPrefix    = "X-Object-Meta-"
	ContainerMetaPrefix = "X-Container-Meta-"
	AccountMetaPrefix   = "X-Account-Meta-"

	SLOHeader = "X-Static-Large-Object"
	DLOHeader = "X-Object-Manifest"

	HdrContentType   = "Content-Type"
	HdrContentLength = "Content-Length"
	HdrEtag          = "Etag"
	HdrLastModified  = "Last-Modified"
	HdrTimestamp     = "X-Timestamp"

	BackendPolicyIndexHeader = "X-Backend-Storage-Policy-Index"
	NewestHeader             = "X-Newest"

	VersionsLocationHeader = "X-Versions-Location"
	HistoryLocationHeader  = "X-History-Location"

	SysmetaVersionsLocation = "X-Container-Sysmeta-Versions-Location"
	SysmetaVersionsMode     = "X-Container-Sysmeta-Versions-Mode"
	VersionsModeStack       = "stack"
	VersionsModeHistory     = "history"

	AccountACLHeader  = "X-Account-Access-Control"
	SysmetaAccountACL = "X-Account-Sysmeta-Core-Access-Control"
	TempURLKeyHeader  = "X-Account-Meta-Temp-Url-Key"

	// placed on every object the migrator writes; the value is the source
	// object's timestamp
	MigratorSysmetaHeader = "X-Object-Sysmeta-Cloud-Migrator"
)

// S3-side metadata keys
const (
	S3ManifestField = "swift-object-manifest"
	SLOEtagField    = "swift-slo-etag"

	GlacierStorageClass = "GLACIER"
)

// the all-containers wildcard for sync/migration entries
const WildcardContainer = "/*"
