// Package cmn provides common constants, types, and utilities shared by the
// cloud-sync daemon's components.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

type (
	// Segment is one entry of a Large Object manifest.
	Segment struct {
		Name  string `json:"name"` // "/container/object"
		Bytes int64  `json:"bytes"`
		Hash  string `json:"hash"`
		Range string `json:"range,omitempty"`
	}
	Manifest []Segment
)

// ConvertToS3Headers maps native object metadata onto the S3 user-metadata
// namespace: `X-Object-Meta-*` headers are stripped of the prefix and
// lowercased, the DLO manifest header survives under a dedicated key, and
// Content-Type travels verbatim on the request itself (not as metadata).
func ConvertToS3Headers(hdr http.Header) map[string]*string {
	out := make(map[string]*string, len(hdr))
	for name, values := range hdr {
		if len(values) == 0 {
			continue
		}
		v := values[0]
		switch {
		case strings.HasPrefix(strings.ToLower(name), strings.ToLower(ObjectMetaPrefix)):
			out[strings.ToLower(name[len(ObjectMetaPrefix):])] = strptr(v)
		case http.CanonicalHeaderKey(name) == DLOHeader:
			out[S3ManifestField] = strptr(v)
		}
	}
	return out
}

// IsObjectMetaSynced reports whether the remote user metadata is already
// byte-equivalent to the mapped local metadata. The recorded overall SLO
// ETag is bookkeeping, not user metadata, and is ignored.
func IsObjectMetaSynced(s3Meta map[string]*string, localHdr http.Header) bool {
	want := ConvertToS3Headers(localHdr)
	have := make(map[string]string, len(s3Meta))
	for k, v := range s3Meta {
		if strings.ToLower(k) == SLOEtagField {
			continue
		}
		if v != nil {
			have[strings.ToLower(k)] = *v
		}
	}
	if len(have) != len(want) {
		return false
	}
	for k, v := range want {
		if hv, ok := have[k]; !ok || v == nil || hv != *v {
			return false
		}
	}
	return true
}

// MetaValue looks a key up in remote user metadata; S3 SDKs canonicalize
// key case on the way back.
func MetaValue(meta map[string]*string, key string) (string, bool) {
	for k, v := range meta {
		if strings.EqualFold(k, key) && v != nil {
			return *v, true
		}
	}
	return "", false
}

// CheckEtag compares a native ETag with a remote-returned one; S3 ETags are
// enclosed in double quotes.
func CheckEtag(localEtag, s3Etag string) bool {
	return s3Etag == `"`+localEtag+`"`
}

// StripEtagQuotes removes the surrounding quotes, if any.
func StripEtagQuotes(etag string) string {
	return strings.Trim(etag, `"`)
}

// EtagsEqual compares a local ETag with a remote-returned one regardless of
// the remote's quoting convention.
func EtagsEqual(localEtag, remoteEtag string) bool {
	return StripEtagQuotes(remoteEtag) == StripEtagQuotes(localEtag)
}

// GetSLOEtag computes the S3 multipart ETag a segmented upload produces:
// md5 over the concatenation of the unhexed segment hashes, suffixed with
// the part count.
func GetSLOEtag(manifest Manifest) string {
	h := md5.New()
	for _, segment := range manifest {
		raw, err := hex.DecodeString(segment.Hash)
		if err != nil {
			continue
		}
		h.Write(raw)
	}
	return fmt.Sprintf("%s-%d", hex.EncodeToString(h.Sum(nil)), len(manifest))
}

// IsSLO reports whether object metadata names a static large object.
func IsSLO(hdr http.Header) bool {
	v := hdr.Get(SLOHeader)
	return v == "True" || v == "true"
}

// IsDLO reports whether object metadata names a dynamic large object.
func IsDLO(hdr http.Header) bool { return hdr.Get(DLOHeader) != "" }

// ContainerObject splits a manifest segment name into its container and
// object components.
func (s *Segment) ContainerObject() (container, object string) {
	parts := strings.SplitN(strings.TrimPrefix(s.Name, "/"), "/", 2)
	container = parts[0]
	if len(parts) > 1 {
		object = parts[1]
	}
	return
}

func (m Manifest) TotalBytes() (total int64) {
	for i := range m {
		total += m[i].Bytes
	}
	return
}

// Validate enforces the multipart constraints before any network work.
// Violations are permanent failures: the offending row is logged and
// skipped, never retried.
func (m Manifest) Validate() error {
	if len(m) > MaxParts {
		return NewValidationError("cannot upload a manifest with more than %d segments", MaxParts)
	}
	for i := range m {
		segment := &m[i]
		if segment.Name == "" || segment.Hash == "" {
			return NewValidationError("segment %q must include name and etag", segment.Name)
		}
		if segment.Bytes < MinPartSize && i < len(m)-1 {
			return NewValidationError("segment %s must be greater than %d MB",
				segment.Name, MinPartSize/MiB)
		}
		if segment.Bytes > MaxPartSize {
			return NewValidationError("segment %s must be smaller than %d GB",
				segment.Name, MaxPartSize/GiB)
		}
		if segment.Range != "" {
			return NewValidationError("found unsupported range parameter for segment %s", segment.Name)
		}
	}
	return nil
}

func strptr(s string) *string { return &s }
