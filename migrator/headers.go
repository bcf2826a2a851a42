// Package migrator advances local containers toward a remote bucket's
// contents, one listing page at a time: the inbound half of the daemon.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package migrator

import (
	"net/http"
	"strings"
	"time"

	"github.com/swiftstack/cloudsync/cmn"
)

// ObjectEntry is the listing shape both sides are reduced to for
// comparison.
type ObjectEntry struct {
	Name         string
	LastModified time.Time
	Hash         string
}

// CmpObjectEntries orders two listing entries for the same name: content
// hash first at equal modification time, then the sign of the
// modification-time comparison. Matching times with differing hashes mean
// clock skew or corruption and fail the pass.
func CmpObjectEntries(left, right *ObjectEntry) (int, error) {
	if left.LastModified.Equal(right.LastModified) {
		if left.Hash == right.Hash {
			return 0, nil
		}
		return 0, &cmn.ConsistencyError{
			Object:     left.Name,
			LocalHash:  left.Hash,
			RemoteHash: right.Hash,
		}
	}
	if left.LastModified.After(right.LastModified) {
		return 1, nil
	}
	return -1, nil
}

// EqualMigration reports whether two migration entries describe the same
// work: only account, bucket, identity, credential and endpoint participate;
// other fields such as container and max_conns do not.
func EqualMigration(a, b *cmn.MigrationConfig) bool {
	return a.Account == b.Account &&
		a.AwsBucket == b.AwsBucket &&
		a.AwsIdentity == b.AwsIdentity &&
		a.AwsCredential == b.AwsCredential &&
		a.AwsEndpoint == b.AwsEndpoint
}

// DiffContainerHeaders computes the header changes that make local reflect
// remote. Remote is authoritative in the migration direction: its user
// headers override, local-only user headers are emptied (the native store
// treats an empty value as delete), and remote versioning headers translate
// into the internal sysmeta pair. Applying the result leaves nothing left
// to diff.
func DiffContainerHeaders(remoteHdr, localHdr http.Header) http.Header {
	diff := diffUserHeaders(remoteHdr, localHdr, cmn.ContainerMetaPrefix)

	location, mode := "", ""
	if v := remoteHdr.Get(cmn.VersionsLocationHeader); v != "" {
		location, mode = v, cmn.VersionsModeStack
	} else if v := remoteHdr.Get(cmn.HistoryLocationHeader); v != "" {
		location, mode = v, cmn.VersionsModeHistory
	}
	haveLocation := localHdr.Get(cmn.SysmetaVersionsLocation)
	haveMode := localHdr.Get(cmn.SysmetaVersionsMode)
	if location != haveLocation {
		diff.Set(cmn.SysmetaVersionsLocation, location)
	}
	if mode != haveMode {
		diff.Set(cmn.SysmetaVersionsMode, mode)
	}
	return diff
}

// DiffAccountHeaders mirrors the container-level rules; in addition the ACL
// header translates to its sysmeta equivalent, and the temp-url key rides
// along with the rest of the user-metadata namespace.
func DiffAccountHeaders(remoteHdr, localHdr http.Header) http.Header {
	diff := diffUserHeaders(remoteHdr, localHdr, cmn.AccountMetaPrefix)
	if remote, local := remoteHdr.Get(cmn.AccountACLHeader), localHdr.Get(cmn.SysmetaAccountACL); remote != local {
		diff.Set(cmn.SysmetaAccountACL, remote)
	}
	return diff
}

func diffUserHeaders(remoteHdr, localHdr http.Header, prefix string) http.Header {
	diff := http.Header{}
	for name, values := range remoteHdr {
		if !strings.HasPrefix(name, prefix) || len(values) == 0 {
			continue
		}
		if localHdr.Get(name) != values[0] {
			diff.Set(name, values[0])
		}
	}
	for name := range localHdr {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if _, ok := remoteHdr[name]; !ok {
			diff.Set(name, "")
		}
	}
	return diff
}

// containerModTime extracts a container's last-modified time at the
// whole-second resolution container timestamps carry.
func containerModTime(hdr http.Header) time.Time {
	if v := hdr.Get(cmn.HdrTimestamp); v != "" {
		if t, err := cmn.ParseSwiftTimestamp(v); err == nil {
			return t.Truncate(time.Second)
		}
	}
	if v := hdr.Get(cmn.HdrLastModified); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t.Truncate(time.Second)
		}
	}
	return time.Time{}
}
