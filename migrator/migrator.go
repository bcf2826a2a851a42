// Package migrator advances local containers toward a remote bucket's
// contents, one listing page at a time: the inbound half of the daemon.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package migrator

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/swiftstack/cloudsync/backend"
	"github.com/swiftstack/cloudsync/client"
	"github.com/swiftstack/cloudsync/cmn"
	"github.com/swiftstack/cloudsync/stats"
	"github.com/swiftstack/cloudsync/status"
)

type (
	// Migrator reconciles the local side of one migration entry. Work is
	// resumable: the listing cursor is persisted at every page boundary and
	// cleared when a full pass completes.
	Migrator struct {
		conf   *cmn.MigrationConfig
		local  client.Client
		status *status.Store
		chunk  int
		log    zerolog.Logger

		remoteFor func(bucket string) (backend.Remote, error)
		remotes   map[string]backend.Remote

		// segment containers already reconciled this pass
		seen map[string]bool
	}

	passTotals struct {
		moved   int64
		scanned int64
	}
)

func New(conf *cmn.MigrationConfig, local client.Client, st *status.Store, chunk int, log zerolog.Logger) *Migrator {
	m := &Migrator{
		conf:    conf,
		local:   local,
		status:  st,
		chunk:   chunk,
		log:     log.With().Str("migration", conf.Account+"/"+conf.Container).Logger(),
		remotes: make(map[string]backend.Remote),
	}
	m.remoteFor = func(bucket string) (backend.Remote, error) {
		if remote, ok := m.remotes[bucket]; ok {
			return remote, nil
		}
		remote, err := backend.New(&conf.SyncConfig, bucket)
		if err == nil {
			m.remotes[bucket] = remote
		}
		return remote, err
	}
	return m
}

// NextPass performs one bounded unit of reconciliation. Transient errors
// leave the cursor alone so the next pass redoes the same page; a
// consistency error fails the pass outright.
func (m *Migrator) NextPass(ctx context.Context) error {
	m.seen = make(map[string]bool)

	if m.conf.AwsBucket != cmn.WildcardContainer {
		container := m.conf.Container
		if container == "" || container == cmn.WildcardContainer {
			container = m.conf.AwsBucket
		}
		return m.containerPass(ctx, container, m.conf.AwsBucket)
	}
	return m.accountPass(ctx)
}

// accountPass reconciles every remote container, prunes local containers
// the remote no longer has, and applies the account-level metadata diff.
func (m *Migrator) accountPass(ctx context.Context) error {
	remote, err := m.remoteFor("")
	if err != nil {
		return err
	}
	lister, ok := remote.(backend.ContainerLister)
	if !ok {
		return errors.New("remote does not support container enumeration")
	}
	containers, err := lister.ListContainers(ctx, "")
	if err != nil {
		return err
	}
	remoteSet := make(map[string]bool, len(containers))
	for _, entry := range containers {
		remoteSet[entry.Name] = true
	}
	for _, entry := range containers {
		if err := m.containerPass(ctx, entry.Name, entry.Name); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	locals, err := m.local.ListContainers(ctx, m.conf.Account, "", 0)
	if err != nil {
		return err
	}
	for _, entry := range locals {
		if !remoteSet[entry.Name] && !strings.HasSuffix(entry.Name, "_segments") {
			if err := m.vanishedContainer(ctx, entry.Name); err != nil {
				return err
			}
		}
	}
	return m.reconcileAccountMeta(ctx, remote)
}

func (m *Migrator) reconcileAccountMeta(ctx context.Context, remote backend.Remote) error {
	source, ok := remote.(backend.MetadataSource)
	if !ok {
		return nil
	}
	remoteHdr, err := source.HeadAccount(ctx)
	if err != nil {
		return err
	}
	localHdr, err := m.local.HeadAccount(ctx, m.conf.Account)
	if err != nil {
		return err
	}
	diff := DiffAccountHeaders(remoteHdr, localHdr)
	if len(diff) == 0 {
		return nil
	}
	m.log.Debug().Int("headers", len(diff)).Msg("updating account metadata")
	return m.local.PostAccount(ctx, m.conf.Account, diff)
}

func (m *Migrator) containerPass(ctx context.Context, container, bucket string) error {
	remote, err := m.remoteFor(bucket)
	if err != nil {
		return err
	}
	cursor, err := m.status.LoadMigrator(m.conf.Account, container)
	if err != nil {
		return err
	}
	remoteEntries, err := remote.List(ctx, cursor.Marker, m.chunk)
	if err != nil {
		if cmn.IsNotFound(err) {
			return m.vanishedContainer(ctx, container)
		}
		return err
	}
	if err := m.reconcileContainerMeta(ctx, remote, container); err != nil {
		return err
	}
	localEntries, err := m.local.ListContainer(ctx, m.conf.Account, container,
		client.ListOpts{Marker: cursor.Marker, Limit: m.chunk})
	if err != nil {
		return err
	}

	var totals passTotals
	j := 0
	for i := range remoteEntries {
		re := &remoteEntries[i]
		for j < len(localEntries) && localEntries[j].Name < re.Key {
			if _, err := m.maybeDeleteLocal(ctx, container, localEntries[j].Name); err != nil {
				return err
			}
			j++
		}
		var local *client.ObjectEntry
		if j < len(localEntries) && localEntries[j].Name == re.Key {
			local = &localEntries[j]
			j++
		}
		if err := m.reconcileObject(ctx, remote, container, re, local, &totals); err != nil {
			return err
		}
	}

	short := len(remoteEntries) < m.chunk
	if short {
		// everything local past the remote's tail is a delete candidate
		if err := m.drainLocalTail(ctx, container, localEntries[j:]); err != nil {
			return err
		}
	}

	if len(remoteEntries) > 0 {
		cursor.Marker = remoteEntries[len(remoteEntries)-1].Key
	}
	if short {
		cursor.Marker = ""
		cursor.LastFinishedAt = time.Now().UTC()
	}
	cursor.MovedCount += totals.moved
	cursor.ScannedCount += totals.scanned
	stats.MigratorMoved.WithLabelValues(m.conf.Account, container).Add(float64(totals.moved))
	stats.MigratorScanned.WithLabelValues(m.conf.Account, container).Add(float64(totals.scanned))
	return m.status.SaveMigrator(m.conf.Account, container, cursor)
}

func (m *Migrator) drainLocalTail(ctx context.Context, container string, rest []client.ObjectEntry) error {
	for {
		for i := range rest {
			if _, err := m.maybeDeleteLocal(ctx, container, rest[i].Name); err != nil {
				return err
			}
		}
		if len(rest) < m.chunk {
			return nil
		}
		marker := rest[len(rest)-1].Name
		var err error
		rest, err = m.local.ListContainer(ctx, m.conf.Account, container,
			client.ListOpts{Marker: marker, Limit: m.chunk})
		if err != nil {
			return err
		}
		if len(rest) == 0 {
			return nil
		}
	}
}

// reconcileObject decides, for one remote listing entry and its local
// counterpart (if any), whether to copy. Local modifications are never
// propagated outbound here: a strictly newer local object is left alone.
func (m *Migrator) reconcileObject(ctx context.Context, remote backend.Remote, container string,
	re *backend.ListEntry, local *client.ObjectEntry, totals *passTotals) error {
	totals.scanned++
	if local != nil {
		localMod, err := cmn.ParseListingTime(local.LastModified)
		if err != nil {
			return err
		}
		cmp, err := CmpObjectEntries(
			&ObjectEntry{Name: local.Name, LastModified: cmn.TruncateSwiftTime(localMod), Hash: local.Hash},
			&ObjectEntry{Name: re.Key, LastModified: cmn.TruncateSwiftTime(re.LastModified), Hash: re.ETag},
		)
		if err != nil {
			stats.Errors.WithLabelValues(stats.ErrKindConsistency).Inc()
			return err
		}
		if cmp >= 0 {
			// identical, or the local side is newer and authoritative
			return nil
		}
		if local.Hash == re.ETag {
			// same body, newer remote metadata
			return m.migrateMetaOnly(ctx, remote, container, re, totals)
		}
	}
	return m.migrateObject(ctx, remote, container, re, totals)
}

func (m *Migrator) migrateMetaOnly(ctx context.Context, remote backend.Remote, container string,
	re *backend.ListEntry, totals *passTotals) error {
	info, err := remote.Head(ctx, re.Key)
	if err != nil {
		return err
	}
	hdr := m.localPutHeaders(info)
	hdr.Del(cmn.HdrEtag)
	m.log.Debug().Str("container", container).Str("object", re.Key).Msg("updating object metadata")
	if err := m.local.PostObject(ctx, m.conf.Account, container, re.Key, hdr); err != nil {
		return err
	}
	totals.moved++
	return nil
}

func (m *Migrator) migrateObject(ctx context.Context, remote backend.Remote, container string,
	re *backend.ListEntry, totals *passTotals) error {
	if source, ok := remote.(backend.ManifestSource); ok {
		manifest, hdr, err := source.GetManifest(ctx, re.Key)
		if err != nil {
			return err
		}
		if manifest != nil {
			return m.migrateLargeObject(ctx, container, re, manifest, hdr, totals)
		}
	}
	return m.migratePlain(ctx, remote, container, re, totals)
}

func (m *Migrator) migratePlain(ctx context.Context, remote backend.Remote, container string,
	re *backend.ListEntry, totals *passTotals) error {
	info, body, err := remote.Get(ctx, re.Key)
	if err != nil {
		return err
	}
	defer body.Close()
	m.log.Debug().Str("container", container).Str("object", re.Key).
		Int64("bytes", info.Size).Msg("copying object")
	if _, err := m.local.PutObject(ctx, m.conf.Account, container, re.Key,
		m.localPutHeaders(info), info.Size, body); err != nil {
		return err
	}
	totals.moved++
	return nil
}

// migrateLargeObject copies the referenced segment containers before the
// manifest so a reader never sees a manifest with missing segments.
func (m *Migrator) migrateLargeObject(ctx context.Context, container string, re *backend.ListEntry,
	manifest cmn.Manifest, remoteHdr http.Header, totals *passTotals) error {
	for i := range manifest {
		segContainer, segObject := manifest[i].ContainerObject()
		if err := m.migrateSegment(ctx, segContainer, segObject, &manifest[i], totals); err != nil {
			return err
		}
	}

	hdr := http.Header{}
	for name, values := range remoteHdr {
		if strings.HasPrefix(name, cmn.ObjectMetaPrefix) && len(values) > 0 {
			hdr.Set(name, values[0])
		}
	}
	if v := remoteHdr.Get(cmn.HdrContentType); v != "" {
		hdr.Set(cmn.HdrContentType, v)
	}
	ts := cmn.FormatSwiftTimestamp(re.LastModified)
	hdr.Set(cmn.HdrTimestamp, ts)
	hdr.Set(cmn.MigratorSysmetaHeader, ts)

	if location := remoteHdr.Get(cmn.DLOHeader); location != "" {
		hdr.Set(cmn.DLOHeader, location)
		if _, err := m.local.PutObject(ctx, m.conf.Account, container, re.Key, hdr, 0,
			strings.NewReader("")); err != nil {
			return err
		}
	} else {
		if _, err := m.local.PutManifest(ctx, m.conf.Account, container, re.Key, hdr, manifest); err != nil {
			return err
		}
	}
	totals.moved++
	return nil
}

func (m *Migrator) migrateSegment(ctx context.Context, segContainer, segObject string,
	segment *cmn.Segment, totals *passTotals) error {
	if !m.seen[segContainer] {
		m.seen[segContainer] = true
		if err := m.local.PutContainer(ctx, m.conf.Account, segContainer, nil); err != nil {
			return err
		}
	}
	totals.scanned++

	// a segment already present locally with the same etag is scanned but not
	// copied again. Segments are reached only while their manifest is being
	// migrated; the segments of an unchanged manifest are not scanned on
	// later passes.
	localHdr, err := m.local.HeadObject(ctx, m.conf.Account, segContainer, segObject, nil)
	if err == nil && cmn.StripEtagQuotes(localHdr.Get(cmn.HdrEtag)) == segment.Hash {
		return nil
	}
	if err != nil && !cmn.IsNotFound(err) {
		return err
	}

	segRemote, err := m.remoteFor(segContainer)
	if err != nil {
		return err
	}
	info, body, err := segRemote.Get(ctx, segObject)
	if err != nil {
		return err
	}
	defer body.Close()
	if _, err := m.local.PutObject(ctx, m.conf.Account, segContainer, segObject,
		m.localPutHeaders(info), info.Size, body); err != nil {
		return err
	}
	totals.moved++
	return nil
}

// localPutHeaders renders a remote object's metadata back into the native
// namespace, stamping the migrator-origin marker and the source timestamp.
func (m *Migrator) localPutHeaders(info *backend.ObjectInfo) http.Header {
	hdr := http.Header{}
	for k, v := range info.Metadata {
		if v == nil {
			continue
		}
		switch strings.ToLower(k) {
		case cmn.SLOEtagField:
			// bookkeeping of the sync direction; not user metadata
		case cmn.S3ManifestField:
			hdr.Set(cmn.DLOHeader, *v)
		default:
			hdr.Set(cmn.ObjectMetaPrefix+k, *v)
		}
	}
	if info.ContentType != "" {
		hdr.Set(cmn.HdrContentType, info.ContentType)
	}
	etag := cmn.StripEtagQuotes(info.ETag)
	if etag != "" && !strings.Contains(etag, "-") {
		hdr.Set(cmn.HdrEtag, etag)
	}
	ts := cmn.FormatSwiftTimestamp(info.LastModified)
	hdr.Set(cmn.HdrTimestamp, ts)
	hdr.Set(cmn.MigratorSysmetaHeader, ts)
	return hdr
}

// maybeDeleteLocal propagates a remote deletion. The object goes away only
// if the migrator put it there and nothing local touched it since.
func (m *Migrator) maybeDeleteLocal(ctx context.Context, container, object string) (bool, error) {
	hdr, err := m.local.HeadObject(ctx, m.conf.Account, container, object, nil)
	if err != nil {
		if cmn.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	origin := hdr.Get(cmn.MigratorSysmetaHeader)
	if origin == "" {
		return false, nil
	}
	originAt, err := cmn.ParseSwiftTimestamp(origin)
	if err != nil {
		return false, nil //nolint:nilerr // malformed marker: retain
	}
	modifiedAt, err := cmn.ParseSwiftTimestamp(hdr.Get(cmn.HdrTimestamp))
	if err != nil || !modifiedAt.Equal(originAt) {
		// a local PUT or POST happened after migration
		return false, nil
	}
	m.log.Debug().Str("container", container).Str("object", object).Msg("deleting migrated object")
	if err := m.local.DeleteObject(ctx, m.conf.Account, container, object); err != nil && !cmn.IsNotFound(err) {
		return false, err
	}
	return true, nil
}

// vanishedContainer handles a remote container that no longer exists: its
// migrator-origin objects are pruned, and the container itself is deleted
// only when nothing locally originated remains in it.
func (m *Migrator) vanishedContainer(ctx context.Context, container string) error {
	hdr, err := m.local.HeadContainer(ctx, m.conf.Account, container)
	if err != nil {
		if cmn.IsNotFound(err) {
			return nil
		}
		return err
	}

	leftover := false
	marker := ""
	for {
		entries, err := m.local.ListContainer(ctx, m.conf.Account, container,
			client.ListOpts{Marker: marker, Limit: m.chunk})
		if err != nil {
			return err
		}
		for i := range entries {
			deleted, err := m.maybeDeleteLocal(ctx, container, entries[i].Name)
			if err != nil {
				return err
			}
			if !deleted {
				leftover = true
			}
		}
		if len(entries) < m.chunk {
			break
		}
		marker = entries[len(entries)-1].Name
	}

	if leftover || hasUserMeta(hdr, cmn.ContainerMetaPrefix) {
		return nil
	}
	m.log.Info().Str("container", container).Msg("deleting migrated container")
	if err := m.local.DeleteContainer(ctx, m.conf.Account, container); err != nil && !cmn.IsNotFound(err) {
		// a racing write can repopulate the container; leave it be
		var se *cmn.StatusError
		if errors.As(err, &se) && se.Status == http.StatusConflict {
			return nil
		}
		return err
	}
	return nil
}

func hasUserMeta(hdr http.Header, prefix string) bool {
	for name := range hdr {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// reconcileContainerMeta creates the local container on demand and applies
// the metadata diff under newest-wins: the newer side's user headers win,
// and at equal (whole-second) times the local side does.
func (m *Migrator) reconcileContainerMeta(ctx context.Context, remote backend.Remote, container string) error {
	source, _ := remote.(backend.MetadataSource)

	localHdr, err := m.local.HeadContainer(ctx, m.conf.Account, container)
	if err != nil {
		if !cmn.IsNotFound(err) {
			return err
		}
		var create http.Header
		if source != nil {
			remoteHdr, err := source.HeadContainer(ctx)
			if err != nil {
				return err
			}
			create = DiffContainerHeaders(remoteHdr, http.Header{})
		}
		return m.local.PutContainer(ctx, m.conf.Account, container, create)
	}
	if source == nil {
		return nil
	}
	remoteHdr, err := source.HeadContainer(ctx)
	if err != nil {
		return err
	}
	if !containerModTime(remoteHdr).After(containerModTime(localHdr)) {
		return nil
	}
	diff := DiffContainerHeaders(remoteHdr, localHdr)
	if len(diff) == 0 {
		return nil
	}
	m.log.Debug().Str("container", container).Int("headers", len(diff)).Msg("updating container metadata")
	return m.local.PostContainer(ctx, m.conf.Account, container, diff)
}
