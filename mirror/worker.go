// Package mirror applies a container's change log to a remote bucket: the
// outbound half of the daemon.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package mirror

import (
	"context"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/swiftstack/cloudsync/backend"
	"github.com/swiftstack/cloudsync/client"
	"github.com/swiftstack/cloudsync/cmn"
	"github.com/swiftstack/cloudsync/stats"
	"github.com/swiftstack/cloudsync/status"
)

type (
	// ChangeRow is one mutation of the container's change log. Within one
	// source database, row IDs are strictly increasing and rows are
	// processed in order.
	ChangeRow struct {
		RowID              int64
		Name               string
		StoragePolicyIndex int
		Deleted            bool
		CreatedAt          int64 // nanoseconds
	}

	// ChangeSource produces ordered mutation rows for a local container.
	// The worker only contracts with its cursor semantics: rows come back
	// strictly after the given row ID, in increasing order.
	ChangeSource interface {
		DatabaseIDs(ctx context.Context, account, container string) ([]string, error)
		ChangesSince(ctx context.Context, account, container, dbID string, lastRow int64, limit int) ([]ChangeRow, error)
	}

	// Worker syncs one (account, container) mapping. One worker owns the
	// container's status file; nothing else writes it.
	Worker struct {
		conf      *cmn.SyncConfig
		container string
		local     client.Client
		remote    backend.Remote
		status    *status.Store
		source    ChangeSource
		batch     int
		log       zerolog.Logger
	}
)

func NewWorker(conf *cmn.SyncConfig, container string, local client.Client, remote backend.Remote,
	st *status.Store, source ChangeSource, batch int, log zerolog.Logger) *Worker {
	if container == "" {
		container = conf.Container
	}
	return &Worker{
		conf:      conf,
		container: container,
		local:     local,
		remote:    remote,
		status:    st,
		source:    source,
		batch:     batch,
		log:       log.With().Str("container", conf.Account+"/"+container).Logger(),
	}
}

// RunPass drains the change log once for every source database. Transient
// errors stop the pass without advancing the checkpoint; validation errors
// skip the row and keep going.
func (w *Worker) RunPass(ctx context.Context) error {
	dbIDs, err := w.source.DatabaseIDs(ctx, w.conf.Account, w.container)
	if err != nil {
		return err
	}
	for _, dbID := range dbIDs {
		if err := w.drainDB(ctx, dbID); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) drainDB(ctx context.Context, dbID string) error {
	lastRow := w.status.LastRow(w.conf.Account, w.container, dbID, w.remote.Bucket())
	for {
		rows, err := w.source.ChangesSince(ctx, w.conf.Account, w.container, dbID, lastRow, w.batch)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		for i := range rows {
			row := &rows[i]
			if err := w.handleRow(ctx, row); err != nil {
				if cmn.IsValidationError(err) {
					// permanent: log it and move past the row
					w.log.Error().Int64("row", row.RowID).Str("object", row.Name).
						Err(err).Msg("validation failed, skipping row")
					stats.Errors.WithLabelValues(stats.ErrKindValidation).Inc()
				} else {
					stats.Errors.WithLabelValues(stats.ErrKindTransient).Inc()
					return err
				}
			}
			lastRow = row.RowID
			if err := w.status.SaveLastRow(w.conf.Account, w.container, dbID, w.remote.Bucket(), lastRow); err != nil {
				return err
			}
			stats.RowsProcessed.WithLabelValues(w.conf.Account, w.container).Inc()
			// the row's checkpoint is durable; a stop request takes effect here
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		if len(rows) < w.batch {
			return nil
		}
	}
}

// handleRow applies one change so that the remote reflects the local state
// of the object at or after the row's timestamp. Re-running a row after
// success is a no-op.
func (w *Worker) handleRow(ctx context.Context, row *ChangeRow) error {
	key := w.conf.RemoteKey(w.container, row.Name)
	if row.Deleted {
		w.log.Debug().Str("key", key).Msg("deleting object")
		if err := w.remote.Delete(ctx, key); err != nil && !cmn.IsNotFound(err) {
			return err
		}
		return nil
	}

	reqHdrs := http.Header{}
	reqHdrs.Set(cmn.BackendPolicyIndexHeader, strconv.Itoa(row.StoragePolicyIndex))
	reqHdrs.Set(cmn.NewestHeader, "True")

	localHdr, err := w.local.HeadObject(ctx, w.conf.Account, w.container, row.Name, reqHdrs)
	if err != nil {
		if cmn.IsNotFound(err) {
			// raced with a later delete row; that row will clean up
			return nil
		}
		return err
	}
	if cmn.IsSLO(localHdr) || cmn.IsDLO(localHdr) {
		return w.uploadLargeObject(ctx, row.Name, key, reqHdrs)
	}
	return w.uploadObject(ctx, row.Name, key, localHdr, reqHdrs)
}

func (w *Worker) uploadObject(ctx context.Context, object, key string, localHdr, reqHdrs http.Header) error {
	remoteInfo, err := w.remote.Head(ctx, key)
	if err != nil {
		if !cmn.IsNotFound(err) {
			return err
		}
		remoteInfo = nil
	}

	localEtag := cmn.StripEtagQuotes(localHdr.Get(cmn.HdrEtag))
	if remoteInfo != nil && cmn.EtagsEqual(localEtag, remoteInfo.ETag) {
		if cmn.IsObjectMetaSynced(remoteInfo.Metadata, localHdr) {
			return nil
		}
		if remoteInfo.StorageClass != cmn.GlacierStorageClass {
			w.log.Debug().Str("key", key).Msg("updating metadata")
			return w.remote.PostMeta(ctx, key, putMeta(localHdr, localEtag))
		}
	}

	hdr, body, err := w.local.GetObject(ctx, w.conf.Account, w.container, object, reqHdrs)
	if err != nil {
		return err
	}
	defer body.Close()
	size, err := strconv.ParseInt(hdr.Get(cmn.HdrContentLength), 10, 64)
	if err != nil {
		return cmn.NewValidationError("%s: missing content length", w.conf.FullName(w.container, object))
	}
	etag := cmn.StripEtagQuotes(hdr.Get(cmn.HdrEtag))
	w.log.Debug().Str("key", key).Int64("bytes", size).Msg("uploading")
	if _, err = w.remote.Put(ctx, key, body, size, putMeta(hdr, etag)); err != nil {
		return err
	}
	stats.ObjectsUploaded.WithLabelValues(w.conf.Account, w.container).Inc()
	stats.BytesUploaded.WithLabelValues(w.conf.Account, w.container).Add(float64(size))
	return nil
}

// putMeta translates native object metadata for the remote side; the ETag
// travels as Content-MD5, never as user metadata.
func putMeta(localHdr http.Header, etag string) backend.PutMeta {
	return backend.PutMeta{
		Metadata:    cmn.ConvertToS3Headers(localHdr),
		ContentType: localHdr.Get(cmn.HdrContentType),
		ContentMD5:  etag,
	}
}
