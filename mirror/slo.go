// Package mirror applies a container's change log to a remote bucket: the
// outbound half of the daemon.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package mirror

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/swiftstack/cloudsync/backend"
	"github.com/swiftstack/cloudsync/client"
	"github.com/swiftstack/cloudsync/cmn"
	"github.com/swiftstack/cloudsync/stats"
)

// uploadLargeObject translates a segmented manifest into either a multipart
// upload (each segment = one part) or, for targets without multipart, a
// single concatenated put.
func (w *Worker) uploadLargeObject(ctx context.Context, object, key string, reqHdrs http.Header) error {
	manifest, localHdr, err := w.resolveManifest(ctx, object, reqHdrs)
	if err != nil {
		return err
	}
	// validation precedes any network work toward the remote
	if err := manifest.Validate(); err != nil {
		return err
	}
	localEtag := cmn.StripEtagQuotes(localHdr.Get(cmn.HdrEtag))

	if !w.remote.CanMultipart() {
		return w.uploadCombined(ctx, key, manifest, localHdr, localEtag, reqHdrs)
	}

	expectedEtag := cmn.GetSLOEtag(manifest)
	remoteInfo, err := w.remote.Head(ctx, key)
	if err != nil && !cmn.IsNotFound(err) {
		return err
	}
	if remoteInfo != nil && cmn.EtagsEqual(expectedEtag, remoteInfo.ETag) {
		if cmn.IsObjectMetaSynced(remoteInfo.Metadata, localHdr) {
			return nil
		}
		if remoteInfo.StorageClass != cmn.GlacierStorageClass {
			return w.updateLargeObjectMeta(ctx, key, manifest, localHdr)
		}
	}
	return w.uploadParts(ctx, key, manifest, localHdr, reqHdrs)
}

// resolveManifest fetches the SLO manifest body, or synthesizes one from
// the segment-container listing for a DLO.
func (w *Worker) resolveManifest(ctx context.Context, object string, reqHdrs http.Header) (cmn.Manifest, http.Header, error) {
	hdr, err := w.local.HeadObject(ctx, w.conf.Account, w.container, object, reqHdrs)
	if err != nil {
		return nil, nil, err
	}
	if cmn.IsSLO(hdr) {
		manifest, mhdr, err := w.local.GetManifest(ctx, w.conf.Account, w.container, object, reqHdrs)
		if err != nil {
			return nil, nil, err
		}
		return manifest, mhdr, nil
	}
	location := hdr.Get(cmn.DLOHeader)
	if location == "" {
		return nil, nil, cmn.NewValidationError("%s: no manifest header",
			w.conf.FullName(w.container, object))
	}
	parts := strings.SplitN(location, "/", 2)
	container, prefix := parts[0], ""
	if len(parts) > 1 {
		prefix = parts[1]
	}
	entries, err := w.local.ListContainer(ctx, w.conf.Account, container,
		client.ListOpts{Prefix: prefix})
	if err != nil {
		return nil, nil, err
	}
	manifest := make(cmn.Manifest, 0, len(entries))
	for _, entry := range entries {
		manifest = append(manifest, cmn.Segment{
			Name:  "/" + container + "/" + entry.Name,
			Bytes: entry.Bytes,
			Hash:  entry.Hash,
		})
	}
	return manifest, hdr, nil
}

type partTask struct {
	number  int
	segment cmn.Segment
}

// uploadParts pushes segment tasks onto a bounded queue drained by a fixed
// worker pool; part numbers are assigned at enqueue time, so out-of-order
// completion is harmless. Any worker error aborts the whole upload.
func (w *Worker) uploadParts(ctx context.Context, key string, manifest cmn.Manifest, localHdr http.Header, reqHdrs http.Header) error {
	uploadID, err := w.remote.CreateMultipart(ctx, key, putMeta(localHdr, ""))
	if err != nil {
		return err
	}

	var (
		queue   = make(chan partTask, cmn.SLOQueueSize)
		wg      sync.WaitGroup
		errorsM sync.Mutex
		failed  []error
	)
	for i := 0; i < cmn.SLOWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range queue {
				if err := w.uploadOnePart(ctx, key, uploadID, task, reqHdrs); err != nil {
					errorsM.Lock()
					failed = append(failed, err)
					errorsM.Unlock()
				}
			}
		}()
	}
	for i := range manifest {
		queue <- partTask{number: i + 1, segment: manifest[i]}
	}
	close(queue)
	wg.Wait()

	// TODO: retry failed parts instead of aborting the whole upload
	if len(failed) > 0 {
		if abortErr := w.remote.AbortMultipart(ctx, key, uploadID); abortErr != nil {
			w.log.Error().Str("key", key).Err(abortErr).Msg("failed to abort multipart upload")
		}
		return errors.Wrapf(failed[0], "failed to upload %d part(s) of %s", len(failed), key)
	}

	parts := make([]backend.CompletedPart, len(manifest))
	for i := range manifest {
		parts[i] = backend.CompletedPart{PartNumber: i + 1, ETag: manifest[i].Hash}
	}
	if err := w.remote.CompleteMultipart(ctx, key, uploadID, parts); err != nil {
		if abortErr := w.remote.AbortMultipart(ctx, key, uploadID); abortErr != nil {
			w.log.Error().Str("key", key).Err(abortErr).Msg("failed to abort multipart upload")
		}
		return err
	}
	stats.ObjectsUploaded.WithLabelValues(w.conf.Account, w.container).Inc()
	stats.BytesUploaded.WithLabelValues(w.conf.Account, w.container).Add(float64(manifest.TotalBytes()))
	return nil
}

func (w *Worker) uploadOnePart(ctx context.Context, key, uploadID string, task partTask, reqHdrs http.Header) error {
	container, object := task.segment.ContainerObject()
	_, body, err := w.local.GetObject(ctx, w.conf.Account, container, object, reqHdrs)
	if err != nil {
		return err
	}
	defer body.Close()
	w.log.Debug().Str("key", key).Int("part", task.number).
		Int64("bytes", task.segment.Bytes).Msg("uploading part")
	etag, err := w.remote.UploadPart(ctx, key, uploadID, task.number, body,
		task.segment.Bytes, task.segment.Hash)
	if err != nil {
		return err
	}
	if !cmn.EtagsEqual(task.segment.Hash, etag) {
		return errors.Errorf("part %d etag mismatch (%s): %s %s",
			task.number, task.segment.Name, task.segment.Hash, etag)
	}
	return nil
}

// updateLargeObjectMeta reproduces the multipart object in place to replace
// its metadata: a fresh upload populated with ranged server-side copies,
// completed with the original per-part hashes so the ETag is unchanged.
func (w *Worker) updateLargeObjectMeta(ctx context.Context, key string, manifest cmn.Manifest, localHdr http.Header) error {
	uploadID, err := w.remote.CreateMultipart(ctx, key, putMeta(localHdr, ""))
	if err != nil {
		return err
	}
	var offset int64
	for i := range manifest {
		segment := &manifest[i]
		etag, err := w.remote.UploadPartCopy(ctx, key, uploadID, i+1, key,
			offset, offset+segment.Bytes-1)
		if err != nil {
			w.abort(ctx, key, uploadID)
			return err
		}
		if !cmn.EtagsEqual(segment.Hash, etag) {
			w.abort(ctx, key, uploadID)
			return errors.Errorf("part %d etag mismatch (%s): %s %s",
				i+1, segment.Name, segment.Hash, etag)
		}
		offset += segment.Bytes
	}
	parts := make([]backend.CompletedPart, len(manifest))
	for i := range manifest {
		parts[i] = backend.CompletedPart{PartNumber: i + 1, ETag: manifest[i].Hash}
	}
	if err := w.remote.CompleteMultipart(ctx, key, uploadID, parts); err != nil {
		w.abort(ctx, key, uploadID)
		return err
	}
	return nil
}

func (w *Worker) abort(ctx context.Context, key, uploadID string) {
	if err := w.remote.AbortMultipart(ctx, key, uploadID); err != nil {
		w.log.Error().Str("key", key).Err(err).Msg("failed to abort multipart upload")
	}
}

// uploadCombined streams the concatenation of all segments as one put for
// targets without multipart; the original overall manifest ETag is recorded
// so future metadata syncs can detect equality without re-reading segments.
func (w *Worker) uploadCombined(ctx context.Context, key string, manifest cmn.Manifest,
	localHdr http.Header, localEtag string, reqHdrs http.Header) error {
	total := manifest.TotalBytes()
	if total > cmn.MaxSinglePutSize {
		return cmn.NewValidationError("%s: %d bytes exceeds the single-put limit", key, total)
	}

	remoteInfo, err := w.remote.Head(ctx, key)
	if err != nil && !cmn.IsNotFound(err) {
		return err
	}
	if remoteInfo != nil {
		if recorded, ok := cmn.MetaValue(remoteInfo.Metadata, cmn.SLOEtagField); ok && recorded == localEtag {
			if cmn.IsObjectMetaSynced(remoteInfo.Metadata, localHdr) {
				return nil
			}
			return w.remote.PostMeta(ctx, key, w.combinedMeta(localHdr, localEtag))
		}
	}

	reader := &sloReader{
		ctx:      ctx,
		worker:   w,
		manifest: manifest,
		reqHdrs:  reqHdrs,
	}
	defer reader.Close()
	if _, err := w.remote.Put(ctx, key, reader, total, w.combinedMeta(localHdr, localEtag)); err != nil {
		return err
	}
	stats.ObjectsUploaded.WithLabelValues(w.conf.Account, w.container).Inc()
	stats.BytesUploaded.WithLabelValues(w.conf.Account, w.container).Add(float64(total))
	return nil
}

func (w *Worker) combinedMeta(localHdr http.Header, localEtag string) backend.PutMeta {
	meta := putMeta(localHdr, "")
	meta.Metadata[cmn.SLOEtagField] = &localEtag
	return meta
}

// sloReader lazily concatenates manifest segments, opening each one as the
// previous is exhausted.
type sloReader struct {
	ctx      context.Context
	worker   *Worker
	manifest cmn.Manifest
	reqHdrs  http.Header

	next    int
	current io.ReadCloser
}

var _ io.ReadCloser = (*sloReader)(nil)

func (r *sloReader) Read(p []byte) (int, error) {
	for {
		if r.current == nil {
			if r.next >= len(r.manifest) {
				return 0, io.EOF
			}
			segment := &r.manifest[r.next]
			container, object := segment.ContainerObject()
			_, body, err := r.worker.local.GetObject(r.ctx, r.worker.conf.Account,
				container, object, r.reqHdrs)
			if err != nil {
				return 0, err
			}
			r.current = body
			r.next++
		}
		n, err := r.current.Read(p)
		if err == io.EOF {
			r.current.Close()
			r.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *sloReader) Close() error {
	if r.current != nil {
		err := r.current.Close()
		r.current = nil
		return err
	}
	return nil
}
