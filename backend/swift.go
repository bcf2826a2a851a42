// Package backend contains implementation of the remote-store providers.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/swiftstack/cloudsync/cmn"
	"golang.org/x/sync/semaphore"
)

// swiftRemote treats a peer native store as the cloud side. Credentials are
// exchanged for a storage URL and token via the v1 auth endpoint; a 401 on a
// bodyless request sent through do triggers exactly one re-auth and retry,
// and requests that carry a body are not retried.
type swiftRemote struct {
	conf   *cmn.SyncConfig
	bucket string
	http   *http.Client
	sem    *semaphore.Weighted // bounds concurrent requests, like the S3 pool

	mu         sync.Mutex
	token      string
	storageURL string
	uploads    map[string]*multipartState
}

// multipartState remembers the metadata handed to CreateMultipart until the
// manifest put at completion time.
type multipartState struct {
	meta PutMeta
}

// interface guards
var (
	_ Remote          = (*swiftRemote)(nil)
	_ ContainerLister = (*swiftRemote)(nil)
	_ MetadataSource  = (*swiftRemote)(nil)
	_ ManifestSource  = (*swiftRemote)(nil)
)

func newSwiftRemote(conf *cmn.SyncConfig, bucket string) (*swiftRemote, error) {
	if conf.AwsEndpoint == "" {
		return nil, errors.New("swift remotes require aws_endpoint (auth URL)")
	}
	return &swiftRemote{
		conf:   conf,
		bucket: bucket,
		http: &http.Client{Transport: &http.Transport{
			MaxIdleConnsPerHost: conf.MaxConns,
			MaxConnsPerHost:     conf.MaxConns,
		}},
		sem:     semaphore.NewWeighted(int64(conf.MaxConns)),
		uploads: make(map[string]*multipartState),
	}, nil
}

func (r *swiftRemote) Bucket() string     { return r.bucket }
func (r *swiftRemote) CanMultipart() bool { return true }

func (r *swiftRemote) auth(ctx context.Context) (token, storageURL string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.token != "" {
		return r.token, r.storageURL, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.conf.AwsEndpoint, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("X-Auth-User", r.conf.AwsIdentity)
	req.Header.Set("X-Auth-Key", r.conf.AwsSecret)
	resp, err := r.http.Do(req)
	if err != nil {
		return "", "", errors.Wrap(err, "swift auth")
	}
	defer drainBody(resp)
	if resp.StatusCode >= http.StatusBadRequest {
		return "", "", cmn.NewStatusError(resp.StatusCode, "auth", r.conf.AwsEndpoint)
	}
	r.token = resp.Header.Get("X-Auth-Token")
	r.storageURL = strings.TrimRight(resp.Header.Get("X-Storage-Url"), "/")
	if r.conf.RemoteAccount != "" {
		if idx := strings.LastIndex(r.storageURL, "/"); idx != -1 {
			r.storageURL = r.storageURL[:idx+1] + url.PathEscape(r.conf.RemoteAccount)
		}
	}
	if r.token == "" || r.storageURL == "" {
		return "", "", errors.New("swift auth returned no token or storage URL")
	}
	return r.token, r.storageURL, nil
}

func (r *swiftRemote) expire() {
	r.mu.Lock()
	r.token = ""
	r.mu.Unlock()
}

func (r *swiftRemote) keyURL(storageURL, key string) string {
	u := storageURL + "/" + url.PathEscape(r.bucket)
	if key != "" {
		parts := strings.Split(key, "/")
		for i := range parts {
			parts[i] = url.PathEscape(parts[i])
		}
		u += "/" + strings.Join(parts, "/")
	}
	return u
}

// do runs one authenticated request, retrying once on 401 when it has no body.
func (r *swiftRemote) do(ctx context.Context, method, key, query string, hdr http.Header, body func() io.Reader, size int64) (*http.Response, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)
	for attempt := 0; ; attempt++ {
		token, storageURL, err := r.auth(ctx)
		if err != nil {
			return nil, err
		}
		var reader io.Reader
		if body != nil {
			reader = body()
		}
		rawurl := r.keyURL(storageURL, key) + query
		req, err := http.NewRequestWithContext(ctx, method, rawurl, reader)
		if err != nil {
			return nil, err
		}
		for k, vs := range hdr {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("X-Auth-Token", token)
		if size >= 0 {
			req.ContentLength = size
		}
		resp, err := r.http.Do(req)
		if err != nil {
			return nil, errors.Wrapf(err, "%s %s", method, rawurl)
		}
		// a body reader is one-shot; only bodyless calls are retried
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 && body == nil {
			drainBody(resp)
			r.expire()
			continue
		}
		if resp.StatusCode >= http.StatusBadRequest {
			drainBody(resp)
			return nil, cmn.NewStatusError(resp.StatusCode, method, rawurl)
		}
		return resp, nil
	}
}

func drainBody(resp *http.Response) {
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // keep-alive reuse
	resp.Body.Close()
}

// metaHeaders renders translated metadata back into the native namespace.
func metaHeaders(meta PutMeta) http.Header {
	hdr := http.Header{}
	for k, v := range meta.Metadata {
		if v == nil {
			continue
		}
		switch strings.ToLower(k) {
		case cmn.S3ManifestField:
			hdr.Set(cmn.DLOHeader, *v)
		default:
			hdr.Set(cmn.ObjectMetaPrefix+k, *v)
		}
	}
	if meta.ContentType != "" {
		hdr.Set(cmn.HdrContentType, meta.ContentType)
	}
	return hdr
}

func (r *swiftRemote) List(ctx context.Context, marker string, limit int) ([]ListEntry, error) {
	return r.listContainer(ctx, r.bucket, marker, "", limit)
}

func (r *swiftRemote) listContainer(ctx context.Context, container, marker, prefix string, limit int) ([]ListEntry, error) {
	token, storageURL, err := r.auth(ctx)
	if err != nil {
		return nil, err
	}
	query := "?format=json"
	if marker != "" {
		query += "&marker=" + url.QueryEscape(marker)
	}
	if prefix != "" {
		query += "&prefix=" + url.QueryEscape(prefix)
	}
	if limit > 0 {
		query += "&limit=" + strconv.Itoa(limit)
	}
	rawurl := storageURL + "/" + url.PathEscape(container) + query
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Auth-Token", token)
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "GET %s", rawurl)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, cmn.NewStatusError(resp.StatusCode, "list", container)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Name         string `json:"name"`
		Bytes        int64  `json:"bytes"`
		Hash         string `json:"hash"`
		LastModified string `json:"last_modified"`
	}
	if err := cmn.Unmarshal(data, &rows); err != nil {
		return nil, errors.Wrapf(err, "failed to parse listing of %s", container)
	}
	entries := make([]ListEntry, 0, len(rows))
	for _, row := range rows {
		t, err := cmn.ParseListingTime(row.LastModified)
		if err != nil {
			return nil, err
		}
		entries = append(entries, ListEntry{
			Key:          row.Name,
			Size:         row.Bytes,
			ETag:         row.Hash,
			LastModified: t,
		})
	}
	return entries, nil
}

func (r *swiftRemote) ListContainers(ctx context.Context, marker string) ([]ContainerEntry, error) {
	query := "?format=json"
	if marker != "" {
		query += "&marker=" + url.QueryEscape(marker)
	}
	token, storageURL, err := r.auth(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, storageURL+query, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Auth-Token", token)
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "list containers")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, cmn.NewStatusError(resp.StatusCode, "list_containers", storageURL)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var rows []struct {
		Name         string `json:"name"`
		LastModified string `json:"last_modified"`
	}
	if err := cmn.Unmarshal(data, &rows); err != nil {
		return nil, errors.Wrap(err, "failed to parse account listing")
	}
	entries := make([]ContainerEntry, 0, len(rows))
	for _, row := range rows {
		entry := ContainerEntry{Name: row.Name}
		if row.LastModified != "" {
			if t, err := cmn.ParseListingTime(row.LastModified); err == nil {
				entry.LastModified = t
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *swiftRemote) infoFromResponse(key string, hdr http.Header) *ObjectInfo {
	info := &ObjectInfo{
		Key:         key,
		ETag:        hdr.Get(cmn.HdrEtag),
		ContentType: hdr.Get(cmn.HdrContentType),
		Metadata:    make(map[string]*string),
	}
	if v := hdr.Get(cmn.HdrContentLength); v != "" {
		info.Size, _ = strconv.ParseInt(v, 10, 64)
	}
	if v := hdr.Get(cmn.HdrTimestamp); v != "" {
		if t, err := cmn.ParseSwiftTimestamp(v); err == nil {
			info.LastModified = t
		}
	}
	for name, values := range hdr {
		if len(values) == 0 {
			continue
		}
		switch {
		case strings.HasPrefix(name, cmn.ObjectMetaPrefix):
			v := values[0]
			info.Metadata[strings.ToLower(name[len(cmn.ObjectMetaPrefix):])] = &v
		case name == cmn.DLOHeader:
			v := values[0]
			info.Metadata[cmn.S3ManifestField] = &v
		}
	}
	return info
}

func (r *swiftRemote) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	resp, err := r.do(ctx, http.MethodHead, key, "", nil, nil, -1)
	if err != nil {
		return nil, err
	}
	drainBody(resp)
	return r.infoFromResponse(key, resp.Header), nil
}

func (r *swiftRemote) Get(ctx context.Context, key string) (*ObjectInfo, io.ReadCloser, error) {
	resp, err := r.do(ctx, http.MethodGet, key, "", nil, nil, -1)
	if err != nil {
		return nil, nil, err
	}
	return r.infoFromResponse(key, resp.Header), resp.Body, nil
}

// GetManifest resolves the segment list of a large object: the raw manifest
// body for an SLO, a synthesized listing-backed manifest for a DLO, and
// (nil, hdr, nil) for a plain object.
func (r *swiftRemote) GetManifest(ctx context.Context, key string) (cmn.Manifest, http.Header, error) {
	head, err := r.do(ctx, http.MethodHead, key, "?multipart-manifest=get", nil, nil, -1)
	if err != nil {
		return nil, nil, err
	}
	drainBody(head)

	if location := head.Header.Get(cmn.DLOHeader); location != "" {
		parts := strings.SplitN(location, "/", 2)
		container, prefix := parts[0], ""
		if len(parts) > 1 {
			prefix = parts[1]
		}
		entries, err := r.listContainer(ctx, container, "", prefix, 0)
		if err != nil {
			return nil, nil, err
		}
		manifest := make(cmn.Manifest, 0, len(entries))
		for _, entry := range entries {
			manifest = append(manifest, cmn.Segment{
				Name:  "/" + container + "/" + entry.Key,
				Bytes: entry.Size,
				Hash:  entry.ETag,
			})
		}
		return manifest, head.Header, nil
	}
	if !cmn.IsSLO(head.Header) {
		return nil, head.Header, nil
	}

	resp, err := r.do(ctx, http.MethodGet, key, "?multipart-manifest=get&format=raw", nil, nil, -1)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	var manifest cmn.Manifest
	if err := cmn.Unmarshal(data, &manifest); err != nil {
		return nil, nil, errors.Wrapf(err, "unparseable manifest for %s", key)
	}
	return manifest, head.Header, nil
}

func (r *swiftRemote) Put(ctx context.Context, key string, body io.Reader, size int64, meta PutMeta) (string, error) {
	hdr := metaHeaders(meta)
	if meta.ContentMD5 != "" {
		hdr.Set(cmn.HdrEtag, meta.ContentMD5)
	}
	resp, err := r.do(ctx, http.MethodPut, key, "", hdr, func() io.Reader { return body }, size)
	if err != nil {
		return "", err
	}
	drainBody(resp)
	return resp.Header.Get(cmn.HdrEtag), nil
}

func (r *swiftRemote) PostMeta(ctx context.Context, key string, meta PutMeta) error {
	resp, err := r.do(ctx, http.MethodPost, key, "", metaHeaders(meta), nil, -1)
	if err != nil {
		return err
	}
	drainBody(resp)
	return nil
}

func (r *swiftRemote) Delete(ctx context.Context, key string) error {
	resp, err := r.do(ctx, http.MethodDelete, key, "", nil, nil, -1)
	if err != nil {
		return err
	}
	drainBody(resp)
	return nil
}

//
// multipart: realized with segment objects plus a static manifest
//

func (r *swiftRemote) segmentsContainer() string { return r.bucket + "_segments" }

func (r *swiftRemote) segmentKey(key, uploadID string, partNum int) string {
	return fmt.Sprintf("%s/%s/%08d", key, uploadID, partNum)
}

func (r *swiftRemote) CreateMultipart(ctx context.Context, key string, meta PutMeta) (string, error) {
	token, storageURL, err := r.auth(ctx)
	if err != nil {
		return "", err
	}
	// segments live in a sibling container, created on demand
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		storageURL+"/"+url.PathEscape(r.segmentsContainer()), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Auth-Token", token)
	resp, err := r.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "create segments container")
	}
	drainBody(resp)
	if resp.StatusCode >= http.StatusBadRequest {
		return "", cmn.NewStatusError(resp.StatusCode, "put_container", r.segmentsContainer())
	}

	uploadID := cmn.GenUUID()
	r.mu.Lock()
	r.uploads[uploadID] = &multipartState{meta: meta}
	r.mu.Unlock()
	return uploadID, nil
}

func (r *swiftRemote) putSegment(ctx context.Context, container, object string, body io.Reader, size int64, md5hex string) (string, error) {
	token, storageURL, err := r.auth(ctx)
	if err != nil {
		return "", err
	}
	parts := strings.Split(object, "/")
	for i := range parts {
		parts[i] = url.PathEscape(parts[i])
	}
	rawurl := storageURL + "/" + url.PathEscape(container) + "/" + strings.Join(parts, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawurl, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Auth-Token", token)
	if md5hex != "" {
		req.Header.Set(cmn.HdrEtag, md5hex)
	}
	if size >= 0 {
		req.ContentLength = size
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "PUT %s", rawurl)
	}
	defer drainBody(resp)
	if resp.StatusCode >= http.StatusBadRequest {
		return "", cmn.NewStatusError(resp.StatusCode, http.MethodPut, rawurl)
	}
	return resp.Header.Get(cmn.HdrEtag), nil
}

func (r *swiftRemote) UploadPart(ctx context.Context, key, uploadID string, partNum int, body io.Reader, size int64, md5hex string) (string, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer r.sem.Release(1)
	return r.putSegment(ctx, r.segmentsContainer(), r.segmentKey(key, uploadID, partNum), body, size, md5hex)
}

// UploadPartCopy reads the byte range from the source object and writes it
// as a new segment; the native protocol has no server-side ranged copy.
func (r *swiftRemote) UploadPartCopy(ctx context.Context, key, uploadID string, partNum int, srcKey string, rangeFrom, rangeTo int64) (string, error) {
	hdr := http.Header{}
	hdr.Set("Range", fmt.Sprintf("bytes=%d-%d", rangeFrom, rangeTo))
	resp, err := r.do(ctx, http.MethodGet, srcKey, "", hdr, nil, -1)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return r.putSegment(ctx, r.segmentsContainer(),
		r.segmentKey(key, uploadID, partNum), resp.Body, rangeTo-rangeFrom+1, "")
}

func (r *swiftRemote) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	r.mu.Lock()
	state := r.uploads[uploadID]
	delete(r.uploads, uploadID)
	r.mu.Unlock()

	manifest := make([]map[string]interface{}, len(parts))
	for i, part := range parts {
		manifest[i] = map[string]interface{}{
			"path": "/" + r.segmentsContainer() + "/" + r.segmentKey(key, uploadID, part.PartNumber),
			"etag": cmn.StripEtagQuotes(part.ETag),
		}
	}
	data, err := cmn.Marshal(manifest)
	if err != nil {
		return err
	}
	var hdr http.Header
	if state != nil {
		hdr = metaHeaders(state.meta)
	} else {
		hdr = http.Header{}
	}
	resp, err := r.do(ctx, http.MethodPut, key, "?multipart-manifest=put", hdr,
		func() io.Reader { return strings.NewReader(string(data)) }, int64(len(data)))
	if err != nil {
		return err
	}
	drainBody(resp)
	return nil
}

func (r *swiftRemote) AbortMultipart(ctx context.Context, key, uploadID string) error {
	r.mu.Lock()
	delete(r.uploads, uploadID)
	r.mu.Unlock()

	token, storageURL, err := r.auth(ctx)
	if err != nil {
		return err
	}
	prefix := key + "/" + uploadID + "/"
	listURL := storageURL + "/" + url.PathEscape(r.segmentsContainer()) +
		"?format=json&prefix=" + url.QueryEscape(prefix)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Auth-Token", token)
	resp, err := r.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "list segments")
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}
	var rows []struct {
		Name string `json:"name"`
	}
	if err := cmn.Unmarshal(data, &rows); err != nil {
		return err
	}
	for _, row := range rows {
		delURL := storageURL + "/" + url.PathEscape(r.segmentsContainer()) + "/" + row.Name
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, delURL, nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-Auth-Token", token)
		resp, err := r.http.Do(req)
		if err != nil {
			return err
		}
		drainBody(resp)
	}
	return nil
}

func (r *swiftRemote) HeadContainer(ctx context.Context) (http.Header, error) {
	resp, err := r.do(ctx, http.MethodHead, "", "", nil, nil, -1)
	if err != nil {
		return nil, err
	}
	drainBody(resp)
	return resp.Header, nil
}

func (r *swiftRemote) HeadAccount(ctx context.Context) (http.Header, error) {
	token, storageURL, err := r.auth(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, storageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Auth-Token", token)
	resp, err := r.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "head account")
	}
	drainBody(resp)
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, cmn.NewStatusError(resp.StatusCode, "head_account", storageURL)
	}
	return resp.Header, nil
}
