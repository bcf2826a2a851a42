// Package tutils provides in-memory doubles of the native store and the
// remote providers for unit tests.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package tutils

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/swiftstack/cloudsync/backend"
	"github.com/swiftstack/cloudsync/client"
	"github.com/swiftstack/cloudsync/cmn"
)

//
// FakeSwift: the local (native) store
//

type (
	FakeObject struct {
		Body    []byte
		Headers http.Header
	}

	FakeSwift struct {
		mu           sync.Mutex
		Objects      map[string]map[string]*FakeObject // container -> object
		ContainerHdr map[string]http.Header
		AccountHdr   http.Header
		Manifests    map[string]cmn.Manifest // "container/object" -> SLO manifest
		now          time.Time
	}
)

// interface guard
var _ client.Client = (*FakeSwift)(nil)

func NewFakeSwift() *FakeSwift {
	return &FakeSwift{
		Objects:      make(map[string]map[string]*FakeObject),
		ContainerHdr: make(map[string]http.Header),
		AccountHdr:   http.Header{},
		Manifests:    make(map[string]cmn.Manifest),
		now:          time.Date(2020, 6, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Tick advances the fake clock by a second; object writes are stamped with
// the current fake time unless the caller provided X-Timestamp.
func (f *FakeSwift) Tick() {
	f.mu.Lock()
	f.now = f.now.Add(time.Second)
	f.mu.Unlock()
}

func (f *FakeSwift) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func etagOf(body []byte) string {
	sum := md5.Sum(body)
	return hex.EncodeToString(sum[:])
}

func cloneHeader(hdr http.Header) http.Header {
	out := http.Header{}
	for k, vs := range hdr {
		for _, v := range vs {
			out.Add(k, v)
		}
	}
	return out
}

// PutLocal seeds an object directly, bypassing the client surface.
func (f *FakeSwift) PutLocal(container, object string, body []byte, hdr http.Header) *FakeObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.putLocked(container, object, body, hdr)
}

func (f *FakeSwift) putLocked(container, object string, body []byte, hdr http.Header) *FakeObject {
	if hdr == nil {
		hdr = http.Header{}
	}
	stored := cloneHeader(hdr)
	if stored.Get(cmn.HdrEtag) == "" {
		stored.Set(cmn.HdrEtag, etagOf(body))
	}
	if stored.Get(cmn.HdrTimestamp) == "" {
		stored.Set(cmn.HdrTimestamp, cmn.FormatSwiftTimestamp(f.now))
	}
	stored.Set(cmn.HdrContentLength, strconv.Itoa(len(body)))
	if f.Objects[container] == nil {
		f.Objects[container] = make(map[string]*FakeObject)
		if _, ok := f.ContainerHdr[container]; !ok {
			f.ContainerHdr[container] = http.Header{
				cmn.HdrTimestamp: []string{cmn.FormatSwiftTimestamp(f.now)},
			}
		}
	}
	obj := &FakeObject{Body: append([]byte(nil), body...), Headers: stored}
	f.Objects[container][object] = obj
	return obj
}

func (f *FakeSwift) Object(container, object string) *FakeObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	if objs, ok := f.Objects[container]; ok {
		return objs[object]
	}
	return nil
}

func (f *FakeSwift) lookup(container, object string) (*FakeObject, error) {
	objs, ok := f.Objects[container]
	if !ok {
		return nil, cmn.NewStatusError(http.StatusNotFound, "head", container)
	}
	obj, ok := objs[object]
	if !ok {
		return nil, cmn.NewStatusError(http.StatusNotFound, "head", container+"/"+object)
	}
	return obj, nil
}

func (f *FakeSwift) ListContainers(_ context.Context, _ string, marker string, limit int) ([]client.ContainerEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.ContainerHdr))
	for name := range f.ContainerHdr {
		if name > marker {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}
	entries := make([]client.ContainerEntry, len(names))
	for i, name := range names {
		entries[i] = client.ContainerEntry{Name: name, Count: int64(len(f.Objects[name]))}
	}
	return entries, nil
}

func (f *FakeSwift) ListContainer(_ context.Context, _ string, container string, opts client.ListOpts) ([]client.ObjectEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	objs, ok := f.Objects[container]
	if !ok {
		if _, ok := f.ContainerHdr[container]; !ok {
			return nil, cmn.NewStatusError(http.StatusNotFound, "list", container)
		}
	}
	names := make([]string, 0, len(objs))
	for name := range objs {
		if name <= opts.Marker {
			continue
		}
		if opts.Prefix != "" && !strings.HasPrefix(name, opts.Prefix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if opts.Limit > 0 && len(names) > opts.Limit {
		names = names[:opts.Limit]
	}
	entries := make([]client.ObjectEntry, len(names))
	for i, name := range names {
		obj := objs[name]
		ts, _ := cmn.ParseSwiftTimestamp(obj.Headers.Get(cmn.HdrTimestamp))
		entries[i] = client.ObjectEntry{
			Name:         name,
			Bytes:        int64(len(obj.Body)),
			Hash:         obj.Headers.Get(cmn.HdrEtag),
			LastModified: ts.Format("2006-01-02T15:04:05.999999"),
			ContentType:  obj.Headers.Get(cmn.HdrContentType),
		}
	}
	return entries, nil
}

func (f *FakeSwift) HeadObject(_ context.Context, _ string, container, object string, _ http.Header) (http.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, err := f.lookup(container, object)
	if err != nil {
		return nil, err
	}
	return cloneHeader(obj.Headers), nil
}

func (f *FakeSwift) GetObject(_ context.Context, _ string, container, object string, _ http.Header) (http.Header, io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, err := f.lookup(container, object)
	if err != nil {
		return nil, nil, err
	}
	return cloneHeader(obj.Headers), io.NopCloser(bytes.NewReader(obj.Body)), nil
}

func (f *FakeSwift) GetManifest(_ context.Context, _ string, container, object string, _ http.Header) (cmn.Manifest, http.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, err := f.lookup(container, object)
	if err != nil {
		return nil, nil, err
	}
	manifest, ok := f.Manifests[container+"/"+object]
	if !ok {
		return nil, nil, cmn.NewStatusError(http.StatusBadRequest, "get_manifest", object)
	}
	return manifest, cloneHeader(obj.Headers), nil
}

func (f *FakeSwift) PutObject(_ context.Context, _ string, container, object string, hdr http.Header, _ int64, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj := f.putLocked(container, object, data, hdr)
	return obj.Headers.Get(cmn.HdrEtag), nil
}

func (f *FakeSwift) PutManifest(_ context.Context, _ string, container, object string, hdr http.Header, manifest cmn.Manifest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if hdr == nil {
		hdr = http.Header{}
	}
	hdr = cloneHeader(hdr)
	hdr.Set(cmn.SLOHeader, "True")
	obj := f.putLocked(container, object, nil, hdr)
	obj.Headers.Set(cmn.HdrEtag, cmn.GetSLOEtag(manifest))
	f.Manifests[container+"/"+object] = manifest
	return obj.Headers.Get(cmn.HdrEtag), nil
}

// PostObject replaces the object's user metadata and stamps a new
// modification time, the way a fast-POST does.
func (f *FakeSwift) PostObject(_ context.Context, _ string, container, object string, hdr http.Header) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, err := f.lookup(container, object)
	if err != nil {
		return err
	}
	// sysmeta survives a POST; only the user-metadata namespace is replaced
	for name := range obj.Headers {
		if strings.HasPrefix(name, cmn.ObjectMetaPrefix) {
			obj.Headers.Del(name)
		}
	}
	for name, values := range hdr {
		if len(values) == 0 || values[0] == "" {
			obj.Headers.Del(name)
			continue
		}
		obj.Headers.Set(name, values[0])
	}
	if hdr.Get(cmn.HdrTimestamp) == "" {
		obj.Headers.Set(cmn.HdrTimestamp, cmn.FormatSwiftTimestamp(f.now))
	}
	return nil
}

func (f *FakeSwift) DeleteObject(_ context.Context, _ string, container, object string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.lookup(container, object); err != nil {
		return err
	}
	delete(f.Objects[container], object)
	return nil
}

func (f *FakeSwift) HeadContainer(_ context.Context, _ string, container string) (http.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hdr, ok := f.ContainerHdr[container]
	if !ok {
		return nil, cmn.NewStatusError(http.StatusNotFound, "head", container)
	}
	return cloneHeader(hdr), nil
}

func (f *FakeSwift) PutContainer(_ context.Context, _ string, container string, hdr http.Header) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.ContainerHdr[container]; !ok {
		base := http.Header{cmn.HdrTimestamp: []string{cmn.FormatSwiftTimestamp(f.now)}}
		f.ContainerHdr[container] = base
		f.Objects[container] = make(map[string]*FakeObject)
	}
	f.mergeLocked(f.ContainerHdr[container], hdr)
	return nil
}

func (f *FakeSwift) PostContainer(_ context.Context, _ string, container string, hdr http.Header) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.ContainerHdr[container]
	if !ok {
		return cmn.NewStatusError(http.StatusNotFound, "post", container)
	}
	f.mergeLocked(existing, hdr)
	existing.Set(cmn.HdrTimestamp, cmn.FormatSwiftTimestamp(f.now))
	return nil
}

func (f *FakeSwift) DeleteContainer(_ context.Context, _ string, container string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Objects[container]) > 0 {
		return cmn.NewStatusError(http.StatusConflict, "delete", container)
	}
	delete(f.Objects, container)
	delete(f.ContainerHdr, container)
	return nil
}

func (f *FakeSwift) HeadAccount(context.Context, string) (http.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cloneHeader(f.AccountHdr), nil
}

func (f *FakeSwift) PostAccount(_ context.Context, _ string, hdr http.Header) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mergeLocked(f.AccountHdr, hdr)
	return nil
}

// mergeLocked applies POST semantics: empty values delete.
func (f *FakeSwift) mergeLocked(dst, src http.Header) {
	for name, values := range src {
		if len(values) == 0 || values[0] == "" {
			dst.Del(name)
			continue
		}
		dst.Set(name, values[0])
	}
}

//
// FakeRemote: an in-memory S3-ish (or peer) target
//

type (
	FakeRemoteObject struct {
		Body         []byte
		ETag         string // quoted, as S3 returns it
		ContentType  string
		StorageClass string
		Metadata     map[string]*string
		LastModified time.Time
	}

	fakePart struct {
		etag   string
		body   []byte
		copied *CopyRange
	}

	CopyRange struct {
		PartNumber int
		From, To   int64
	}

	fakeUpload struct {
		key   string
		meta  backend.PutMeta
		parts map[int]*fakePart
	}

	FakeRemote struct {
		mu        sync.Mutex
		bucket    string
		multipart bool
		Objects   map[string]*FakeRemoteObject
		uploads   map[string]*fakeUpload
		nextID    int

		PutCalls         int
		PostCalls        int
		CreatedUploads   int
		AbortedUploads   int
		CompletedUploads int
		CopyRanges       []CopyRange
	}
)

// interface guard
var _ backend.Remote = (*FakeRemote)(nil)

func NewFakeRemote(bucket string, multipart bool) *FakeRemote {
	return &FakeRemote{
		bucket:    bucket,
		multipart: multipart,
		Objects:   make(map[string]*FakeRemoteObject),
		uploads:   make(map[string]*fakeUpload),
	}
}

func (r *FakeRemote) Bucket() string     { return r.bucket }
func (r *FakeRemote) CanMultipart() bool { return r.multipart }

// Seed places an object directly, bypassing the provider surface.
func (r *FakeRemote) Seed(key string, body []byte, lastModified time.Time, meta map[string]string) *FakeRemoteObject {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj := &FakeRemoteObject{
		Body:         append([]byte(nil), body...),
		ETag:         `"` + etagOf(body) + `"`,
		Metadata:     make(map[string]*string, len(meta)),
		LastModified: lastModified,
	}
	for k, v := range meta {
		v := v
		obj.Metadata[k] = &v
	}
	r.Objects[key] = obj
	return obj
}

func (r *FakeRemote) List(_ context.Context, marker string, limit int) ([]backend.ListEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.Objects))
	for key := range r.Objects {
		if key > marker {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	entries := make([]backend.ListEntry, len(keys))
	for i, key := range keys {
		obj := r.Objects[key]
		entries[i] = backend.ListEntry{
			Key:          key,
			Size:         int64(len(obj.Body)),
			ETag:         cmn.StripEtagQuotes(obj.ETag),
			LastModified: obj.LastModified,
		}
	}
	return entries, nil
}

func (r *FakeRemote) infoLocked(key string) (*backend.ObjectInfo, error) {
	obj, ok := r.Objects[key]
	if !ok {
		return nil, cmn.NewStatusError(http.StatusNotFound, "head", key)
	}
	meta := make(map[string]*string, len(obj.Metadata))
	for k, v := range obj.Metadata {
		if v != nil {
			value := *v
			meta[k] = &value
		}
	}
	return &backend.ObjectInfo{
		Key:          key,
		ETag:         obj.ETag,
		Size:         int64(len(obj.Body)),
		LastModified: obj.LastModified,
		ContentType:  obj.ContentType,
		StorageClass: obj.StorageClass,
		Metadata:     meta,
	}, nil
}

func (r *FakeRemote) Head(_ context.Context, key string) (*backend.ObjectInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infoLocked(key)
}

func (r *FakeRemote) Get(_ context.Context, key string) (*backend.ObjectInfo, io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, err := r.infoLocked(key)
	if err != nil {
		return nil, nil, err
	}
	return info, io.NopCloser(bytes.NewReader(r.Objects[key].Body)), nil
}

func (r *FakeRemote) Put(_ context.Context, key string, body io.Reader, size int64, meta backend.PutMeta) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if size >= 0 && int64(len(data)) != size {
		return "", cmn.NewStatusError(http.StatusBadRequest, "put", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.PutCalls++
	obj := &FakeRemoteObject{
		Body:         data,
		ETag:         `"` + etagOf(data) + `"`,
		ContentType:  meta.ContentType,
		Metadata:     copyMeta(meta.Metadata),
		LastModified: time.Now().UTC(),
	}
	r.Objects[key] = obj
	return obj.ETag, nil
}

func (r *FakeRemote) PostMeta(_ context.Context, key string, meta backend.PutMeta) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.Objects[key]
	if !ok {
		return cmn.NewStatusError(http.StatusNotFound, "copy", key)
	}
	r.PostCalls++
	obj.Metadata = copyMeta(meta.Metadata)
	if meta.ContentType != "" {
		obj.ContentType = meta.ContentType
	}
	return nil
}

func (r *FakeRemote) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Objects[key]; !ok {
		return cmn.NewStatusError(http.StatusNotFound, "delete", key)
	}
	delete(r.Objects, key)
	return nil
}

func (r *FakeRemote) CreateMultipart(_ context.Context, key string, meta backend.PutMeta) (string, error) {
	if !r.multipart {
		return "", cmn.NewStatusError(http.StatusBadRequest, "create_multipart", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.CreatedUploads++
	uploadID := fmt.Sprintf("upload-%d", r.nextID)
	r.uploads[uploadID] = &fakeUpload{key: key, meta: meta, parts: make(map[int]*fakePart)}
	return uploadID, nil
}

func (r *FakeRemote) UploadPart(_ context.Context, key, uploadID string, partNum int, body io.Reader, size int64, _ string) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if size >= 0 && int64(len(data)) != size {
		return "", cmn.NewStatusError(http.StatusBadRequest, "upload_part", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	upload, ok := r.uploads[uploadID]
	if !ok {
		return "", cmn.NewStatusError(http.StatusNotFound, "upload_part", uploadID)
	}
	etag := `"` + etagOf(data) + `"`
	upload.parts[partNum] = &fakePart{etag: etag, body: data}
	return etag, nil
}

func (r *FakeRemote) UploadPartCopy(_ context.Context, key, uploadID string, partNum int, srcKey string, from, to int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	upload, ok := r.uploads[uploadID]
	if !ok {
		return "", cmn.NewStatusError(http.StatusNotFound, "upload_part_copy", uploadID)
	}
	src, ok := r.Objects[srcKey]
	if !ok {
		return "", cmn.NewStatusError(http.StatusNotFound, "upload_part_copy", srcKey)
	}
	if from < 0 || to >= int64(len(src.Body)) || from > to {
		return "", cmn.NewStatusError(http.StatusRequestedRangeNotSatisfiable, "upload_part_copy", srcKey)
	}
	data := src.Body[from : to+1]
	etag := `"` + etagOf(data) + `"`
	rng := CopyRange{PartNumber: partNum, From: from, To: to}
	upload.parts[partNum] = &fakePart{etag: etag, body: data, copied: &rng}
	r.CopyRanges = append(r.CopyRanges, rng)
	return etag, nil
}

func (r *FakeRemote) CompleteMultipart(_ context.Context, key, uploadID string, parts []backend.CompletedPart) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	upload, ok := r.uploads[uploadID]
	if !ok {
		return cmn.NewStatusError(http.StatusNotFound, "complete_multipart", uploadID)
	}
	var (
		body bytes.Buffer
		sums bytes.Buffer
	)
	for _, part := range parts {
		stored, ok := upload.parts[part.PartNumber]
		if !ok {
			return cmn.NewStatusError(http.StatusBadRequest, "complete_multipart", uploadID)
		}
		if cmn.StripEtagQuotes(stored.etag) != cmn.StripEtagQuotes(part.ETag) {
			return cmn.NewStatusError(http.StatusBadRequest, "complete_multipart", uploadID)
		}
		body.Write(stored.body)
		raw, err := hex.DecodeString(cmn.StripEtagQuotes(stored.etag))
		if err != nil {
			return err
		}
		sums.Write(raw)
	}
	final := md5.Sum(sums.Bytes())
	r.Objects[upload.key] = &FakeRemoteObject{
		Body:         body.Bytes(),
		ETag:         fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(final[:]), len(parts)),
		ContentType:  upload.meta.ContentType,
		Metadata:     copyMeta(upload.meta.Metadata),
		LastModified: time.Now().UTC(),
	}
	delete(r.uploads, uploadID)
	r.CompletedUploads++
	return nil
}

func (r *FakeRemote) AbortMultipart(_ context.Context, key, uploadID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.uploads, uploadID)
	r.AbortedUploads++
	return nil
}

func copyMeta(meta map[string]*string) map[string]*string {
	out := make(map[string]*string, len(meta))
	for k, v := range meta {
		if v != nil {
			value := *v
			out[k] = &value
		}
	}
	return out
}
