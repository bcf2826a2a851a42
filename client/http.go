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
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/swiftstack/cloudsync/cmn"
)

type httpClient struct {
	base  string // e.g. http://127.0.0.1:8080
	token string // preauthorized token, if any
	http  *http.Client
}

// interface guard
var _ Client = (*httpClient)(nil)

// New returns a Client bound to the colocated proxy at base. The daemon is
// expected to run next to the store; token may be empty for preauthorized
// paths.
func New(base, token string, maxConns int) Client {
	if maxConns <= 0 {
		maxConns = cmn.DefaultMaxConns
	}
	transport := &http.Transport{
		MaxIdleConns:        maxConns,
		MaxIdleConnsPerHost: maxConns,
		MaxConnsPerHost:     maxConns,
	}
	return &httpClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Transport: transport},
	}
}

func (c *httpClient) objURL(account, container, object string) string {
	u := c.base + "/v1/" + url.PathEscape(account)
	if container != "" {
		u += "/" + url.PathEscape(container)
	}
	if object != "" {
		// object names may contain slashes that must survive
		parts := strings.Split(object, "/")
		for i := range parts {
			parts[i] = url.PathEscape(parts[i])
		}
		u += "/" + strings.Join(parts, "/")
	}
	return u
}

func (c *httpClient) do(ctx context.Context, method, rawurl string, hdr http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawurl, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, rawurl)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, cmn.NewStatusError(resp.StatusCode, method, rawurl)
	}
	return resp, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // keep-alive reuse
	resp.Body.Close()
}

func (c *httpClient) ListContainers(ctx context.Context, account, marker string, limit int) ([]ContainerEntry, error) {
	q := url.Values{"format": []string{"json"}}
	if marker != "" {
		q.Set("marker", marker)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	resp, err := c.do(ctx, http.MethodGet, c.objURL(account, "", "")+"?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var entries []ContainerEntry
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := cmn.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, "failed to parse account listing")
	}
	return entries, nil
}

func (c *httpClient) ListContainer(ctx context.Context, account, container string, opts ListOpts) ([]ObjectEntry, error) {
	q := url.Values{"format": []string{"json"}}
	if opts.Marker != "" {
		q.Set("marker", opts.Marker)
	}
	if opts.EndMarker != "" {
		q.Set("end_marker", opts.EndMarker)
	}
	if opts.Prefix != "" {
		q.Set("prefix", opts.Prefix)
	}
	if opts.Delimiter != "" {
		q.Set("delimiter", opts.Delimiter)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	resp, err := c.do(ctx, http.MethodGet, c.objURL(account, container, "")+"?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var entries []ObjectEntry
	if err := cmn.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrapf(err, "failed to parse listing of %s/%s", account, container)
	}
	return entries, nil
}

func (c *httpClient) HeadObject(ctx context.Context, account, container, object string, hdr http.Header) (http.Header, error) {
	resp, err := c.do(ctx, http.MethodHead, c.objURL(account, container, object), hdr, nil)
	if err != nil {
		return nil, err
	}
	drain(resp)
	return resp.Header, nil
}

func (c *httpClient) GetObject(ctx context.Context, account, container, object string, hdr http.Header) (http.Header, io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, c.objURL(account, container, object), hdr, nil)
	if err != nil {
		return nil, nil, err
	}
	return resp.Header, resp.Body, nil
}

func (c *httpClient) GetManifest(ctx context.Context, account, container, object string, hdr http.Header) (cmn.Manifest, http.Header, error) {
	rawurl := c.objURL(account, container, object) + "?multipart-manifest=get&format=raw"
	resp, err := c.do(ctx, http.MethodGet, rawurl, hdr, nil)
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
		return nil, nil, errors.Wrapf(err, "unparseable manifest for %s/%s/%s", account, container, object)
	}
	return manifest, resp.Header, nil
}

func (c *httpClient) PutObject(ctx context.Context, account, container, object string, hdr http.Header, size int64, body io.Reader) (string, error) {
	rawurl := c.objURL(account, container, object)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawurl, body)
	if err != nil {
		return "", err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}
	if size >= 0 {
		req.ContentLength = size
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "PUT %s", rawurl)
	}
	defer drain(resp)
	if resp.StatusCode >= http.StatusBadRequest {
		return "", cmn.NewStatusError(resp.StatusCode, http.MethodPut, rawurl)
	}
	return cmn.StripEtagQuotes(resp.Header.Get(cmn.HdrEtag)), nil
}

func (c *httpClient) PutManifest(ctx context.Context, account, container, object string, hdr http.Header, manifest cmn.Manifest) (string, error) {
	data, err := cmn.Marshal(manifest)
	if err != nil {
		return "", err
	}
	rawurl := c.objURL(account, container, object) + "?multipart-manifest=put"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, rawurl, strings.NewReader(string(data)))
	if err != nil {
		return "", err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "PUT %s", rawurl)
	}
	defer drain(resp)
	if resp.StatusCode >= http.StatusBadRequest {
		return "", cmn.NewStatusError(resp.StatusCode, http.MethodPut, rawurl)
	}
	return cmn.StripEtagQuotes(resp.Header.Get(cmn.HdrEtag)), nil
}

func (c *httpClient) PostObject(ctx context.Context, account, container, object string, hdr http.Header) error {
	resp, err := c.do(ctx, http.MethodPost, c.objURL(account, container, object), hdr, nil)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

func (c *httpClient) DeleteObject(ctx context.Context, account, container, object string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.objURL(account, container, object), nil, nil)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

func (c *httpClient) HeadContainer(ctx context.Context, account, container string) (http.Header, error) {
	resp, err := c.do(ctx, http.MethodHead, c.objURL(account, container, ""), nil, nil)
	if err != nil {
		return nil, err
	}
	drain(resp)
	return resp.Header, nil
}

func (c *httpClient) PutContainer(ctx context.Context, account, container string, hdr http.Header) error {
	resp, err := c.do(ctx, http.MethodPut, c.objURL(account, container, ""), hdr, nil)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

func (c *httpClient) PostContainer(ctx context.Context, account, container string, hdr http.Header) error {
	resp, err := c.do(ctx, http.MethodPost, c.objURL(account, container, ""), hdr, nil)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

func (c *httpClient) DeleteContainer(ctx context.Context, account, container string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.objURL(account, container, ""), nil, nil)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}

func (c *httpClient) HeadAccount(ctx context.Context, account string) (http.Header, error) {
	resp, err := c.do(ctx, http.MethodHead, c.objURL(account, "", ""), nil, nil)
	if err != nil {
		return nil, err
	}
	drain(resp)
	return resp.Header, nil
}

func (c *httpClient) PostAccount(ctx context.Context, account string, hdr http.Header) error {
	resp, err := c.do(ctx, http.MethodPost, c.objURL(account, "", ""), hdr, nil)
	if err != nil {
		return err
	}
	drain(resp)
	return nil
}
