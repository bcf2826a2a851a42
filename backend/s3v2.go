// Package backend contains implementation of the remote-store providers.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws/corehandlers"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
)

// Google's interoperability endpoint does not accept AWS v4 signatures;
// requests are signed with the legacy v2 scheme instead.
//
// StringToSign = Method \n Content-MD5 \n Content-Type \n Date \n
//                CanonicalizedAmzHeaders + CanonicalizedResource
func useSigV2(svc *s3.S3, accessKey, secretKey string) {
	svc.Handlers.Sign.Clear()
	svc.Handlers.Sign.PushBackNamed(corehandlers.BuildContentLengthHandler)
	svc.Handlers.Sign.PushBack(func(r *request.Request) {
		signV2(r.HTTPRequest, accessKey, secretKey)
	})
}

// subresources that participate in the canonicalized resource
var v2Subresources = []string{
	"acl", "delete", "lifecycle", "location", "logging", "notification",
	"partNumber", "policy", "requestPayment", "torrent", "uploadId",
	"uploads", "versionId", "versioning", "versions", "website",
}

func signV2(req *http.Request, accessKey, secretKey string) {
	date := time.Now().UTC().Format(http.TimeFormat)
	req.Header.Set("Date", date)

	mac := hmac.New(sha1.New, []byte(secretKey))
	mac.Write([]byte(stringToSignV2(req, date)))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	req.Header.Set("Authorization", fmt.Sprintf("AWS %s:%s", accessKey, signature))
}

func stringToSignV2(req *http.Request, date string) string {
	var b strings.Builder
	b.WriteString(req.Method)
	b.WriteByte('\n')
	b.WriteString(req.Header.Get("Content-Md5"))
	b.WriteByte('\n')
	b.WriteString(req.Header.Get("Content-Type"))
	b.WriteByte('\n')
	b.WriteString(date)
	b.WriteByte('\n')
	b.WriteString(canonicalizedAmzHeaders(req.Header))
	b.WriteString(canonicalizedResource(req.URL))
	return b.String()
}

func canonicalizedAmzHeaders(hdr http.Header) string {
	var keys []string
	for k := range hdr {
		if lk := strings.ToLower(k); strings.HasPrefix(lk, "x-amz-") {
			keys = append(keys, lk)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(strings.Join(hdr.Values(http.CanonicalHeaderKey(k)), ","))
		b.WriteByte('\n')
	}
	return b.String()
}

func canonicalizedResource(u *url.URL) string {
	resource := u.EscapedPath()
	if resource == "" {
		resource = "/"
	}
	query := u.Query()
	var sub []string
	for _, k := range v2Subresources {
		if vs, ok := query[k]; ok {
			if vs[0] == "" {
				sub = append(sub, k)
			} else {
				sub = append(sub, k+"="+vs[0])
			}
		}
	}
	if len(sub) > 0 {
		sort.Strings(sub)
		resource += "?" + strings.Join(sub, "&")
	}
	return resource
}
