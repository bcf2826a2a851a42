// Package backend contains implementation of the remote-store providers.
/*
 * Copyright (c) 2018-2020, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"github.com/swiftstack/cloudsync/cmn"
)

type s3Remote struct {
	conf   *cmn.SyncConfig
	bucket string
	pool   *clientPool
	google bool
}

// interface guards
var (
	_ Remote          = (*s3Remote)(nil)
	_ ContainerLister = (*s3Remote)(nil)
)

func newS3Remote(conf *cmn.SyncConfig, bucket string) (*s3Remote, error) {
	sess, err := session.NewSession(&aws.Config{
		Credentials: credentials.NewStaticCredentials(conf.AwsIdentity, conf.AwsSecret, ""),
		Region:      aws.String("us-east-1"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create S3 session")
	}

	google := conf.Google()
	factory := func() *s3.S3 {
		awsConf := &aws.Config{
			HTTPClient: &http.Client{Transport: &http.Transport{
				MaxIdleConnsPerHost: cmn.ClientPoolConns,
				MaxConnsPerHost:     cmn.ClientPoolConns,
			}},
			DisableComputeChecksums: aws.Bool(true), // Content-MD5 is supplied by the caller
		}
		if conf.AwsEndpoint != "" {
			awsConf.Endpoint = aws.String(conf.AwsEndpoint)
			if !strings.HasSuffix(conf.AwsEndpoint, "amazonaws.com") {
				// most non-Amazon endpoints do not route virtual-host buckets
				awsConf.S3ForcePathStyle = aws.Bool(true)
			}
		}
		svc := s3.New(sess, awsConf)
		if google {
			useSigV2(svc, conf.AwsIdentity, conf.AwsSecret)
			svc.Handlers.Build.PushBack(func(r *request.Request) {
				ua := r.HTTPRequest.Header.Get("User-Agent")
				r.HTTPRequest.Header.Set("User-Agent", cmn.GoogleUAString+" "+ua)
			})
		}
		return svc
	}
	return &s3Remote{
		conf:   conf,
		bucket: bucket,
		pool:   newClientPool(factory, conf.MaxConns, cmn.ClientPoolConns),
		google: google,
	}, nil
}

func (r *s3Remote) Bucket() string     { return r.bucket }
func (r *s3Remote) CanMultipart() bool { return !r.google }

func (r *s3Remote) mapErr(err error, op, key string) error {
	if err == nil {
		return nil
	}
	if reqErr, ok := err.(awserr.RequestFailure); ok {
		return cmn.NewStatusError(reqErr.StatusCode(), op, r.bucket+"/"+key)
	}
	return errors.Wrapf(err, "%s %s/%s", op, r.bucket, key)
}

func (r *s3Remote) List(ctx context.Context, marker string, limit int) (entries []ListEntry, err error) {
	err = r.pool.withClient(ctx, func(svc *s3.S3) error {
		input := &s3.ListObjectsInput{
			Bucket:  aws.String(r.bucket),
			MaxKeys: aws.Int64(int64(limit)),
		}
		if marker != "" {
			input.Marker = aws.String(marker)
		}
		resp, err := svc.ListObjectsWithContext(ctx, input)
		if err != nil {
			return r.mapErr(err, "list", marker)
		}
		entries = make([]ListEntry, 0, len(resp.Contents))
		for _, obj := range resp.Contents {
			entries = append(entries, ListEntry{
				Key:          aws.StringValue(obj.Key),
				Size:         aws.Int64Value(obj.Size),
				ETag:         cmn.StripEtagQuotes(aws.StringValue(obj.ETag)),
				LastModified: aws.TimeValue(obj.LastModified),
			})
		}
		return nil
	})
	return
}

func (r *s3Remote) ListContainers(ctx context.Context, marker string) (entries []ContainerEntry, err error) {
	err = r.pool.withClient(ctx, func(svc *s3.S3) error {
		resp, err := svc.ListBucketsWithContext(ctx, &s3.ListBucketsInput{})
		if err != nil {
			return r.mapErr(err, "list_buckets", "")
		}
		for _, bck := range resp.Buckets {
			name := aws.StringValue(bck.Name)
			if name <= marker {
				continue
			}
			entries = append(entries, ContainerEntry{
				Name:         name,
				LastModified: aws.TimeValue(bck.CreationDate),
			})
		}
		return nil
	})
	return
}

func (r *s3Remote) Head(ctx context.Context, key string) (info *ObjectInfo, err error) {
	err = r.pool.withClient(ctx, func(svc *s3.S3) error {
		resp, err := svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return r.mapErr(err, "head", key)
		}
		info = &ObjectInfo{
			Key:          key,
			ETag:         aws.StringValue(resp.ETag),
			Size:         aws.Int64Value(resp.ContentLength),
			LastModified: aws.TimeValue(resp.LastModified),
			ContentType:  aws.StringValue(resp.ContentType),
			StorageClass: aws.StringValue(resp.StorageClass),
			Metadata:     resp.Metadata,
		}
		return nil
	})
	return
}

func (r *s3Remote) Get(ctx context.Context, key string) (info *ObjectInfo, body io.ReadCloser, err error) {
	err = r.pool.withClient(ctx, func(svc *s3.S3) error {
		resp, err := svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return r.mapErr(err, "get", key)
		}
		info = &ObjectInfo{
			Key:          key,
			ETag:         aws.StringValue(resp.ETag),
			Size:         aws.Int64Value(resp.ContentLength),
			LastModified: aws.TimeValue(resp.LastModified),
			ContentType:  aws.StringValue(resp.ContentType),
			StorageClass: aws.StringValue(resp.StorageClass),
			Metadata:     resp.Metadata,
		}
		body = resp.Body
		return nil
	})
	return
}

func (r *s3Remote) Put(ctx context.Context, key string, body io.Reader, size int64, meta PutMeta) (etag string, err error) {
	err = r.pool.withClient(ctx, func(svc *s3.S3) error {
		input := &s3.PutObjectInput{
			Bucket:        aws.String(r.bucket),
			Key:           aws.String(key),
			Body:          aws.ReadSeekCloser(body),
			ContentLength: aws.Int64(size),
			Metadata:      meta.Metadata,
		}
		if meta.ContentType != "" {
			input.ContentType = aws.String(meta.ContentType)
		}
		if meta.ContentMD5 != "" {
			if b64, err := md5HexToBase64(meta.ContentMD5); err == nil {
				input.ContentMD5 = aws.String(b64)
			}
		}
		resp, err := svc.PutObjectWithContext(ctx, input)
		if err != nil {
			return r.mapErr(err, "put", key)
		}
		etag = aws.StringValue(resp.ETag)
		return nil
	})
	return
}

func (r *s3Remote) PostMeta(ctx context.Context, key string, meta PutMeta) error {
	return r.pool.withClient(ctx, func(svc *s3.S3) error {
		input := &s3.CopyObjectInput{
			Bucket:            aws.String(r.bucket),
			Key:               aws.String(key),
			CopySource:        aws.String(copySource(r.bucket, key)),
			MetadataDirective: aws.String(s3.MetadataDirectiveReplace),
			Metadata:          meta.Metadata,
		}
		if meta.ContentType != "" {
			input.ContentType = aws.String(meta.ContentType)
		}
		_, err := svc.CopyObjectWithContext(ctx, input)
		return r.mapErr(err, "copy", key)
	})
}

func (r *s3Remote) Delete(ctx context.Context, key string) error {
	return r.pool.withClient(ctx, func(svc *s3.S3) error {
		_, err := svc.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(r.bucket),
			Key:    aws.String(key),
		})
		return r.mapErr(err, "delete", key)
	})
}

func (r *s3Remote) CreateMultipart(ctx context.Context, key string, meta PutMeta) (uploadID string, err error) {
	err = r.pool.withClient(ctx, func(svc *s3.S3) error {
		input := &s3.CreateMultipartUploadInput{
			Bucket:   aws.String(r.bucket),
			Key:      aws.String(key),
			Metadata: meta.Metadata,
		}
		if meta.ContentType != "" {
			input.ContentType = aws.String(meta.ContentType)
		}
		resp, err := svc.CreateMultipartUploadWithContext(ctx, input)
		if err != nil {
			return r.mapErr(err, "create_multipart", key)
		}
		uploadID = aws.StringValue(resp.UploadId)
		return nil
	})
	return
}

func (r *s3Remote) UploadPart(ctx context.Context, key, uploadID string, partNum int, body io.Reader, size int64, md5hex string) (etag string, err error) {
	err = r.pool.withClient(ctx, func(svc *s3.S3) error {
		input := &s3.UploadPartInput{
			Bucket:        aws.String(r.bucket),
			Key:           aws.String(key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int64(int64(partNum)),
			Body:          aws.ReadSeekCloser(body),
			ContentLength: aws.Int64(size),
		}
		if md5hex != "" {
			if b64, err := md5HexToBase64(md5hex); err == nil {
				input.ContentMD5 = aws.String(b64)
			}
		}
		resp, err := svc.UploadPartWithContext(ctx, input)
		if err != nil {
			return r.mapErr(err, "upload_part", key)
		}
		etag = aws.StringValue(resp.ETag)
		return nil
	})
	return
}

func (r *s3Remote) UploadPartCopy(ctx context.Context, key, uploadID string, partNum int, srcKey string, rangeFrom, rangeTo int64) (etag string, err error) {
	err = r.pool.withClient(ctx, func(svc *s3.S3) error {
		resp, err := svc.UploadPartCopyWithContext(ctx, &s3.UploadPartCopyInput{
			Bucket:          aws.String(r.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			PartNumber:      aws.Int64(int64(partNum)),
			CopySource:      aws.String(copySource(r.bucket, srcKey)),
			CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", rangeFrom, rangeTo)),
		})
		if err != nil {
			return r.mapErr(err, "upload_part_copy", key)
		}
		etag = aws.StringValue(resp.CopyPartResult.ETag)
		return nil
	})
	return
}

func (r *s3Remote) CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) error {
	return r.pool.withClient(ctx, func(svc *s3.S3) error {
		completed := make([]*s3.CompletedPart, len(parts))
		for i, part := range parts {
			completed[i] = &s3.CompletedPart{
				PartNumber: aws.Int64(int64(part.PartNumber)),
				ETag:       aws.String(part.ETag),
			}
		}
		_, err := svc.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(r.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &s3.CompletedMultipartUpload{Parts: completed},
		})
		return r.mapErr(err, "complete_multipart", key)
	})
}

func (r *s3Remote) AbortMultipart(ctx context.Context, key, uploadID string) error {
	return r.pool.withClient(ctx, func(svc *s3.S3) error {
		_, err := svc.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(r.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		return r.mapErr(err, "abort_multipart", key)
	})
}

func copySource(bucket, key string) string {
	return bucket + "/" + key
}

func md5HexToBase64(h string) (string, error) {
	raw, err := hex.DecodeString(h)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
