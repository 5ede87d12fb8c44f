package store

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/FraMan97/modsync/internal/config"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
)

// S3 serves packages stored under <prefix>/<package>/<file> keys.
type S3 struct {
	svc    s3iface.S3API
	bucket string
	prefix string
}

func NewS3(cfg config.S3) (*S3, error) {
	awsCfg := aws.NewConfig()
	if cfg.Region != "" {
		awsCfg = awsCfg.WithRegion(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, errors.Wrap(err, "aws session")
	}
	return NewS3WithClient(s3.New(sess), cfg.Bucket, cfg.Prefix), nil
}

func NewS3WithClient(svc s3iface.S3API, bucket, prefix string) *S3 {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3{svc: svc, bucket: bucket, prefix: prefix}
}

func (s *S3) key(pkg, file string) (string, error) {
	if !ValidName(pkg) {
		return "", errors.Wrapf(ErrInvalidPath, "package %q", pkg)
	}
	clean, err := CleanPath(file)
	if err != nil {
		return "", err
	}
	return s.prefix + pkg + "/" + clean, nil
}

func isNotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return true
		}
	}
	return false
}

func (s *S3) Packages(ctx context.Context) ([]string, error) {
	var names []string
	input := &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(s.prefix),
		Delimiter: aws.String("/"),
	}
	err := s.svc.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.StringValue(cp.Prefix), s.prefix), "/")
			if ValidName(name) {
				names = append(names, name)
			}
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrap(err, "list packages")
	}
	return names, nil
}

func (s *S3) List(ctx context.Context, pkg string) ([]Object, error) {
	if !ValidName(pkg) {
		return nil, errors.Wrapf(ErrInvalidPath, "package %q", pkg)
	}
	base := s.prefix + pkg + "/"
	var objs []Object
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket), Prefix: aws.String(base)}
	err := s.svc.ListObjectsV2PagesWithContext(ctx, input, func(page *s3.ListObjectsV2Output, last bool) bool {
		for _, o := range page.Contents {
			rel := strings.TrimPrefix(aws.StringValue(o.Key), base)
			if _, err := CleanPath(rel); err != nil {
				continue
			}
			objs = append(objs, Object{Path: rel, Size: aws.Int64Value(o.Size), ModTime: aws.TimeValue(o.LastModified)})
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list package %s", pkg)
	}
	if len(objs) == 0 {
		return nil, errors.Wrapf(ErrNotFound, "package %s", pkg)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Path < objs[j].Path })
	return objs, nil
}

func (s *S3) Stat(ctx context.Context, pkg, file string) (Object, error) {
	key, err := s.key(pkg, file)
	if err != nil {
		return Object{}, err
	}
	out, err := s.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isNotFound(err) {
			return Object{}, errors.Wrapf(ErrNotFound, "%s/%s", pkg, file)
		}
		return Object{}, errors.Wrapf(err, "head s3://%s/%s", s.bucket, key)
	}
	return Object{Path: file, Size: aws.Int64Value(out.ContentLength), ModTime: aws.TimeValue(out.LastModified)}, nil
}

func (s *S3) Open(ctx context.Context, pkg, file string, offset, length int64) (io.ReadCloser, error) {
	key, err := s.key(pkg, file)
	if err != nil {
		return nil, err
	}
	if length <= 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	out, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrapf(ErrNotFound, "%s/%s", pkg, file)
		}
		return nil, errors.Wrapf(err, "get s3://%s/%s", s.bucket, key)
	}
	return out.Body, nil
}
