package store

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/pkg/errors"
)

func check(t *testing.T, msg string, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	check(t, "mkdir", os.MkdirAll(filepath.Dir(path), 0o755))
	check(t, "write", os.WriteFile(path, data, 0o644))
}

func readAll(t *testing.T, rc io.ReadCloser, err error) []byte {
	t.Helper()
	check(t, "open", err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	check(t, "read", err)
	return b
}

func TestCleanPath(t *testing.T) {
	for _, p := range []string{"", "/etc/passwd", "../x", "a/../../x", `a\b`, "a//b", "./a", "."} {
		if _, err := CleanPath(p); !errors.Is(err, ErrInvalidPath) {
			t.Fatalf("CleanPath(%q) accepted", p)
		}
	}
	for _, p := range []string{"a", "data/textures.pak", "x/y/z.bin"} {
		if _, err := CleanPath(p); err != nil {
			t.Fatalf("CleanPath(%q) = %v", p, err)
		}
	}
	for _, n := range []string{"", ".", "..", ".hidden", "a/b"} {
		if ValidName(n) {
			t.Fatalf("ValidName(%q) = true", n)
		}
	}
}

func TestLocal(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "alpha", "data", "a.bin"), []byte("0123456789"))
	writeFile(t, filepath.Join(root, "alpha", "VERSION"), []byte("1.0\n"))
	writeFile(t, filepath.Join(root, "beta", "b.bin"), []byte("b"))
	writeFile(t, filepath.Join(root, "loose.txt"), []byte("not a package"))

	l, err := NewLocal(root)
	check(t, "NewLocal", err)
	ctx := context.Background()

	pkgs, err := l.Packages(ctx)
	check(t, "Packages", err)
	sort.Strings(pkgs)
	if strings.Join(pkgs, ",") != "alpha,beta" {
		t.Fatalf("Packages = %v", pkgs)
	}

	objs, err := l.List(ctx, "alpha")
	check(t, "List", err)
	if len(objs) != 2 || objs[0].Path != "VERSION" || objs[1].Path != "data/a.bin" || objs[1].Size != 10 {
		t.Fatalf("List = %+v", objs)
	}

	if _, err := l.List(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("List missing = %v", err)
	}

	obj, err := l.Stat(ctx, "alpha", "data/a.bin")
	check(t, "Stat", err)
	if obj.Size != 10 {
		t.Fatalf("Stat size = %d", obj.Size)
	}
	if _, err := l.Stat(ctx, "alpha", "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stat missing = %v", err)
	}
	if _, err := l.Stat(ctx, "alpha", "../beta/b.bin"); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("traversal accepted: %v", err)
	}

	rc, err := l.Open(ctx, "alpha", "data/a.bin", 3, 4)
	if got := readAll(t, rc, err); string(got) != "3456" {
		t.Fatalf("Open range = %q", got)
	}
}

type fakeS3 struct {
	s3iface.S3API
	objects map[string][]byte
	ranges  []string
}

var notFound = awserr.NewRequestFailure(awserr.New("NotFound", "not found", nil), 404, "req-1")

func (f *fakeS3) ListObjectsV2PagesWithContext(ctx aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, opts ...request.Option) error {
	prefix := aws.StringValue(in.Prefix)
	delim := aws.StringValue(in.Delimiter)
	out := &s3.ListObjectsV2Output{}
	seen := map[string]bool{}
	keys := make([]string, 0, len(f.objects))
	for k := range f.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rest := strings.TrimPrefix(k, prefix)
		if delim != "" {
			if i := strings.Index(rest, delim); i >= 0 {
				cp := prefix + rest[:i+1]
				if !seen[cp] {
					seen[cp] = true
					out.CommonPrefixes = append(out.CommonPrefixes, &s3.CommonPrefix{Prefix: aws.String(cp)})
				}
				continue
			}
		}
		out.Contents = append(out.Contents, &s3.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(f.objects[k]))),
			LastModified: aws.Time(time.Unix(1_700_000_000, 0)),
		})
	}
	fn(out, true)
	return nil
}

func (f *fakeS3) HeadObjectWithContext(ctx aws.Context, in *s3.HeadObjectInput, opts ...request.Option) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, notFound
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, notFound
	}
	r := aws.StringValue(in.Range)
	f.ranges = append(f.ranges, r)
	spec := strings.TrimPrefix(r, "bytes=")
	lo, hi, _ := strings.Cut(spec, "-")
	start, _ := strconv.Atoi(lo)
	end, _ := strconv.Atoi(hi)
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data[start : end+1]))}, nil
}

func TestS3(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{
		"mods/alpha/data/a.bin": []byte("0123456789"),
		"mods/alpha/VERSION":    []byte("2.0"),
		"mods/beta/b.bin":       []byte("b"),
	}}
	s := NewS3WithClient(fake, "bucket", "/mods/")
	ctx := context.Background()

	pkgs, err := s.Packages(ctx)
	check(t, "Packages", err)
	if strings.Join(pkgs, ",") != "alpha,beta" {
		t.Fatalf("Packages = %v", pkgs)
	}

	objs, err := s.List(ctx, "alpha")
	check(t, "List", err)
	if len(objs) != 2 || objs[1].Path != "data/a.bin" || objs[1].Size != 10 {
		t.Fatalf("List = %+v", objs)
	}
	if _, err := s.List(ctx, "gamma"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("List missing = %v", err)
	}

	if _, err := s.Stat(ctx, "alpha", "missing.bin"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stat missing = %v", err)
	}

	rc, err := s.Open(ctx, "alpha", "data/a.bin", 2, 5)
	if got := readAll(t, rc, err); string(got) != "23456" {
		t.Fatalf("Open = %q", got)
	}
	if fake.ranges[0] != "bytes=2-6" {
		t.Fatalf("range header = %q", fake.ranges[0])
	}
}
