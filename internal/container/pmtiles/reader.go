package pmtiles

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"

	gopm "github.com/protomaps/go-pmtiles/pmtiles"
)

// RangeReader reads byte ranges of one archive.
type RangeReader interface {
	ReadRange(ctx context.Context, offset, length int64) ([]byte, error)
	// Size is the object size when known up front, else 0.
	Size() int64
	Remote() bool
	Close() error
}

// NewReader picks a reader for location: a local path, an http(s) URL, or any
// bucket URL go-pmtiles understands (s3://, gs://, azblob://, file://).
func NewReader(ctx context.Context, location string, client *http.Client) (RangeReader, error) {
	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return &httpReader{url: location, client: client}, nil
	case strings.Contains(location, "://"):
		i := strings.LastIndex(location, "/")
		bucketURL, key := location[:i], location[i+1:]
		if key == "" {
			return nil, fmt.Errorf("pmtiles: no object key in %q", location)
		}
		b, err := gopm.OpenBucket(ctx, bucketURL, "")
		if err != nil {
			return nil, fmt.Errorf("pmtiles open bucket %q: %w", bucketURL, err)
		}
		return &bucketReader{bucket: b, key: key}, nil
	default:
		f, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("pmtiles open: %w", err)
		}
		st, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("pmtiles stat: %w", err)
		}
		return &fileReader{f: f, size: st.Size()}, nil
	}
}

type fileReader struct {
	f    *os.File
	size int64
}

func (r *fileReader) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	n, err := r.f.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s@%d: %w", path.Base(r.f.Name()), offset, err)
	}
	return buf[:n], nil
}

func (r *fileReader) Size() int64  { return r.size }
func (r *fileReader) Remote() bool { return false }
func (r *fileReader) Close() error { return r.f.Close() }

type bucketReader struct {
	bucket gopm.Bucket
	key    string
}

func (r *bucketReader) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	rc, err := r.bucket.NewRangeReader(ctx, r.key, offset, length)
	if err != nil {
		return nil, fmt.Errorf("bucket range %s@%d: %w", r.key, offset, err)
	}
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("bucket read %s@%d: %w", r.key, offset, err)
	}
	return b, nil
}

func (r *bucketReader) Size() int64  { return 0 }
func (r *bucketReader) Remote() bool { return true }
func (r *bucketReader) Close() error { return r.bucket.Close() }

type httpReader struct {
	url    string
	client *http.Client
}

func (r *httpReader) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build range request: %w", err)
	}
	req.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-"+strconv.FormatInt(offset+length-1, 10))

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("range request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		b, err := io.ReadAll(io.LimitReader(resp.Body, length))
		if err != nil {
			return nil, fmt.Errorf("read range body: %w", err)
		}
		return b, nil
	case http.StatusOK:
		// server ignored Range and sent the whole object
		if _, err := io.CopyN(io.Discard, resp.Body, offset); err != nil {
			return nil, fmt.Errorf("skip to offset %d: %w", offset, err)
		}
		b, err := io.ReadAll(io.LimitReader(resp.Body, length))
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return b, nil
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, nil
	default:
		return nil, fmt.Errorf("range request %s: unexpected status %d", r.url, resp.StatusCode)
	}
}

func (r *httpReader) Size() int64  { return 0 }
func (r *httpReader) Remote() bool { return true }
func (r *httpReader) Close() error { return nil }
