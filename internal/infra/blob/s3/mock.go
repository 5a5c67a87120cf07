package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// mockPageSize keeps list responses small so pagination is exercised.
const mockPageSize = 2

// NewMock returns a Store wired through New to an in-process fake of the
// S3 REST subset the adapter uses (Head/Get/Put/Delete/ListObjectsV2).
func NewMock(ctx context.Context) (*Store, error) {
	rt := &mockRoundTripper{objects: make(map[string]mockObject)}
	return New(ctx, Config{
		Bucket:          "mock-bucket",
		Endpoint:        "https://mock.s3.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
		HTTPClient:      &http.Client{Transport: rt},
	})
}

type mockObject struct {
	body        []byte
	contentType string
	metadata    http.Header
	modified    time.Time
}

type mockRoundTripper struct {
	mu      sync.Mutex
	objects map[string]mockObject
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return m.list(req), nil
	}
	switch req.Method {
	case http.MethodHead, http.MethodGet:
		obj, ok := m.objects[key]
		if !ok {
			return mockResponse(http.StatusNotFound, nil, nil), nil
		}
		h := obj.metadata.Clone()
		h.Set("Content-Length", strconv.Itoa(len(obj.body)))
		h.Set("Content-Type", obj.contentType)
		h.Set("ETag", `"etag"`)
		h.Set("Last-Modified", obj.modified.Format(http.TimeFormat))
		if req.Method == http.MethodHead {
			return mockResponse(http.StatusOK, h, nil), nil
		}
		return mockResponse(http.StatusOK, h, obj.body), nil
	case http.MethodPut:
		if _, exists := m.objects[key]; exists && req.Header.Get("If-None-Match") == "*" {
			return mockResponse(http.StatusPreconditionFailed, nil, nil), nil
		}
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		if strings.Contains(req.Header.Get("Content-Encoding"), "aws-chunked") || req.Header.Get("X-Amz-Decoded-Content-Length") != "" {
			dec, ok := decodeChunked(body)
			if !ok {
				return mockResponse(http.StatusBadRequest, nil, nil), nil
			}
			body = dec
		}
		md := http.Header{}
		for k, v := range req.Header {
			if strings.HasPrefix(http.CanonicalHeaderKey(k), "X-Amz-Meta-") {
				md[http.CanonicalHeaderKey(k)] = v
			}
		}
		m.objects[key] = mockObject{body: body, contentType: req.Header.Get("Content-Type"), metadata: md, modified: time.Now().UTC()}
		return mockResponse(http.StatusOK, http.Header{"ETag": {`"etag"`}}, nil), nil
	case http.MethodDelete:
		delete(m.objects, key)
		return mockResponse(http.StatusNoContent, nil, nil), nil
	}
	return mockResponse(http.StatusNotImplemented, nil, nil), nil
}

func (m *mockRoundTripper) list(req *http.Request) *http.Response {
	q := req.URL.Query()
	prefix := q.Get("prefix")
	start, _ := strconv.Atoi(q.Get("continuation-token"))
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	end := min(start+mockPageSize, len(keys))
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult>`)
	if end < len(keys) {
		fmt.Fprintf(&b, "<IsTruncated>true</IsTruncated><NextContinuationToken>%d</NextContinuationToken>", end)
	} else {
		b.WriteString("<IsTruncated>false</IsTruncated>")
	}
	for _, k := range keys[min(start, len(keys)):end] {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2026-01-01T00:00:00Z</LastModified></Contents>", k, len(m.objects[k].body))
	}
	b.WriteString("</ListBucketResult>")
	return mockResponse(http.StatusOK, http.Header{"Content-Type": {"application/xml"}}, []byte(b.String()))
}

func mockResponse(status int, h http.Header, body []byte) *http.Response {
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{StatusCode: status, Header: h, Body: io.NopCloser(bytes.NewReader(body)), ContentLength: int64(len(body))}
}

// decodeChunked unwraps an aws-chunked payload:
// <hex size>[;ext]\r\n<data>\r\n ... 0\r\n[trailers].
func decodeChunked(b []byte) ([]byte, bool) {
	var out []byte
	for {
		line := bytes.Index(b, []byte("\r\n"))
		if line < 0 {
			return nil, false
		}
		size, _, _ := strings.Cut(string(b[:line]), ";")
		n, err := strconv.ParseInt(size, 16, 64)
		if err != nil || n < 0 {
			return nil, false
		}
		if n == 0 {
			return out, true
		}
		b = b[line+2:]
		if int64(len(b)) < n+2 {
			return nil, false
		}
		out = append(out, b[:n]...)
		b = b[n+2:]
	}
}
