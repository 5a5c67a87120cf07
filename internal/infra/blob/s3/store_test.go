package s3

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"strconv"
	"testing"

	"github.com/zeebo/blake3"

	"prefabcore/internal/blob/core"
)

func newMockStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewMock(context.Background())
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	return store
}

func TestStoreMockedBasicFlow(t *testing.T) {
	store := newMockStore(t)
	ctx := context.Background()
	body := []byte("zstd\r\nframe")
	info, err := store.Put(ctx, "products/ab.bin", bytes.NewReader(body), core.PutOptions{ContentType: "application/zstd", Metadata: map[string]string{"template": "7"}})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	sum := blake3.Sum256(body)
	if info.Key != "products/ab.bin" || info.ContentType != "application/zstd" || info.Digest != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected info %#v", info)
	}
	if info.Metadata["template"] != "7" || len(info.Metadata) != 1 {
		t.Fatalf("digest must not leak into user metadata: %#v", info.Metadata)
	}
	if _, err := store.Put(ctx, "products/ab.bin", bytes.NewReader([]byte("ignored")), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	got, rc, err := store.Get(ctx, "products/ab.bin")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if !bytes.Equal(data, body) || got.Digest != info.Digest {
		t.Fatalf("get mismatch: %q %+v", data, got)
	}
	if ok, err := store.Delete(ctx, "products/ab.bin"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "products/ab.bin"); err != nil || ok {
		t.Fatalf("second delete must report false: %v %v", ok, err)
	}
}

func TestStoreListPaginates(t *testing.T) {
	store := newMockStore(t)
	ctx := context.Background()
	for i := 4; i >= 0; i-- {
		if _, err := store.Put(ctx, "k/"+strconv.Itoa(i), bytes.NewReader([]byte("body")), core.PutOptions{}); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}
	if _, err := store.Put(ctx, "other", bytes.NewReader([]byte("body")), core.PutOptions{}); err != nil {
		t.Fatalf("put other: %v", err)
	}
	list, err := store.List(ctx, "k/")
	if err != nil || len(list) != 5 {
		t.Fatalf("expected five items across pages: %v %+v", err, list)
	}
	for i, info := range list {
		if info.Key != "k/"+strconv.Itoa(i) || info.Size != 4 {
			t.Fatalf("unexpected entry %d: %+v", i, info)
		}
	}
	if list, err := store.List(ctx, "none/"); err != nil || len(list) != 0 {
		t.Fatalf("expected empty list: %v %+v", err, list)
	}
}

func TestStoreErrorPaths(t *testing.T) {
	store := newMockStore(t)
	ctx := context.Background()
	if _, err := store.Head(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from head, got %v", err)
	}
	if _, _, err := store.Get(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound from get, got %v", err)
	}
	if _, err := store.Put(ctx, "../up", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, core.ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := New(ctx, Config{}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}

func TestNewWithStaticCredentials(t *testing.T) {
	s, err := New(context.Background(), Config{Bucket: "bkt", Endpoint: "https://mock.s3.local", AccessKeyID: "AKIA", SecretAccessKey: "SECRET", PathStyle: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Driver() != core.DriverS3 || s.Bucket() != "bkt" {
		t.Fatalf("unexpected store %v %s", s.Driver(), s.Bucket())
	}
	creds, err := s.client.Options().Credentials.Retrieve(context.Background())
	if err != nil || creds.AccessKeyID != "AKIA" {
		t.Fatalf("expected static credentials: %v %+v", err, creds)
	}
	if s.client.Options().Region != DefaultRegion {
		t.Fatalf("expected default region, got %s", s.client.Options().Region)
	}
}

func TestDecodeChunked(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"not-chunked", "", false},
		{"5\r\nabc\r\n0\r\n", "", false},
		{"5\r\nhello\r\n0\r\n", "hello", true},
		{"4;chunk-signature=x\r\na\r\nb\r\n2\r\ncd\r\n0\r\nx-amz-checksum-crc32:AAAA\r\n\r\n", "a\r\nbcd", true},
	}
	for _, tc := range cases {
		got, ok := decodeChunked([]byte(tc.in))
		if ok != tc.ok || string(got) != tc.want {
			t.Fatalf("decodeChunked(%q) = %q %v", tc.in, got, ok)
		}
	}
}
