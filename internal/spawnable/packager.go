// Package spawnable packages propagated template documents into shippable
// binary products. Each product is the deterministic CBOR encoding of a
// template's flattened document, compressed with zstd and addressed by the
// BLAKE3 hash of the encoding. A manifest lists the products and the
// dependency edges between them.
package spawnable

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"prefabcore/internal/blob"
	"prefabcore/pkg/domain"
)

const (
	// ContentType labels product blobs.
	ContentType = "application/vnd.prefabcore.spawnable+zstd"
	// ManifestContentType labels manifest blobs.
	ManifestContentType = "application/vnd.prefabcore.manifest+zstd"

	productSuffix  = ".spawnable"
	manifestSuffix = ".manifest"
)

// ErrCorrupt reports a stored blob whose content does not match its ID.
var ErrCorrupt = errors.New("spawnable: corrupt product")

// Source is the read-only view of the template registry the packager
// consumes. *core.Service satisfies it.
type Source interface {
	ListTemplates() []domain.Template
	ListLinks() []domain.Link
	HasPendingPropagation() bool
}

// Logger matches the service logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Product describes one packaged template.
type Product struct {
	Template domain.TemplateID `cbor:"1,keyasint"`
	Path     string            `cbor:"2,keyasint"`
	ID       string            `cbor:"3,keyasint"`
	Key      string            `cbor:"4,keyasint"`
	Size     int64             `cbor:"5,keyasint"`
}

// Dependency records that the product From nests the product To at Alias.
type Dependency struct {
	From  string               `cbor:"1,keyasint"`
	To    string               `cbor:"2,keyasint"`
	Alias domain.InstanceAlias `cbor:"3,keyasint"`
}

// Manifest is the result of one packaging run.
type Manifest struct {
	Products     []Product    `cbor:"1,keyasint"`
	Dependencies []Dependency `cbor:"2,keyasint"`
}

// Report summarises a packaging run.
type Report struct {
	Manifest    Manifest
	ManifestKey string
	// Written lists product IDs stored by this run. Products already present
	// in the sink are skipped.
	Written []string
}

// Option configures a Packager.
type Option func(*Packager)

// WithLogger routes packager logs to logger.
func WithLogger(logger Logger) Option {
	return func(p *Packager) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPrefix stores every blob under prefix.
func WithPrefix(prefix string) Option {
	return func(p *Packager) { p.prefix = strings.Trim(prefix, "/") }
}

// Packager writes products and manifests to a blob sink.
type Packager struct {
	sink   blob.Store
	logger Logger
	prefix string
}

// NewPackager returns a Packager writing to sink.
func NewPackager(sink blob.Store, opts ...Option) *Packager {
	p := &Packager{sink: sink, logger: noopLogger{}}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Package encodes every template in src and stores the products and the
// manifest. It refuses to run while propagation has queued work or any
// template is still dirty, so products never capture partial state.
// Content addressing makes repeated runs over an unchanged registry write
// nothing.
func (p *Packager) Package(ctx context.Context, src Source) (Report, error) {
	if src.HasPendingPropagation() {
		return Report{}, fmt.Errorf("%w: drain the propagation queue before packaging", domain.ErrPropagationPending)
	}
	templates := src.ListTemplates()
	for _, t := range templates {
		if t.Dirty {
			return Report{}, fmt.Errorf("%w: template %s is dirty", domain.ErrPropagationPending, t.ID)
		}
	}

	var report Report
	byTemplate := make(map[domain.TemplateID]string, len(templates))
	for _, t := range templates {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}
		source := domain.TemplateSource(t.DOM)
		if source == "" {
			source = t.Path
		}
		payload, id, err := encode(Spawnable{Source: source, DOM: t.DOM})
		if err != nil {
			return Report{}, err
		}
		key := p.key("products", id, productSuffix)
		written, err := p.store(ctx, key, payload, ContentType, map[string]string{"template": t.ID.String()})
		if err != nil {
			return Report{}, fmt.Errorf("store product for template %s: %w", t.ID, err)
		}
		if written {
			report.Written = append(report.Written, id)
			p.logger.Debug("stored spawnable", "template", t.ID, "product", id, "bytes", len(payload))
		}
		byTemplate[t.ID] = id
		report.Manifest.Products = append(report.Manifest.Products, Product{Template: t.ID, Path: t.Path, ID: id, Key: key, Size: int64(len(payload))})
	}

	for _, l := range src.ListLinks() {
		from, okFrom := byTemplate[l.Source]
		to, okTo := byTemplate[l.Target]
		if !okFrom || !okTo {
			return Report{}, fmt.Errorf("link %s references an unknown template", l.ID)
		}
		report.Manifest.Dependencies = append(report.Manifest.Dependencies, Dependency{From: from, To: to, Alias: l.Alias})
	}
	sort.Slice(report.Manifest.Dependencies, func(i, j int) bool {
		a, b := report.Manifest.Dependencies[i], report.Manifest.Dependencies[j]
		if a.From != b.From {
			return a.From < b.From
		}
		return a.Alias < b.Alias
	})

	raw, err := encMode.Marshal(report.Manifest)
	if err != nil {
		return Report{}, fmt.Errorf("encode manifest: %w", err)
	}
	report.ManifestKey = p.key("manifests", digest(raw), manifestSuffix)
	if _, err := p.store(ctx, report.ManifestKey, zstdEncoder.EncodeAll(raw, nil), ManifestContentType, nil); err != nil {
		return Report{}, fmt.Errorf("store manifest: %w", err)
	}
	p.logger.Info("packaged templates",
		"products", len(report.Manifest.Products),
		"written", len(report.Written),
		"dependencies", len(report.Manifest.Dependencies),
		"manifest", report.ManifestKey,
	)
	return report, nil
}

// ReadProduct loads and verifies the product stored at key.
func (p *Packager) ReadProduct(ctx context.Context, key string) (Spawnable, error) {
	payload, err := p.read(ctx, key)
	if err != nil {
		return Spawnable{}, err
	}
	return decode(payload, idFromKey(key, productSuffix))
}

// ReadManifest loads and verifies the manifest stored at key.
func (p *Packager) ReadManifest(ctx context.Context, key string) (Manifest, error) {
	payload, err := p.read(ctx, key)
	if err != nil {
		return Manifest{}, err
	}
	raw, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return Manifest{}, fmt.Errorf("decompress manifest: %w", err)
	}
	if want := idFromKey(key, manifestSuffix); want != "" && digest(raw) != want {
		return Manifest{}, fmt.Errorf("%w: manifest %s", ErrCorrupt, key)
	}
	var m Manifest
	if err := decMode.Unmarshal(raw, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}

func (p *Packager) store(ctx context.Context, key string, payload []byte, contentType string, md map[string]string) (bool, error) {
	exists, err := blob.Exists(ctx, p.sink, key)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	_, err = p.sink.Put(ctx, key, bytes.NewReader(payload), blob.PutOptions{ContentType: contentType, Metadata: md})
	if errors.Is(err, blob.ErrExists) {
		return false, nil
	}
	return err == nil, err
}

func (p *Packager) read(ctx context.Context, key string) ([]byte, error) {
	_, rc, err := p.sink.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// key shards blobs by the first two hex digits of their ID.
func (p *Packager) key(kind, id, suffix string) string {
	return path.Join(p.prefix, kind, id[:2], id+suffix)
}

func idFromKey(key, suffix string) string {
	base := path.Base(key)
	if !strings.HasSuffix(base, suffix) {
		return ""
	}
	return strings.TrimSuffix(base, suffix)
}
