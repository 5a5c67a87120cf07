package spawnable

import (
	"encoding/hex"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"prefabcore/pkg/dom"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// document always yields the same bytes and therefore the same product ID.
var encMode cbor.EncMode

var decMode cbor.DecMode

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("spawnable: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		panic("spawnable: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic("spawnable: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("spawnable: zstd decoder initialization failed: " + err.Error())
	}
}

// Spawnable is the shippable form of one propagated template: its flattened
// document, nested regions included.
type Spawnable struct {
	Source string    `cbor:"1,keyasint"`
	DOM    dom.Value `cbor:"2,keyasint"`
}

// encode returns the compressed payload and the product ID, the hex BLAKE3
// sum of the uncompressed CBOR.
func encode(s Spawnable) (payload []byte, id string, err error) {
	raw, err := encMode.Marshal(s)
	if err != nil {
		return nil, "", fmt.Errorf("encode spawnable %q: %w", s.Source, err)
	}
	return zstdEncoder.EncodeAll(raw, nil), digest(raw), nil
}

// decode reverses encode and checks the payload against wantID when it is
// non-empty.
func decode(payload []byte, wantID string) (Spawnable, error) {
	raw, err := zstdDecoder.DecodeAll(payload, nil)
	if err != nil {
		return Spawnable{}, fmt.Errorf("decompress spawnable: %w", err)
	}
	if wantID != "" {
		if got := digest(raw); got != wantID {
			return Spawnable{}, fmt.Errorf("%w: content hash %s, want %s", ErrCorrupt, got, wantID)
		}
	}
	var s Spawnable
	if err := decMode.Unmarshal(raw, &s); err != nil {
		return Spawnable{}, fmt.Errorf("decode spawnable: %w", err)
	}
	s.DOM, err = dom.Normalize(s.DOM)
	if err != nil {
		return Spawnable{}, fmt.Errorf("decode spawnable: %w", err)
	}
	return s, nil
}

func digest(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
