// Package codec encodes registrar state deterministically so that equal
// state always yields equal bytes and equal fingerprints.
package codec

import (
	"encoding/hex"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) with
// nanosecond RFC 3339 timestamps, so map order and time precision never
// change the bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// Diagnose renders data in CBOR diagnostic notation.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}

// Fingerprint is a keyed BLAKE3 digest of deterministically encoded state.
type Fingerprint [32]byte

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

func (f Fingerprint) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Fingerprint) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != len(f) {
		return fmt.Errorf("fingerprint: want %d hex characters, got %d", 2*len(f), len(text))
	}
	_, err := hex.Decode(f[:], text)
	return err
}

// ParseFingerprint decodes the hex form produced by String.
func ParseFingerprint(s string) (Fingerprint, error) {
	var f Fingerprint
	err := f.UnmarshalText([]byte(s))
	return f, err
}

// stateDomainKey separates state fingerprints from any other BLAKE3 use.
var stateDomainKey = [32]byte{
	'r', 'e', 'g', 'i', 's', 't', 'r', 'a', 'r', '.', 's', 't', 'a', 't', 'e', 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Sum fingerprints v by hashing its deterministic encoding.
func Sum(v any) (Fingerprint, error) {
	data, err := Marshal(v)
	if err != nil {
		return Fingerprint{}, err
	}
	return SumBytes(data), nil
}

// SumBytes fingerprints already-encoded bytes.
func SumBytes(data []byte) Fingerprint {
	h, err := blake3.NewKeyed(stateDomainKey[:])
	if err != nil {
		panic("codec: blake3 keyed hasher: " + err.Error())
	}
	_, _ = h.Write(data)
	var out Fingerprint
	copy(out[:], h.Sum(nil))
	return out
}
