package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// ExtensionsSchema is the current metadata schema version.
const ExtensionsSchema = 1

// Metadata keys read by the registrar.
const (
	MetaSessionID          = "session_id"
	MetaPriority           = "priority"
	MetaInterruptible      = "interruptible"
	MetaUserID             = "user_id"
	MetaNewOwner           = "new_owner"
	MetaMode               = "mode"
	MetaToRevision         = "to_revision"
	MetaSpeechRate         = "speech_rate"
	MetaPauseAmplification = "pause_amplification"
	MetaForcedCaptions     = "forced_captions"
	MetaScope              = "scope"
	MetaOverrideActive     = "override_active"
)

// StructuralKeys are assigned by the registrar and may not be supplied.
var StructuralKeys = []string{"order_index", "version", "parent_version", "parent_id"}

// AccessibilityKeys are the fields only accessibility actions may set.
var AccessibilityKeys = []string{
	MetaSpeechRate, MetaPauseAmplification, MetaForcedCaptions, MetaScope, MetaOverrideActive,
}

type ValueKind uint8

const (
	KindString ValueKind = iota + 1
	KindInt
	KindFloat
	KindBool
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Value is one metadata value drawn from a closed set of kinds.
type Value struct {
	Kind  ValueKind `cbor:"k"`
	Str   string    `cbor:"s,omitempty"`
	Int   int64     `cbor:"i,omitempty"`
	Float float64   `cbor:"f,omitempty"`
	Bool  bool      `cbor:"b,omitempty"`
}

func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

func IntValue(i int64) Value { return Value{Kind: KindInt, Int: i} }

func FloatValue(f float64) Value { return Value{Kind: KindFloat, Float: f} }

func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Any returns the native Go value.
func (v Value) Any() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return v.Int
	case KindFloat:
		return v.Float
	case KindBool:
		return v.Bool
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind < KindString || v.Kind > KindBool {
		return nil, fmt.Errorf("invalid value kind %d", v.Kind)
	}
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// ValueOf converts a native value into a Value. Integral numbers become
// KindInt so that JSON round trips keep their kind.
func ValueOf(raw any) (Value, error) {
	switch t := raw.(type) {
	case string:
		return StringValue(t), nil
	case bool:
		return BoolValue(t), nil
	case int:
		return IntValue(int64(t)), nil
	case int32:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return Value{}, fmt.Errorf("integer %d out of range", t)
		}
		return IntValue(int64(t)), nil
	case float32:
		return floatOrInt(float64(t)), nil
	case float64:
		return floatOrInt(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return IntValue(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q", t.String())
		}
		return FloatValue(f), nil
	case Value:
		return t, nil
	default:
		return Value{}, fmt.Errorf("unsupported metadata value of type %T", raw)
	}
}

func floatOrInt(f float64) Value {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return IntValue(int64(f))
	}
	return FloatValue(f)
}

// Extensions is schema-versioned request metadata.
type Extensions struct {
	Schema int              `json:"schema" cbor:"schema"`
	Values map[string]Value `json:"values,omitempty" cbor:"values,omitempty"`
}

func NewExtensions() Extensions {
	return Extensions{Schema: ExtensionsSchema}
}

// ExtensionsFromMap builds current-schema extensions from loosely typed
// input such as a decoded JSON body.
func ExtensionsFromMap(m map[string]any) (Extensions, error) {
	ext := NewExtensions()
	for k, raw := range m {
		v, err := ValueOf(raw)
		if err != nil {
			return Extensions{}, &ValidationError{Field: "metadata." + k, Message: err.Error()}
		}
		ext = ext.With(k, v)
	}
	return ext, nil
}

// With returns a copy of e with key set to v.
func (e Extensions) With(key string, v Value) Extensions {
	out := e.Clone()
	if out.Schema == 0 {
		out.Schema = ExtensionsSchema
	}
	if out.Values == nil {
		out.Values = make(map[string]Value)
	}
	out.Values[key] = v
	return out
}

func (e Extensions) Clone() Extensions {
	out := Extensions{Schema: e.Schema}
	if len(e.Values) > 0 {
		out.Values = make(map[string]Value, len(e.Values))
		for k, v := range e.Values {
			out.Values[k] = v
		}
	}
	return out
}

func (e Extensions) Len() int { return len(e.Values) }

func (e Extensions) Has(key string) bool {
	_, ok := e.Values[key]
	return ok
}

func (e Extensions) Get(key string) (Value, bool) {
	v, ok := e.Values[key]
	return v, ok
}

// Keys returns the keys in sorted order.
func (e Extensions) Keys() []string {
	keys := make([]string, 0, len(e.Values))
	for k := range e.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns the values as native Go values.
func (e Extensions) Map() map[string]any {
	out := make(map[string]any, len(e.Values))
	for k, v := range e.Values {
		out[k] = v.Any()
	}
	return out
}

func (e Extensions) String(key string) (string, bool, error) {
	v, ok := e.Values[key]
	if !ok {
		return "", false, nil
	}
	if v.Kind != KindString {
		return "", true, kindError(key, KindString, v.Kind)
	}
	return v.Str, true, nil
}

func (e Extensions) Int(key string) (int64, bool, error) {
	v, ok := e.Values[key]
	if !ok {
		return 0, false, nil
	}
	if v.Kind != KindInt {
		return 0, true, kindError(key, KindInt, v.Kind)
	}
	return v.Int, true, nil
}

// Float also accepts integer values.
func (e Extensions) Float(key string) (float64, bool, error) {
	v, ok := e.Values[key]
	if !ok {
		return 0, false, nil
	}
	switch v.Kind {
	case KindFloat:
		return v.Float, true, nil
	case KindInt:
		return float64(v.Int), true, nil
	default:
		return 0, true, kindError(key, KindFloat, v.Kind)
	}
}

func (e Extensions) Bool(key string) (bool, bool, error) {
	v, ok := e.Values[key]
	if !ok {
		return false, false, nil
	}
	if v.Kind != KindBool {
		return false, true, kindError(key, KindBool, v.Kind)
	}
	return v.Bool, true, nil
}

// HasAny reports whether any of keys is present.
func (e Extensions) HasAny(keys ...string) bool {
	for _, k := range keys {
		if e.Has(k) {
			return true
		}
	}
	return false
}

// Validate checks the schema version and value kinds.
func (e Extensions) Validate() error {
	if e.Schema != 0 && e.Schema != ExtensionsSchema {
		return &ValidationError{Field: "metadata.schema", Message: fmt.Sprintf("unsupported schema version %d", e.Schema)}
	}
	for k, v := range e.Values {
		if k == "" {
			return &ValidationError{Field: "metadata", Message: "empty metadata key"}
		}
		if v.Kind < KindString || v.Kind > KindBool {
			return &ValidationError{Field: "metadata." + k, Message: fmt.Sprintf("invalid value kind %d", v.Kind)}
		}
	}
	return nil
}

func kindError(key string, want, got ValueKind) error {
	return &ValidationError{Field: "metadata." + key, Message: fmt.Sprintf("expected %s, got %s", want, got)}
}
