package envelope

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ValueType is a built-in value type. The numbering follows the OPC UA
// built-in type ids so the legacy "v=<n>" node id hint maps directly.
type ValueType uint8

const (
	Untyped ValueType = iota
	Boolean
	SByte
	Byte
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float
	Double
	String
	DateTime
	Guid
	ByteString
)

var valueTypeNames = [...]string{
	Untyped:    "Untyped",
	Boolean:    "Boolean",
	SByte:      "SByte",
	Byte:       "Byte",
	Int16:      "Int16",
	UInt16:     "UInt16",
	Int32:      "Int32",
	UInt32:     "UInt32",
	Int64:      "Int64",
	UInt64:     "UInt64",
	Float:      "Float",
	Double:     "Double",
	String:     "String",
	DateTime:   "DateTime",
	Guid:       "Guid",
	ByteString: "ByteString",
}

func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return "Unknown"
}

// Valid reports whether t is a concrete value type.
func (t ValueType) Valid() bool {
	return t > Untyped && t <= ByteString
}

// ParseValueType accepts type names case-insensitively ("int32", "Int32").
func ParseValueType(s string) (ValueType, error) {
	for i, name := range valueTypeNames {
		if i != int(Untyped) && strings.EqualFold(name, s) {
			return ValueType(i), nil
		}
	}
	return Untyped, errors.Errorf("unknown value type %q", s)
}

// Shape distinguishes scalar from array payloads.
type Shape uint8

const (
	Scalar Shape = iota
	Array
)

func (s Shape) String() string {
	if s == Array {
		return "array"
	}
	return "scalar"
}

var scalarTypes = map[ValueType]reflect.Type{
	Boolean:    reflect.TypeOf(false),
	SByte:      reflect.TypeOf(int8(0)),
	Byte:       reflect.TypeOf(uint8(0)),
	Int16:      reflect.TypeOf(int16(0)),
	UInt16:     reflect.TypeOf(uint16(0)),
	Int32:      reflect.TypeOf(int32(0)),
	UInt32:     reflect.TypeOf(uint32(0)),
	Int64:      reflect.TypeOf(int64(0)),
	UInt64:     reflect.TypeOf(uint64(0)),
	Float:      reflect.TypeOf(float32(0)),
	Double:     reflect.TypeOf(float64(0)),
	String:     reflect.TypeOf(""),
	DateTime:   reflect.TypeOf(time.Time{}),
	Guid:       reflect.TypeOf(uuid.UUID{}),
	ByteString: reflect.TypeOf([]byte(nil)),
}

// GoType returns the Go type holding a value of type t and shape s.
func GoType(t ValueType, s Shape) (reflect.Type, bool) {
	rt, ok := scalarTypes[t]
	if !ok {
		return nil, false
	}
	if s == Array {
		rt = reflect.SliceOf(rt)
	}
	return rt, true
}

// Variant is a typed value: one of the built-in types, either scalar or
// array. The zero Variant is invalid.
//
// An Untyped variant holds a raw decoded JSON value whose type is decided
// later by Convert, typically after the target node's data type is known.
type Variant struct {
	typ   ValueType
	shape Shape
	value interface{}
}

// NewVariant infers type and shape from v. []byte is a ByteString scalar;
// use NewTypedVariant(Byte, Array, ...) for a Byte array.
func NewVariant(v interface{}) (*Variant, error) {
	if v == nil {
		return nil, errors.New("nil variant value")
	}
	rt := reflect.TypeOf(v)
	for t, st := range scalarTypes {
		if rt == st {
			return &Variant{typ: t, shape: Scalar, value: v}, nil
		}
	}
	if rt.Kind() == reflect.Slice {
		for t, st := range scalarTypes {
			if t != Byte && rt.Elem() == st {
				return &Variant{typ: t, shape: Array, value: v}, nil
			}
		}
	}
	return nil, errors.Errorf("unsupported variant value of type %T", v)
}

// MustVariant is NewVariant that panics on error.
func MustVariant(v interface{}) *Variant {
	vr, err := NewVariant(v)
	if err != nil {
		panic(err)
	}
	return vr
}

// NewTypedVariant builds a variant with an explicit type and shape; v must
// be of the matching Go type.
func NewTypedVariant(t ValueType, s Shape, v interface{}) (*Variant, error) {
	want, ok := GoType(t, s)
	if !ok {
		return nil, errors.Errorf("invalid value type %d", t)
	}
	if reflect.TypeOf(v) != want {
		return nil, errors.Errorf("%s %s needs %s, got %T", t, s, want, v)
	}
	return &Variant{typ: t, shape: s, value: v}, nil
}

// NewUntypedVariant wraps a raw decoded JSON value.
func NewUntypedVariant(v interface{}) *Variant {
	shape := Scalar
	if _, ok := v.([]interface{}); ok {
		shape = Array
	}
	return &Variant{typ: Untyped, shape: shape, value: v}
}

func (v *Variant) Type() ValueType    { return v.typ }
func (v *Variant) Shape() Shape       { return v.shape }
func (v *Variant) IsArray() bool      { return v.shape == Array }
func (v *Variant) Value() interface{} { return v.value }

// Len is the element count of an array, or 1 for a scalar.
func (v *Variant) Len() int {
	if v.shape != Array {
		return 1
	}
	return reflect.ValueOf(v.value).Len()
}

// Convert returns a variant of type t built from an untyped value. A typed
// variant converts only to its own type.
func (v *Variant) Convert(t ValueType) (*Variant, error) {
	if v.typ != Untyped {
		if v.typ != t {
			return nil, errors.Errorf("cannot convert %s to %s", v.typ, t)
		}
		return v, nil
	}
	if v.shape == Scalar {
		x, err := convertScalar(t, v.value)
		if err != nil {
			return nil, err
		}
		return &Variant{typ: t, shape: Scalar, value: x}, nil
	}
	raw := v.value.([]interface{})
	rt, ok := GoType(t, Array)
	if !ok {
		return nil, errors.Errorf("invalid value type %d", t)
	}
	out := reflect.MakeSlice(rt, 0, len(raw))
	for i, e := range raw {
		x, err := convertScalar(t, e)
		if err != nil {
			return nil, errors.Wrapf(err, "element %d", i)
		}
		out = reflect.Append(out, reflect.ValueOf(x))
	}
	return &Variant{typ: t, shape: Array, value: out.Interface()}, nil
}

func convertScalar(t ValueType, raw interface{}) (interface{}, error) {
	switch t {
	case Boolean:
		if b, ok := raw.(bool); ok {
			return b, nil
		}
	case String:
		if s, ok := raw.(string); ok {
			return s, nil
		}
	case DateTime:
		if s, ok := raw.(string); ok {
			return time.Parse(time.RFC3339Nano, s)
		}
	case Guid:
		if s, ok := raw.(string); ok {
			return uuid.Parse(s)
		}
	case ByteString:
		if s, ok := raw.(string); ok {
			var b []byte
			err := json.Unmarshal([]byte(`"`+s+`"`), &b)
			return b, err
		}
	case Float:
		if f, ok := raw.(float64); ok {
			return float32(f), nil
		}
	case Double:
		if f, ok := raw.(float64); ok {
			return f, nil
		}
	default:
		f, ok := raw.(float64)
		if !ok {
			break
		}
		if f != math.Trunc(f) {
			return nil, errors.Errorf("%v is not an integer for %s", f, t)
		}
		return convertInteger(t, f)
	}
	return nil, errors.Errorf("cannot convert %T to %s", raw, t)
}

func convertInteger(t ValueType, f float64) (interface{}, error) {
	rt := scalarTypes[t]
	out := reflect.New(rt).Elem()
	switch rt.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if out.OverflowInt(int64(f)) {
			return nil, errors.Errorf("%v overflows %s", f, t)
		}
		out.SetInt(int64(f))
	default:
		if f < 0 || out.OverflowUint(uint64(f)) {
			return nil, errors.Errorf("%v overflows %s", f, t)
		}
		out.SetUint(uint64(f))
	}
	return out.Interface(), nil
}

type variantJSON struct {
	Type  string          `json:"type,omitempty"`
	Shape string          `json:"shape,omitempty"`
	Value json.RawMessage `json:"value"`
}

func (v *Variant) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(v.value)
	if err != nil {
		return nil, err
	}
	out := variantJSON{Shape: v.shape.String(), Value: raw}
	if v.typ != Untyped {
		out.Type = v.typ.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes {"type":"Int32","shape":"array","value":[1,2]}.
// When type is omitted the variant stays Untyped.
func (v *Variant) UnmarshalJSON(b []byte) error {
	var in variantJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if in.Type == "" {
		var raw interface{}
		if err := json.Unmarshal(in.Value, &raw); err != nil {
			return err
		}
		*v = *NewUntypedVariant(raw)
		return nil
	}
	t, err := ParseValueType(in.Type)
	if err != nil {
		return err
	}
	shape := Scalar
	if strings.EqualFold(in.Shape, "array") {
		shape = Array
	}
	rt, _ := GoType(t, shape)
	ptr := reflect.New(rt)
	if err := json.Unmarshal(in.Value, ptr.Interface()); err != nil {
		return errors.Wrapf(err, "decode %s %s", t, shape)
	}
	*v = Variant{typ: t, shape: shape, value: ptr.Elem().Interface()}
	return nil
}
