package storage

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// ValueType tags the variant of a Value.
type ValueType uint8

// Value variants. The numeric tags are persisted and must never change.
const (
	TypeText     ValueType = 1
	TypeInteger  ValueType = 2
	TypeDouble   ValueType = 3
	TypeBoolean  ValueType = 4
	TypeDateTime ValueType = 5
	TypeJSON     ValueType = 6
	TypeBinary   ValueType = 7
)

var valueTypeNames = map[ValueType]string{
	TypeText:     "text",
	TypeInteger:  "integer",
	TypeDouble:   "double",
	TypeBoolean:  "boolean",
	TypeDateTime: "datetime",
	TypeJSON:     "json",
	TypeBinary:   "binary",
}

// String implements fmt.Stringer.
func (t ValueType) String() string {
	if name, ok := valueTypeNames[t]; ok {
		return name
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// ParseValueType parses the lower-case name produced by String.
func ParseValueType(name string) (ValueType, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range valueTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidData, "unknown value type %q", name)
}

// Value is an attribute value. The set of variants is closed: Text, Integer,
// Double, Boolean, DateTime, JSON and Binary.
type Value interface {
	Type() ValueType
	String() string
	isValue()
}

// Text is a UTF-8 string value.
type Text string

// Integer is a signed 64-bit integer value.
type Integer int64

// Double is an IEEE-754 double value.
type Double float64

// Boolean is a boolean value.
type Boolean bool

// DateTime is an instant, stored as Unix seconds plus nanoseconds in UTC.
// Any instant between years 1 and 9999 round-trips.
type DateTime struct {
	Time time.Time
}

// JSON is a raw JSON document.
type JSON []byte

// Binary is an opaque blob with a MIME type.
type Binary struct {
	MimeType string
	Data     []byte
}

func (Text) Type() ValueType     { return TypeText }
func (Integer) Type() ValueType  { return TypeInteger }
func (Double) Type() ValueType   { return TypeDouble }
func (Boolean) Type() ValueType  { return TypeBoolean }
func (DateTime) Type() ValueType { return TypeDateTime }
func (JSON) Type() ValueType     { return TypeJSON }
func (Binary) Type() ValueType   { return TypeBinary }

func (Text) isValue()     {}
func (Integer) isValue()  {}
func (Double) isValue()   {}
func (Boolean) isValue()  {}
func (DateTime) isValue() {}
func (JSON) isValue()     {}
func (Binary) isValue()   {}

func (v Text) String() string    { return string(v) }
func (v Integer) String() string { return strconv.FormatInt(int64(v), 10) }
func (v Double) String() string  { return strconv.FormatFloat(float64(v), 'g', -1, 64) }
func (v Boolean) String() string { return strconv.FormatBool(bool(v)) }
func (v DateTime) String() string {
	return v.Time.UTC().Format(time.RFC3339Nano)
}
func (v JSON) String() string { return string(v) }
func (v Binary) String() string {
	return v.MimeType + ";base64," + base64.StdEncoding.EncodeToString(v.Data)
}

// ValuesEqual reports whether two values are the same variant with the same
// content. Doubles compare bitwise so NaN equals itself; DateTimes compare
// as instants. JSON documents compare after insignificant whitespace is
// removed; member order still matters.
func ValuesEqual(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Type() != b.Type() {
		return false
	}
	switch av := a.(type) {
	case Double:
		return math.Float64bits(float64(av)) == math.Float64bits(float64(b.(Double)))
	case DateTime:
		return av.Time.Equal(b.(DateTime).Time)
	case JSON:
		return bytes.Equal(compactJSON(av), compactJSON(b.(JSON)))
	case Binary:
		bv := b.(Binary)
		return av.MimeType == bv.MimeType && bytes.Equal(av.Data, bv.Data)
	default:
		return a == b
	}
}

func compactJSON(j JSON) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, j); err != nil {
		return j
	}
	return buf.Bytes()
}

// EncodeValue serialises a value as one tag byte followed by the variant
// payload.
func EncodeValue(v Value) ([]byte, error) {
	if v == nil {
		return nil, errors.Wrap(ErrInvalidData, "nil value")
	}
	switch tv := v.(type) {
	case Text:
		if !utf8.ValidString(string(tv)) {
			return nil, errors.Wrap(ErrInvalidData, "text value is not valid UTF-8")
		}
		return append([]byte{byte(TypeText)}, tv...), nil
	case Integer:
		buf := make([]byte, 9)
		buf[0] = byte(TypeInteger)
		binary.BigEndian.PutUint64(buf[1:], uint64(tv))
		return buf, nil
	case Double:
		buf := make([]byte, 9)
		buf[0] = byte(TypeDouble)
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(float64(tv)))
		return buf, nil
	case Boolean:
		if tv {
			return []byte{byte(TypeBoolean), 1}, nil
		}
		return []byte{byte(TypeBoolean), 0}, nil
	case DateTime:
		buf := make([]byte, 13)
		buf[0] = byte(TypeDateTime)
		binary.BigEndian.PutUint64(buf[1:9], uint64(tv.Time.Unix()))
		binary.BigEndian.PutUint32(buf[9:], uint32(tv.Time.Nanosecond()))
		return buf, nil
	case JSON:
		if !json.Valid(tv) {
			return nil, errors.Wrap(ErrInvalidData, "json value is not valid JSON")
		}
		return append([]byte{byte(TypeJSON)}, tv...), nil
	case Binary:
		buf := make([]byte, 1, 1+binary.MaxVarintLen64+len(tv.MimeType)+len(tv.Data))
		buf[0] = byte(TypeBinary)
		buf = binary.AppendUvarint(buf, uint64(len(tv.MimeType)))
		buf = append(buf, tv.MimeType...)
		buf = append(buf, tv.Data...)
		return buf, nil
	default:
		return nil, errors.Wrapf(ErrInvalidData, "unsupported value type %T", v)
	}
}

// DecodeValue is the inverse of EncodeValue. An unknown tag or a corrupt
// payload yields ErrMalformedValue.
func DecodeValue(data []byte) (Value, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(ErrMalformedValue, "empty value")
	}
	payload := data[1:]
	switch ValueType(data[0]) {
	case TypeText:
		if !utf8.Valid(payload) {
			return nil, errors.Wrap(ErrMalformedValue, "text is not valid UTF-8")
		}
		return Text(payload), nil
	case TypeInteger:
		if len(payload) != 8 {
			return nil, errors.Wrapf(ErrMalformedValue, "integer payload has %d bytes", len(payload))
		}
		return Integer(int64(binary.BigEndian.Uint64(payload))), nil
	case TypeDouble:
		if len(payload) != 8 {
			return nil, errors.Wrapf(ErrMalformedValue, "double payload has %d bytes", len(payload))
		}
		return Double(math.Float64frombits(binary.BigEndian.Uint64(payload))), nil
	case TypeBoolean:
		if len(payload) != 1 || payload[0] > 1 {
			return nil, errors.Wrap(ErrMalformedValue, "bad boolean payload")
		}
		return Boolean(payload[0] == 1), nil
	case TypeDateTime:
		if len(payload) != 12 {
			return nil, errors.Wrapf(ErrMalformedValue, "datetime payload has %d bytes", len(payload))
		}
		nsec := binary.BigEndian.Uint32(payload[8:])
		if nsec >= 1e9 {
			return nil, errors.Wrap(ErrMalformedValue, "datetime nanoseconds out of range")
		}
		sec := int64(binary.BigEndian.Uint64(payload[:8]))
		return DateTime{Time: time.Unix(sec, int64(nsec)).UTC()}, nil
	case TypeJSON:
		if !json.Valid(payload) {
			return nil, errors.Wrap(ErrMalformedValue, "json payload is not valid JSON")
		}
		return JSON(bytes.Clone(payload)), nil
	case TypeBinary:
		n, k := binary.Uvarint(payload)
		if k <= 0 || uint64(len(payload)-k) < n {
			return nil, errors.Wrap(ErrMalformedValue, "bad binary mime length")
		}
		mime := string(payload[k : k+int(n)])
		return Binary{MimeType: mime, Data: bytes.Clone(payload[k+int(n):])}, nil
	default:
		return nil, errors.Wrapf(ErrMalformedValue, "unknown value tag 0x%02x", data[0])
	}
}

// ParseValue builds a value of the given type from its textual form, as
// accepted on the command line. Binary values use "mime;base64,payload".
func ParseValue(t ValueType, s string) (Value, error) {
	switch t {
	case TypeText:
		return Text(s), nil
	case TypeInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidData, "parse integer %q", s)
		}
		return Integer(n), nil
	case TypeDouble:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidData, "parse double %q", s)
		}
		return Double(f), nil
	case TypeBoolean:
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidData, "parse boolean %q", s)
		}
		return Boolean(b), nil
	case TypeDateTime:
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidData, "parse datetime %q", s)
		}
		return DateTime{Time: ts.UTC()}, nil
	case TypeJSON:
		if !json.Valid([]byte(s)) {
			return nil, errors.Wrapf(ErrInvalidData, "invalid json %q", s)
		}
		return JSON(s), nil
	case TypeBinary:
		mime, payload, ok := strings.Cut(s, ";base64,")
		if !ok {
			return nil, errors.Wrap(ErrInvalidData, "binary value must look like mime;base64,payload")
		}
		data, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidData, "decode binary payload")
		}
		return Binary{MimeType: mime, Data: data}, nil
	default:
		return nil, errors.Wrapf(ErrInvalidData, "unknown value type %d", uint8(t))
	}
}

// TypedValue wraps a Value for JSON documents as {"type": ..., "value": ...}.
type TypedValue struct {
	Value Value
}

type typedValueJSON struct {
	Type     string          `json:"type"`
	Value    json.RawMessage `json:"value"`
	MimeType string          `json:"mimeType,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (tv TypedValue) MarshalJSON() ([]byte, error) {
	if tv.Value == nil {
		return []byte("null"), nil
	}
	out := typedValueJSON{Type: tv.Value.Type().String()}
	var (
		raw []byte
		err error
	)
	switch v := tv.Value.(type) {
	case Text:
		raw, err = json.Marshal(string(v))
	case Integer:
		raw, err = json.Marshal(int64(v))
	case Double:
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			raw, err = json.Marshal(v.String())
		} else {
			raw, err = json.Marshal(float64(v))
		}
	case Boolean:
		raw, err = json.Marshal(bool(v))
	case DateTime:
		raw, err = json.Marshal(v.String())
	case JSON:
		raw = v
	case Binary:
		out.MimeType = v.MimeType
		raw, err = json.Marshal(v.Data)
	default:
		return nil, errors.Errorf("unsupported value type %T", v)
	}
	if err != nil {
		return nil, err
	}
	out.Value = raw
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (tv *TypedValue) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		tv.Value = nil
		return nil
	}
	var in typedValueJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	t, err := ParseValueType(in.Type)
	if err != nil {
		return err
	}
	switch t {
	case TypeText:
		var s string
		err = json.Unmarshal(in.Value, &s)
		tv.Value = Text(s)
	case TypeInteger:
		var n int64
		err = json.Unmarshal(in.Value, &n)
		tv.Value = Integer(n)
	case TypeDouble:
		var f float64
		if err = json.Unmarshal(in.Value, &f); err != nil {
			var s string
			if json.Unmarshal(in.Value, &s) == nil {
				tv.Value, err = ParseValue(TypeDouble, s)
				return err
			}
		}
		tv.Value = Double(f)
	case TypeBoolean:
		var b bool
		err = json.Unmarshal(in.Value, &b)
		tv.Value = Boolean(b)
	case TypeDateTime:
		var s string
		if err = json.Unmarshal(in.Value, &s); err == nil {
			tv.Value, err = ParseValue(TypeDateTime, s)
		}
	case TypeJSON:
		if !json.Valid(in.Value) {
			return errors.Wrap(ErrInvalidData, "invalid json value")
		}
		tv.Value = JSON(bytes.Clone(in.Value))
	case TypeBinary:
		var b []byte
		err = json.Unmarshal(in.Value, &b)
		tv.Value = Binary{MimeType: in.MimeType, Data: b}
	}
	return err
}
