package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// IDField is the field holding a record's stable identity.
const IDField = "id"

// ErrNotObject is returned when a JSON document holds something other than
// an object or an array of objects.
var ErrNotObject = errors.New("record: document is not an object or array of objects")

// Record is an application-level entity. The core never interprets its fields
// apart from IDField.
type Record map[string]any

// ID returns the record's stable identity.
// String ids are returned as-is; numeric ids are rendered as decimal text.
// Returns false when the field is absent, null, or of another type.
func (r Record) ID() (string, bool) {
	v, ok := r[IDField]
	if !ok {
		return "", false
	}
	switch id := v.(type) {
	case string:
		if id == "" {
			return "", false
		}
		return id, true
	case json.Number:
		return id.String(), true
	case int:
		return strconv.Itoa(id), true
	case int64:
		return strconv.FormatInt(id, 10), true
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	default:
		return "", false
	}
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of r with fields laid over it.
// IDField in fields is ignored so a record's identity never changes.
func (r Record) Merge(fields Record) Record {
	out := r.Clone()
	for k, v := range fields {
		if k == IDField {
			continue
		}
		out[k] = v
	}
	return out
}

// DecodeJSON parses a JSON array of objects, or a single object, into records.
// A single object yields a one-record batch. Numbers are kept as json.Number.
func DecodeJSON(data []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("decode records: %w", ErrNotObject)
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode records: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode records: trailing data after document")
	}

	return FromAny(raw)
}

// FromAny converts an already-decoded JSON value into records.
func FromAny(v any) ([]Record, error) {
	switch val := v.(type) {
	case Record:
		return []Record{val}, nil
	case map[string]any:
		return []Record{Record(val)}, nil
	case []any:
		records := make([]Record, 0, len(val))
		for i, elem := range val {
			obj, ok := elem.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("decode records: element %d: %w", i, ErrNotObject)
			}
			records = append(records, Record(obj))
		}
		return records, nil
	default:
		return nil, fmt.Errorf("decode records: %w", ErrNotObject)
	}
}

// Marshal serializes v as JSON without normalizing it, so DecodeJSON returns
// the same keys and strings byte for byte. Map keys are sorted and HTML is
// not escaped. Use MarshalCanonical when the bytes feed a digest.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
