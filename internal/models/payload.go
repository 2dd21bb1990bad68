package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Payload is the schema-less body of a synced record. Shape is checked by the
// component that consumes a field, not at the storage boundary.
type Payload map[string]interface{}

// ErrMissingRecordID is returned when a pushed payload has no usable id.
var ErrMissingRecordID = errors.New("record id is required")

// RecordID extracts the "id" field as a string.
func (p Payload) RecordID() (string, error) {
	raw, ok := p["id"]
	if !ok || raw == nil {
		return "", ErrMissingRecordID
	}
	switch v := raw.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", ErrMissingRecordID
		}
		return v, nil
	case float64:
		if v != math.Trunc(v) {
			return "", fmt.Errorf("record id %v is not an integer", v)
		}
		return strconv.FormatInt(int64(v), 10), nil
	case json.Number:
		return v.String(), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return "", fmt.Errorf("record id has unsupported type %T", raw)
	}
}

// Version extracts the "version" field. Records without one are treated as
// fresh creations at version 1.
func (p Payload) Version() (int64, error) {
	raw, ok := p["version"]
	if !ok || raw == nil {
		return 1, nil
	}
	var v int64
	switch n := raw.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("version %v is not an integer", n)
		}
		v = int64(n)
	case json.Number:
		parsed, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("invalid version %q: %w", n.String(), err)
		}
		v = parsed
	case int:
		v = int64(n)
	case int64:
		v = n
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid version %q: %w", n, err)
		}
		v = parsed
	default:
		return 0, fmt.Errorf("version has unsupported type %T", raw)
	}
	if v < 1 {
		return 0, fmt.Errorf("version must be >= 1, got %d", v)
	}
	return v, nil
}

// String returns the named field when it holds a string.
func (p Payload) String(key string) (string, bool) {
	v, ok := p[key].(string)
	return v, ok
}

// Clone returns a deep copy of p.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return cloneValue(map[string]interface{}(p)).(map[string]interface{})
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case Payload:
		return Payload(cloneValue(map[string]interface{}(t)).(map[string]interface{}))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// Value implements driver.Valuer, storing the payload as JSON.
func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner for JSON columns.
func (p *Payload) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Payload", src)
	}
	out := Payload{}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*p = out
	return nil
}

// PayloadFrom converts any JSON-encodable value into a Payload.
func PayloadFrom(v interface{}) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := Payload{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Decode unmarshals the payload into dst.
func (p Payload) Decode(dst interface{}) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// jsonValue and jsonScan back the Value/Scan methods of slice types stored
// in JSON columns.
func jsonValue(v interface{}) (driver.Value, error) {
	return json.Marshal(v)
}

func jsonScan(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
}
