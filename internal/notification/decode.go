package notification

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// object is a decoded JSON object whose members are matched by exact key.
// encoding/json folds case when filling structs, which would let
// "MessageId" overwrite "messageId".
type object struct {
	keys   []string
	values map[string]json.RawMessage
}

func decodeObject(data []byte) (*object, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	obj := &object{values: make(map[string]json.RawMessage)}

	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return obj, nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected JSON object, got %v", tok)
	}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := keyTok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		if _, seen := obj.values[key]; !seen {
			obj.keys = append(obj.keys, key)
		}
		obj.values[key] = raw
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unexpected data after JSON object")
	}
	return obj, nil
}

// bindExact decodes the members named in targets into the pointed-to
// values. Absent and null members leave their target untouched.
func bindExact(data []byte, targets map[string]interface{}) (*object, error) {
	obj, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	for key, target := range targets {
		raw, ok := obj.values[key]
		if !ok || isNull(raw) {
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}
	return obj, nil
}

// rest returns every member not named in known. Integral numbers become
// int64, integers beyond int64 become Decimal128, the rest float64.
func (o *object) rest(known map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	for _, key := range o.keys {
		if _, ok := known[key]; ok {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(o.values[key]))
		dec.UseNumber()
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[key] = normalizeNumbers(v)
	}
	return out, nil
}

func normalizeNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		return number(t)
	case map[string]interface{}:
		for k, e := range t {
			t[k] = normalizeNumbers(e)
		}
		return t
	case []interface{}:
		for i, e := range t {
			t[i] = normalizeNumbers(e)
		}
		return t
	default:
		return v
	}
}

func number(n json.Number) interface{} {
	if i, err := n.Int64(); err == nil {
		return i
	}
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if d, err := primitive.ParseDecimal128(s); err == nil {
			return d
		}
	}
	f, _ := n.Float64()
	return f
}

// orderedDocument converts a JSON object into a bson.D keeping member order
// and exact keys at every level.
func orderedDocument(data []byte) (bson.D, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := orderedValue(dec)
	if err != nil {
		return nil, err
	}
	switch doc := v.(type) {
	case bson.D:
		return doc, nil
	case nil:
		return bson.D{}, nil
	default:
		return nil, fmt.Errorf("expected JSON object, got %T", v)
	}
}

func orderedValue(dec *json.Decoder) (interface{}, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}

	switch t := tok.(type) {
	case json.Delim:
		if t == '[' {
			arr := bson.A{}
			for dec.More() {
				v, err := orderedValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, v)
			}
			_, err := dec.Token()
			return arr, err
		}

		doc := bson.D{}
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, _ := keyTok.(string)
			v, err := orderedValue(dec)
			if err != nil {
				return nil, err
			}
			doc = setElement(doc, key, v)
		}
		_, err := dec.Token()
		return doc, err
	case json.Number:
		return number(t), nil
	default:
		return t, nil
	}
}

// setElement keeps the first position of a repeated key and its last value,
// matching how the other decoders resolve duplicates.
func setElement(doc bson.D, key string, v interface{}) bson.D {
	for i := range doc {
		if doc[i].Key == key {
			doc[i].Value = v
			return doc
		}
	}
	return append(doc, bson.E{Key: key, Value: v})
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
