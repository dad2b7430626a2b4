// Package schema derives structural schemas from parameter documents and
// hashes them for deduplication. Two documents with the same shape (same
// keys, same value types) produce the same hash regardless of their values,
// so parameter records across versions can share one stored schema.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Schema is a structural JSON-Schema-style description: object shapes,
// scalar types, arrays as homogeneous items. Values never appear in it.
type Schema map[string]interface{}

// Scalar type names used in derived schemas. All numeric forms collapse to
// "number" so a document hashes identically whether it arrived as YAML or
// JSON.
const (
	TypeObject  = "object"
	TypeArray   = "array"
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
	TypeNull    = "null"
)

// Derive builds the structural schema of a parameter document.
func Derive(doc map[string]interface{}) Schema {
	return deriveObject(doc)
}

func deriveObject(m map[string]interface{}) Schema {
	props := make(map[string]interface{}, len(m))
	for k, v := range m {
		props[k] = deriveValue(v)
	}
	return Schema{"type": TypeObject, "properties": props}
}

func deriveValue(v interface{}) Schema {
	switch t := v.(type) {
	case map[string]interface{}:
		return deriveObject(t)
	case []interface{}:
		s := Schema{"type": TypeArray}
		if len(t) > 0 {
			// Arrays are treated as homogeneous; the first element
			// stands for all of them.
			s["items"] = deriveValue(t[0])
		}
		return s
	case nil:
		return Schema{"type": TypeNull}
	case bool:
		return Schema{"type": TypeBoolean}
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return Schema{"type": TypeNumber}
	case string, []byte, time.Time:
		return Schema{"type": TypeString}
	default:
		return Schema{"type": TypeString}
	}
}

// CanonicalJSON returns the schema's canonical serialization. Object keys
// are emitted sorted, which encoding/json guarantees for maps.
func (s Schema) CanonicalJSON() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("serializing schema: %w", err)
	}
	return data, nil
}

// Hash returns the hex-lowercase SHA-256 of the canonical serialization,
// the schema's identity for deduplication.
func (s Schema) Hash() (string, error) {
	data, err := s.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ParseJSON decodes a stored canonical serialization back into a Schema.
func ParseJSON(data []byte) (Schema, error) {
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing schema: %w", err)
	}
	return s, nil
}
