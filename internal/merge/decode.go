package merge

import (
	"encoding/json"
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
	sigsyaml "sigs.k8s.io/yaml"
)

// Content types accepted for parameter documents.
const (
	ContentTypeYAML = "yaml"
	ContentTypeJSON = "json"
)

// DecodeError reports an undecodable document together with its source tag.
// Offset is the byte offset of the failure where the decoder provides one
// (JSON), and -1 otherwise (YAML reports line numbers in the message).
type DecodeError struct {
	Source string
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("decoding %s at byte %d: %v", e.Source, e.Offset, e.Err)
	}
	return fmt.Sprintf("decoding %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode parses a parameter document into a string-keyed mapping. Empty
// input decodes to an empty mapping. Any decode failure is returned as a
// *DecodeError carrying the source tag; no partial result is produced.
func Decode(source, contentType string, data []byte) (map[string]interface{}, error) {
	switch contentType {
	case ContentTypeJSON:
		return decodeJSON(source, data)
	case ContentTypeYAML, "":
		return decodeYAML(source, data)
	default:
		return nil, &DecodeError{
			Source: source,
			Offset: -1,
			Err:    fmt.Errorf("unsupported content type %q", contentType),
		}
	}
}

// decodeYAML goes through the YAML-to-JSON converter so YAML and JSON inputs
// produce identical map shapes. Schema hashing depends on that: the same
// document must hash the same in either serialization.
func decodeYAML(source string, data []byte) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := sigsyaml.Unmarshal(data, &out); err != nil {
		return nil, &DecodeError{Source: source, Offset: -1, Err: err}
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

func decodeJSON(source string, data []byte) (map[string]interface{}, error) {
	if len(data) == 0 {
		return map[string]interface{}{}, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		offset := int64(-1)
		var syn *json.SyntaxError
		var typ *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syn):
			offset = syn.Offset
		case errors.As(err, &typ):
			offset = typ.Offset
		}
		return nil, &DecodeError{Source: source, Offset: offset, Err: err}
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

// YAML serializes the merged document as UTF-8 YAML without a BOM, the
// canonical form embedded in bundles. Map keys are emitted in sorted order
// so repeated builds stay byte-identical.
func (r *Result) YAML() ([]byte, error) {
	return yaml.Marshal(r.Merged)
}

// JSON serializes the merged document as JSON.
func (r *Result) JSON() ([]byte, error) {
	return json.Marshal(r.Merged)
}
