package v1

import "encoding/json"

// ResultDocument is the JSON document the configuration tool writes to
// stdout when invoked with JSON output. Set and test runs share the shape;
// per-operation fields live inside ResourceOutcome and are simply absent
// for the other operation.
type ResultDocument struct {
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Results   []ResourceResult       `json:"results"`
	Messages  []json.RawMessage      `json:"messages,omitempty"`
	HadErrors bool                   `json:"hadErrors"`
}

// ResourceResult is one resource instance's outcome.
type ResourceResult struct {
	Type   string          `json:"type"`
	Name   string          `json:"name"`
	Result ResourceOutcome `json:"result"`
}

// ResourceOutcome carries the operation-specific payload of a resource
// result. Test runs populate InDesiredState and DifferingProperties; set
// runs populate the before/after states and ChangedProperties.
type ResourceOutcome struct {
	InDesiredState      *bool           `json:"inDesiredState,omitempty"`
	DifferingProperties []string        `json:"differingProperties,omitempty"`
	BeforeState         json.RawMessage `json:"beforeState,omitempty"`
	AfterState          json.RawMessage `json:"afterState,omitempty"`
	ChangedProperties   []string        `json:"changedProperties,omitempty"`
}

// AllInDesiredState reports whether every resource explicitly reports being
// in its desired state. A missing value is unknown and counts as not in the
// desired state.
func (d *ResultDocument) AllInDesiredState() bool {
	for _, r := range d.Results {
		if r.Result.InDesiredState == nil || !*r.Result.InDesiredState {
			return false
		}
	}
	return true
}

// AnyDrift reports whether at least one resource explicitly reports being
// out of its desired state. Unknown values do not count as drift.
func (d *ResultDocument) AnyDrift() bool {
	for _, r := range d.Results {
		if r.Result.InDesiredState != nil && !*r.Result.InDesiredState {
			return true
		}
	}
	return false
}

// RestartRequired returns the restart-required entries from the document
// metadata, if the run recorded any.
func (d *ResultDocument) RestartRequired() []string {
	raw, ok := d.Metadata["restartRequired"]
	if !ok {
		return nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// ResourceReports converts the document's results into report entries.
func (d *ResultDocument) ResourceReports() []ResourceReport {
	if len(d.Results) == 0 {
		return nil
	}
	out := make([]ResourceReport, 0, len(d.Results))
	for _, r := range d.Results {
		out = append(out, ResourceReport{
			Type:           r.Type,
			Name:           r.Name,
			InDesiredState: r.Result.InDesiredState,
		})
	}
	return out
}

// TraceLine is one JSON line of the configuration tool's stderr trace
// stream.
type TraceLine struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Fields    struct {
		Message string `json:"message"`
	} `json:"fields"`
}
