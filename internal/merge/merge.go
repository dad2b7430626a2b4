// Package merge implements hierarchical parameter merging with per-leaf
// provenance. Documents are applied lowest precedence first; mappings merge
// recursively while every other combination is a wholesale replacement.
//
// Values use Go's natural variant encoding for YAML/JSON trees:
// map[string]interface{} for mappings, []interface{} for sequences, nil for
// null and everything else as scalars. A leaf is the deepest non-mapping
// value reached (an empty mapping counts as a leaf of its own).
package merge

import (
	"fmt"
	"sort"
)

// Document is one parameter source tagged for provenance. Source is the
// human-readable scope tag, e.g. "Default" or "Region:US-West".
type Document struct {
	Source     string
	Precedence int
	Data       map[string]interface{}
}

// Override is one shadowed value in an entry's overridden-by list. Path is
// only set when the shadowed leaf lived at a different path than the entry,
// which happens when a mapping subtree was replaced wholesale.
type Override struct {
	Source string      `json:"source"`
	Value  interface{} `json:"value"`
	Path   string      `json:"path,omitempty"`
}

// Entry is the provenance record of one merged leaf: the winning source and
// value, plus every value that lost at this path, most recent loser first.
type Entry struct {
	Path         string      `json:"path"`
	Source       string      `json:"source"`
	Value        interface{} `json:"value"`
	OverriddenBy []Override  `json:"overriddenBy"`
}

// Result is a merged document together with its provenance index.
type Result struct {
	Merged     map[string]interface{}
	Provenance map[string]*Entry
}

// Merge deep-merges docs in order. Precedences must strictly increase
// across the sequence. An empty input yields an empty mapping with empty
// provenance. The inputs are never modified; the result shares no memory
// with them.
func Merge(docs []Document) (*Result, error) {
	for i := 1; i < len(docs); i++ {
		if docs[i].Precedence <= docs[i-1].Precedence {
			return nil, fmt.Errorf("source %q (precedence %d) does not increase over %q (precedence %d)",
				docs[i].Source, docs[i].Precedence, docs[i-1].Source, docs[i-1].Precedence)
		}
	}

	m := &merger{
		merged: map[string]interface{}{},
		prov:   map[string]*Entry{},
	}
	for _, d := range docs {
		m.applyMapping("", m.merged, d.Data, d.Source)
	}
	return &Result{Merged: m.merged, Provenance: m.prov}, nil
}

// Entry returns the provenance record at path, or nil.
func (r *Result) Entry(path string) *Entry {
	return r.Provenance[path]
}

// Entries returns all provenance records ordered by path.
func (r *Result) Entries() []Entry {
	paths := make([]string, 0, len(r.Provenance))
	for p := range r.Provenance {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]Entry, 0, len(paths))
	for _, p := range paths {
		out = append(out, *r.Provenance[p])
	}
	return out
}

type merger struct {
	merged map[string]interface{}
	prov   map[string]*Entry
}

func (m *merger) applyMapping(prefix string, dst, src map[string]interface{}, source string) {
	// Sorted key order keeps provenance construction deterministic.
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		sv := src[k]
		path := childPath(prefix, k)
		dv, exists := dst[k]
		if !exists {
			dst[k] = deepCopy(sv)
			m.recordTree(path, sv, source, nil)
			continue
		}

		dstMap, dstIsMap := dv.(map[string]interface{})
		srcMap, srcIsMap := sv.(map[string]interface{})
		if dstIsMap && srcIsMap && len(srcMap) > 0 {
			m.applyMapping(path, dstMap, srcMap, source)
			continue
		}
		if dstIsMap && srcIsMap {
			// Empty mapping at higher precedence retains the lower subtree.
			continue
		}

		m.replaceAt(path, dv, sv, source)
		dst[k] = deepCopy(sv)
	}
}

// replaceAt rewires provenance for a wholesale replacement at path and its
// descendants, then records the incoming value's leaves.
func (m *merger) replaceAt(path string, oldVal, newVal interface{}, source string) {
	_, oldIsMap := oldVal.(map[string]interface{})
	shadowed := m.removeShadowed(path, oldIsMap)
	m.recordTree(path, newVal, source, shadowed)
}

// removeShadowed deletes the provenance entries covered by a replacement at
// path and flattens them into an override list, most recent loser first.
// Entries at descendant paths carry their absolute path so the record stays
// unambiguous after the subtree is gone.
func (m *merger) removeShadowed(path string, subtree bool) []Override {
	var entries []*Entry
	if e, ok := m.prov[path]; ok {
		entries = append(entries, e)
		delete(m.prov, path)
	}
	if subtree {
		descPrefix := path + "."
		var paths []string
		for p := range m.prov {
			if len(p) > len(descPrefix) && p[:len(descPrefix)] == descPrefix {
				paths = append(paths, p)
			}
		}
		sort.Strings(paths)
		for _, p := range paths {
			entries = append(entries, m.prov[p])
			delete(m.prov, p)
		}
	}

	var out []Override
	for _, e := range entries {
		o := Override{Source: e.Source, Value: e.Value}
		if e.Path != path {
			o.Path = e.Path
		}
		out = append(out, o)
		for _, prev := range e.OverriddenBy {
			if prev.Path == "" && e.Path != path {
				prev.Path = e.Path
			}
			out = append(out, prev)
		}
	}
	return out
}

// recordTree creates provenance entries for every leaf of val rooted at
// path. The displaced overrides of a replacement are attached to the entry
// at the replacement path itself when that path is a leaf, otherwise to the
// first leaf of the new subtree in path order.
func (m *merger) recordTree(path string, val interface{}, source string, displaced []Override) {
	leaves := collectLeaves(path, val)
	for i, lp := range leaves {
		e := &Entry{
			Path:         lp.path,
			Source:       source,
			Value:        deepCopy(lp.value),
			OverriddenBy: []Override{},
		}
		if i == 0 && len(displaced) > 0 {
			if lp.path != path {
				for j := range displaced {
					if displaced[j].Path == "" {
						displaced[j].Path = path
					}
				}
			}
			e.OverriddenBy = displaced
		}
		m.prov[lp.path] = e
	}
}

type leaf struct {
	path  string
	value interface{}
}

// collectLeaves returns the leaves of val in sorted path order. The root
// path itself is a leaf unless val is a non-empty mapping.
func collectLeaves(path string, val interface{}) []leaf {
	mapping, ok := val.(map[string]interface{})
	if !ok || len(mapping) == 0 {
		return []leaf{{path: path, value: val}}
	}
	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []leaf
	for _, k := range keys {
		out = append(out, collectLeaves(childPath(path, k), mapping[k])...)
	}
	return out
}

func childPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// deepCopy clones mappings and sequences so the merged tree never aliases
// input documents. Scalars are returned as-is.
func deepCopy(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, c := range t {
			out[k] = deepCopy(c)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, c := range t {
			out[i] = deepCopy(c)
		}
		return out
	default:
		return v
	}
}
