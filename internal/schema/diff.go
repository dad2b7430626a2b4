package schema

import "sort"

// ChangeKind classifies the structural difference between two schemas.
type ChangeKind int

const (
	// ChangeIdentical means the shapes match exactly.
	ChangeIdentical ChangeKind = iota
	// ChangeAdditive means properties were added but none removed or
	// retyped.
	ChangeAdditive
	// ChangeBreaking means at least one property was removed or changed
	// type.
	ChangeBreaking
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeIdentical:
		return "identical"
	case ChangeAdditive:
		return "additive"
	case ChangeBreaking:
		return "breaking"
	default:
		return "unknown"
	}
}

// Diff is the structural difference between an old and a new schema. Paths
// are dotted property paths; array item schemas contribute a "[]" segment.
type Diff struct {
	Kind    ChangeKind
	Added   []string
	Removed []string
	Changed []string
}

// Compare walks both schemas and classifies the change from old to new.
func Compare(old, new Schema) Diff {
	d := &Diff{}
	compareSchemas("", old, new, d)
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)

	switch {
	case len(d.Removed) > 0 || len(d.Changed) > 0:
		d.Kind = ChangeBreaking
	case len(d.Added) > 0:
		d.Kind = ChangeAdditive
	default:
		d.Kind = ChangeIdentical
	}
	return *d
}

func compareSchemas(path string, old, new Schema, d *Diff) {
	oldType, _ := old["type"].(string)
	newType, _ := new["type"].(string)
	if oldType != newType {
		d.Changed = append(d.Changed, rootedPath(path))
		return
	}

	switch oldType {
	case TypeObject:
		oldProps := properties(old)
		newProps := properties(new)
		for k, ov := range oldProps {
			p := childPath(path, k)
			nv, ok := newProps[k]
			if !ok {
				d.Removed = append(d.Removed, p)
				continue
			}
			compareSchemas(p, ov, nv, d)
		}
		for k := range newProps {
			if _, ok := oldProps[k]; !ok {
				d.Added = append(d.Added, childPath(path, k))
			}
		}
	case TypeArray:
		oldItems := items(old)
		newItems := items(new)
		// An empty array carries no item shape; absence on either side
		// is not a difference.
		if oldItems != nil && newItems != nil {
			compareSchemas(path+"[]", oldItems, newItems, d)
		}
	}
}

func properties(s Schema) map[string]Schema {
	raw, ok := s["properties"].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]Schema, len(raw))
	for k, v := range raw {
		out[k] = asSchema(v)
	}
	return out
}

func items(s Schema) Schema {
	return asSchema(s["items"])
}

func asSchema(v interface{}) Schema {
	switch t := v.(type) {
	case Schema:
		return t
	case map[string]interface{}:
		return Schema(t)
	default:
		return nil
	}
}

func childPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func rootedPath(path string) string {
	if path == "" {
		return "."
	}
	return path
}
