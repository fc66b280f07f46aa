package types

import (
	"maps"
	"slices"
)

// Clone returns a deep copy of r. Nil slices and maps stay nil, empty ones
// stay empty.
func (r ProjectMemoryRecord) Clone() ProjectMemoryRecord {
	r.Context = r.Context.Clone()
	r.ConversationHistory = CloneMessages(r.ConversationHistory)
	r.Metadata = r.Metadata.Clone()
	return r
}

// Clone returns a deep copy of d.
func (d ProjectDescriptor) Clone() ProjectDescriptor {
	d.Dependencies = slices.Clone(d.Dependencies)
	d.Structure = d.Structure.Clone()
	d.OpenFiles = slices.Clone(d.OpenFiles)
	d.RecentChanges = slices.Clone(d.RecentChanges)
	return d
}

// Clone returns a deep copy of t.
func (t FileTree) Clone() FileTree {
	if t == nil {
		return nil
	}
	out := make(FileTree, len(t))
	for name, node := range t {
		node.Children = node.Children.Clone()
		out[name] = node
	}
	return out
}

// Clone returns a deep copy of md.
func (md RecordMetadata) Clone() RecordMetadata {
	md.OpenFiles = slices.Clone(md.OpenFiles)
	md.RecentChanges = slices.Clone(md.RecentChanges)
	if md.GitInfo != nil {
		g := *md.GitInfo
		md.GitInfo = &g
	}
	if md.UserPreferences != nil {
		p := *md.UserPreferences
		p.Extra = cloneMap(p.Extra)
		md.UserPreferences = &p
	}
	if md.ProjectStats != nil {
		s := *md.ProjectStats
		s.Languages = maps.Clone(s.Languages)
		md.ProjectStats = &s
	}
	return md
}

// CloneMessages copies msgs and each message context.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		m.Context = cloneMap(m.Context)
		out[i] = m
	}
	return out
}

// cloneMap copies the JSON-shaped values found in contexts and preferences.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(v)
	default:
		return v
	}
}
