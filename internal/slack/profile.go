package slack

import "encoding/json"

// CustomProfile holds team-defined profile fields keyed by field id.
// Team profile events carry fields as an array, user profiles as an
// object keyed by id; both decode to the same shape.
type CustomProfile struct {
	Fields map[string]*ProfileField
	// ids preserves the order fields arrived in, so "first field" is
	// well defined for array payloads.
	ids []string
}

type ProfileField struct {
	ID             string   `json:"id,omitempty"`
	Value          string   `json:"value,omitempty"`
	Alt            string   `json:"alt,omitempty"`
	Label          string   `json:"label,omitempty"`
	Hint           string   `json:"hint,omitempty"`
	Type           string   `json:"type,omitempty"`
	Ordering       *int     `json:"ordering,omitempty"`
	PossibleValues []string `json:"possible_values,omitempty"`
	IsHidden       bool     `json:"is_hidden,omitempty"`
}

// NewCustomProfile decodes the "fields" member of m. It returns nil when
// m carries no fields at all.
func NewCustomProfile(m map[string]any) *CustomProfile {
	if m == nil {
		return nil
	}
	cp := &CustomProfile{Fields: map[string]*ProfileField{}}
	switch raw := m["fields"].(type) {
	case []any:
		for _, item := range raw {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			field := NewProfileField(obj)
			if field.ID == "" {
				continue
			}
			cp.add(field.ID, field)
		}
	case map[string]any:
		for id, item := range raw {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			field := NewProfileField(obj)
			if field.ID == "" {
				field.ID = id
			}
			cp.add(id, field)
		}
	default:
		return nil
	}
	return cp
}

func NewProfileField(m map[string]any) *ProfileField {
	if m == nil {
		return nil
	}
	f := &ProfileField{
		ID:             Str(m, "id"),
		Value:          Str(m, "value"),
		Alt:            Str(m, "alt"),
		Label:          Str(m, "label"),
		Hint:           Str(m, "hint"),
		Type:           Str(m, "type"),
		PossibleValues: Strings(m, "possible_values"),
		IsHidden:       Bool(m, "is_hidden"),
	}
	if ordering, ok := OptInt64(m, "ordering"); ok {
		o := int(ordering)
		f.Ordering = &o
	}
	return f
}

func (cp *CustomProfile) add(id string, field *ProfileField) {
	if _, exists := cp.Fields[id]; !exists {
		cp.ids = append(cp.ids, id)
	}
	cp.Fields[id] = field
}

// FieldIDs returns field ids in arrival order.
func (cp *CustomProfile) FieldIDs() []string {
	if cp == nil {
		return nil
	}
	return cloneStrings(cp.ids)
}

func (cp *CustomProfile) Remove(id string) bool {
	if cp == nil {
		return false
	}
	if _, ok := cp.Fields[id]; !ok {
		return false
	}
	delete(cp.Fields, id)
	for i, existing := range cp.ids {
		if existing == id {
			cp.ids = append(cp.ids[:i], cp.ids[i+1:]...)
			break
		}
	}
	return true
}

// Update copies every populated attribute of other onto f.
func (f *ProfileField) Update(other *ProfileField) {
	if f == nil || other == nil {
		return
	}
	if other.ID != "" {
		f.ID = other.ID
	}
	if other.Value != "" {
		f.Value = other.Value
	}
	if other.Alt != "" {
		f.Alt = other.Alt
	}
	if other.Label != "" {
		f.Label = other.Label
	}
	if other.Hint != "" {
		f.Hint = other.Hint
	}
	if other.Type != "" {
		f.Type = other.Type
	}
	if other.Ordering != nil {
		o := *other.Ordering
		f.Ordering = &o
	}
	if other.PossibleValues != nil {
		f.PossibleValues = cloneStrings(other.PossibleValues)
	}
}

func (f *ProfileField) Clone() *ProfileField {
	if f == nil {
		return nil
	}
	out := *f
	if f.Ordering != nil {
		o := *f.Ordering
		out.Ordering = &o
	}
	out.PossibleValues = cloneStrings(f.PossibleValues)
	return &out
}

func (cp *CustomProfile) Clone() *CustomProfile {
	if cp == nil {
		return nil
	}
	out := &CustomProfile{
		Fields: make(map[string]*ProfileField, len(cp.Fields)),
		ids:    cloneStrings(cp.ids),
	}
	for id, field := range cp.Fields {
		out.Fields[id] = field.Clone()
	}
	return out
}

func (cp *CustomProfile) MarshalJSON() ([]byte, error) {
	if cp == nil {
		return []byte("null"), nil
	}
	return json.Marshal(cp.Fields)
}
