package slack

// Reaction is one user's emoji on a message, file or file comment. The
// (Name, User) pair is unique within a parent's reaction list.
type Reaction struct {
	Name string `json:"name"`
	User string `json:"user"`
}

// NewReactions expands the service's aggregated
// {"name":..., "users":[...]} form into one Reaction per user.
func NewReactions(m map[string]any) []Reaction {
	var out []Reaction
	for _, r := range Objects(m, "reactions") {
		name := Str(r, "name")
		if name == "" {
			continue
		}
		for _, user := range Strings(r, "users") {
			out, _ = AddReaction(out, Reaction{Name: name, User: user})
		}
	}
	return out
}

// AddReaction appends r unless the same (name, user) pair is present.
func AddReaction(list []Reaction, r Reaction) ([]Reaction, bool) {
	for _, existing := range list {
		if existing == r {
			return list, false
		}
	}
	return append(list, r), true
}

// RemoveReaction drops the entry matching both name and user. Other
// reactions by the same user or with the same name are kept.
func RemoveReaction(list []Reaction, r Reaction) ([]Reaction, bool) {
	for i, existing := range list {
		if existing == r {
			out := make([]Reaction, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...), true
		}
	}
	return list, false
}

func cloneReactions(in []Reaction) []Reaction {
	if in == nil {
		return nil
	}
	return append([]Reaction(nil), in...)
}
