package slack

type Team struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Domain      string         `json:"domain"`
	EmailDomain string         `json:"email_domain,omitempty"`
	Plan        string         `json:"plan,omitempty"`
	Icon        map[string]any `json:"icon,omitempty"`
	Prefs       map[string]any `json:"prefs,omitempty"`
}

func NewTeam(m map[string]any) *Team {
	if m == nil {
		return nil
	}
	return &Team{
		ID:          Str(m, "id"),
		Name:        Str(m, "name"),
		Domain:      Str(m, "domain"),
		EmailDomain: Str(m, "email_domain"),
		Plan:        Str(m, "plan"),
		Icon:        cloneMap(Object(m, "icon")),
		Prefs:       cloneMap(Object(m, "prefs")),
	}
}

func (t *Team) Clone() *Team {
	if t == nil {
		return nil
	}
	out := *t
	out.Icon = cloneMap(t.Icon)
	out.Prefs = cloneMap(t.Prefs)
	return &out
}
