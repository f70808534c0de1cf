package slack

type Bot struct {
	ID      string            `json:"id"`
	AppID   string            `json:"app_id,omitempty"`
	Name    string            `json:"name"`
	Deleted bool              `json:"deleted,omitempty"`
	Icons   map[string]string `json:"icons,omitempty"`
}

func NewBot(m map[string]any) *Bot {
	if m == nil {
		return nil
	}
	b := &Bot{
		ID:      Str(m, "id"),
		AppID:   Str(m, "app_id"),
		Name:    Str(m, "name"),
		Deleted: Bool(m, "deleted"),
	}
	if icons := Object(m, "icons"); icons != nil {
		b.Icons = make(map[string]string, len(icons))
		for k := range icons {
			if v := Str(icons, k); v != "" {
				b.Icons[k] = v
			}
		}
	}
	return b
}

func (b *Bot) Clone() *Bot {
	if b == nil {
		return nil
	}
	out := *b
	if b.Icons != nil {
		out.Icons = make(map[string]string, len(b.Icons))
		for k, v := range b.Icons {
			out.Icons[k] = v
		}
	}
	return &out
}

// UserGroup is a subteam: a named subset of team members.
type UserGroup struct {
	ID          string   `json:"id"`
	TeamID      string   `json:"team_id,omitempty"`
	IsUserGroup bool     `json:"is_usergroup,omitempty"`
	Name        string   `json:"name"`
	Handle      string   `json:"handle,omitempty"`
	Description string   `json:"description,omitempty"`
	IsExternal  bool     `json:"is_external,omitempty"`
	Created     int64    `json:"date_create,omitempty"`
	Updated     int64    `json:"date_update,omitempty"`
	CreatedBy   string   `json:"created_by,omitempty"`
	UpdatedBy   string   `json:"updated_by,omitempty"`
	Users       []string `json:"users,omitempty"`
	UserCount   int      `json:"user_count,omitempty"`
}

func NewUserGroup(m map[string]any) *UserGroup {
	if m == nil {
		return nil
	}
	g := &UserGroup{
		ID:          Str(m, "id"),
		TeamID:      Str(m, "team_id"),
		IsUserGroup: Bool(m, "is_usergroup"),
		Name:        Str(m, "name"),
		Handle:      Str(m, "handle"),
		Description: Str(m, "description"),
		IsExternal:  Bool(m, "is_external"),
		Created:     Int64(m, "date_create"),
		Updated:     Int64(m, "date_update"),
		CreatedBy:   Str(m, "created_by"),
		UpdatedBy:   Str(m, "updated_by"),
		Users:       Strings(m, "users"),
	}
	// user_count arrives as a string on some payloads.
	g.UserCount = Int(m, "user_count")
	return g
}

func (g *UserGroup) Clone() *UserGroup {
	if g == nil {
		return nil
	}
	out := *g
	out.Users = cloneStrings(g.Users)
	return &out
}
