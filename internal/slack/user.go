package slack

import "sort"

type User struct {
	ID       string `json:"id"`
	TeamID   string `json:"team_id,omitempty"`
	Name     string `json:"name"`
	RealName string `json:"real_name,omitempty"`
	TZ       string `json:"tz,omitempty"`
	Deleted  bool   `json:"deleted,omitempty"`
	IsBot    bool   `json:"is_bot,omitempty"`
	IsAdmin  bool   `json:"is_admin,omitempty"`
	IsOwner  bool   `json:"is_owner,omitempty"`
	Presence string `json:"presence,omitempty"`

	Profile            *Profile            `json:"profile,omitempty"`
	DoNotDisturbStatus *DoNotDisturbStatus `json:"dnd,omitempty"`
	Preferences        map[string]any      `json:"prefs,omitempty"`
	// UserGroups is the set of subteam ids the user belongs to. Only
	// tracked for the authenticated user.
	UserGroups map[string]bool `json:"user_groups,omitempty"`
}

type Profile struct {
	FirstName     string         `json:"first_name,omitempty"`
	LastName      string         `json:"last_name,omitempty"`
	RealName      string         `json:"real_name,omitempty"`
	DisplayName   string         `json:"display_name,omitempty"`
	Email         string         `json:"email,omitempty"`
	Phone         string         `json:"phone,omitempty"`
	Title         string         `json:"title,omitempty"`
	StatusText    string         `json:"status_text,omitempty"`
	StatusEmoji   string         `json:"status_emoji,omitempty"`
	Image72       string         `json:"image_72,omitempty"`
	CustomProfile *CustomProfile `json:"fields,omitempty"`
}

func NewUser(m map[string]any) *User {
	if m == nil {
		return nil
	}
	u := &User{
		ID:          Str(m, "id"),
		TeamID:      Str(m, "team_id"),
		Name:        Str(m, "name"),
		RealName:    Str(m, "real_name"),
		TZ:          Str(m, "tz"),
		Deleted:     Bool(m, "deleted"),
		IsBot:       Bool(m, "is_bot"),
		IsAdmin:     Bool(m, "is_admin"),
		IsOwner:     Bool(m, "is_owner"),
		Presence:    Str(m, "presence"),
		Profile:     NewProfile(Object(m, "profile")),
		Preferences: cloneMap(Object(m, "prefs")),
	}
	if dnd := Object(m, "dnd"); dnd != nil {
		u.DoNotDisturbStatus = NewDoNotDisturbStatus(dnd)
	}
	return u
}

func NewProfile(m map[string]any) *Profile {
	if m == nil {
		return nil
	}
	return &Profile{
		FirstName:     Str(m, "first_name"),
		LastName:      Str(m, "last_name"),
		RealName:      Str(m, "real_name"),
		DisplayName:   Str(m, "display_name"),
		Email:         Str(m, "email"),
		Phone:         Str(m, "phone"),
		Title:         Str(m, "title"),
		StatusText:    Str(m, "status_text"),
		StatusEmoji:   Str(m, "status_emoji"),
		Image72:       Str(m, "image_72"),
		CustomProfile: NewCustomProfile(m),
	}
}

// UserGroupIDs returns the subteam ids in sorted order.
func (u *User) UserGroupIDs() []string {
	if u == nil {
		return nil
	}
	out := make([]string, 0, len(u.UserGroups))
	for id, member := range u.UserGroups {
		if member {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (u *User) CustomFields() *CustomProfile {
	if u == nil || u.Profile == nil {
		return nil
	}
	return u.Profile.CustomProfile
}

func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	out := *u
	out.Profile = u.Profile.Clone()
	out.DoNotDisturbStatus = u.DoNotDisturbStatus.Clone()
	out.Preferences = cloneMap(u.Preferences)
	if u.UserGroups != nil {
		out.UserGroups = make(map[string]bool, len(u.UserGroups))
		for k, v := range u.UserGroups {
			out.UserGroups[k] = v
		}
	}
	return &out
}

func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	out := *p
	out.CustomProfile = p.CustomProfile.Clone()
	return &out
}

type DoNotDisturbStatus struct {
	Enabled            bool  `json:"dnd_enabled"`
	NextStartTimestamp int64 `json:"next_dnd_start_ts,omitempty"`
	NextEndTimestamp   int64 `json:"next_dnd_end_ts,omitempty"`
	SnoozeEnabled      bool  `json:"snooze_enabled,omitempty"`
	SnoozeEndtime      int64 `json:"snooze_endtime,omitempty"`
}

func NewDoNotDisturbStatus(m map[string]any) *DoNotDisturbStatus {
	if m == nil {
		return nil
	}
	return &DoNotDisturbStatus{
		Enabled:            Bool(m, "dnd_enabled"),
		NextStartTimestamp: Int64(m, "next_dnd_start_ts"),
		NextEndTimestamp:   Int64(m, "next_dnd_end_ts"),
		SnoozeEnabled:      Bool(m, "snooze_enabled"),
		SnoozeEndtime:      Int64(m, "snooze_endtime"),
	}
}

func (d *DoNotDisturbStatus) Clone() *DoNotDisturbStatus {
	if d == nil {
		return nil
	}
	out := *d
	return &out
}
