package slack

type Message struct {
	Type      string     `json:"type,omitempty"`
	Subtype   string     `json:"subtype,omitempty"`
	Channel   string     `json:"channel,omitempty"`
	User      string     `json:"user,omitempty"`
	BotID     string     `json:"bot_id,omitempty"`
	Username  string     `json:"username,omitempty"`
	TS        string     `json:"ts"`
	ThreadTS  string     `json:"thread_ts,omitempty"`
	Text      string     `json:"text,omitempty"`
	DeletedTS string     `json:"deleted_ts,omitempty"`
	IsStarred bool       `json:"is_starred,omitempty"`
	PinnedTo  []string   `json:"pinned_to,omitempty"`
	Reactions []Reaction `json:"reactions,omitempty"`
	Edited    *Edited    `json:"edited,omitempty"`
}

type Edited struct {
	User string `json:"user,omitempty"`
	TS   string `json:"ts,omitempty"`
}

func NewMessage(m map[string]any) *Message {
	if m == nil {
		return nil
	}
	msg := &Message{
		Type:      Str(m, "type"),
		Subtype:   Str(m, "subtype"),
		Channel:   Str(m, "channel"),
		User:      Str(m, "user"),
		BotID:     Str(m, "bot_id"),
		Username:  Str(m, "username"),
		TS:        Str(m, "ts"),
		ThreadTS:  Str(m, "thread_ts"),
		Text:      Str(m, "text"),
		DeletedTS: Str(m, "deleted_ts"),
		IsStarred: Bool(m, "is_starred"),
		PinnedTo:  Strings(m, "pinned_to"),
		Reactions: NewReactions(m),
	}
	if edited := Object(m, "edited"); edited != nil {
		msg.Edited = &Edited{User: Str(edited, "user"), TS: Str(edited, "ts")}
	}
	return msg
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.PinnedTo = cloneStrings(m.PinnedTo)
	out.Reactions = cloneReactions(m.Reactions)
	if m.Edited != nil {
		edited := *m.Edited
		out.Edited = &edited
	}
	return &out
}
