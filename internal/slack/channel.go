package slack

import "sort"

// Channel covers public channels, private groups, IMs and MPIMs.
// Messages are keyed by their service-assigned timestamp.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Creator     string `json:"creator,omitempty"`
	Created     int64  `json:"created,omitempty"`
	User        string `json:"user,omitempty"`
	IsChannel   bool   `json:"is_channel,omitempty"`
	IsGroup     bool   `json:"is_group,omitempty"`
	IsIM        bool   `json:"is_im,omitempty"`
	IsMPIM      bool   `json:"is_mpim,omitempty"`
	IsGeneral   bool   `json:"is_general,omitempty"`
	IsMember    bool   `json:"is_member,omitempty"`
	IsArchived  bool   `json:"is_archived,omitempty"`
	IsOpen      bool   `json:"is_open,omitempty"`
	LastRead    string `json:"last_read,omitempty"`
	Topic       string `json:"topic,omitempty"`
	Purpose     string `json:"purpose,omitempty"`
	UnreadCount int    `json:"unread_count,omitempty"`

	Members     []string            `json:"members,omitempty"`
	Messages    map[string]*Message `json:"-"`
	UsersTyping []string            `json:"users_typing,omitempty"`
	PinnedItems []Item              `json:"pinned_items,omitempty"`
}

func NewChannel(m map[string]any) *Channel {
	if m == nil {
		return nil
	}
	c := &Channel{
		ID:          Str(m, "id"),
		Name:        Str(m, "name"),
		Creator:     Str(m, "creator"),
		Created:     Int64(m, "created"),
		User:        Str(m, "user"),
		IsChannel:   Bool(m, "is_channel"),
		IsGroup:     Bool(m, "is_group"),
		IsIM:        Bool(m, "is_im"),
		IsMPIM:      Bool(m, "is_mpim"),
		IsGeneral:   Bool(m, "is_general"),
		IsMember:    Bool(m, "is_member"),
		IsArchived:  Bool(m, "is_archived"),
		IsOpen:      Bool(m, "is_open"),
		LastRead:    Str(m, "last_read"),
		Topic:       Str(Object(m, "topic"), "value"),
		Purpose:     Str(Object(m, "purpose"), "value"),
		UnreadCount: Int(m, "unread_count"),
		Members:     Strings(m, "members"),
		Messages:    map[string]*Message{},
	}
	for _, pin := range Objects(m, "pinned_items") {
		if item := NewItem(pin); item != nil {
			c.PinnedItems = append(c.PinnedItems, *item)
		}
	}
	return c
}

// MessageKeys returns message timestamps in ascending order. Timestamps
// are fixed-width decimal strings, so string order is time order.
func (c *Channel) MessageKeys() []string {
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Messages))
	for ts := range c.Messages {
		keys = append(keys, ts)
	}
	sort.Strings(keys)
	return keys
}

// SortedMessages returns the channel's messages ordered by timestamp.
func (c *Channel) SortedMessages() []*Message {
	keys := c.MessageKeys()
	out := make([]*Message, 0, len(keys))
	for _, ts := range keys {
		out = append(out, c.Messages[ts])
	}
	return out
}

// AddTyping records userID as typing. It reports false when the user
// was already listed.
func (c *Channel) AddTyping(userID string) bool {
	for _, id := range c.UsersTyping {
		if id == userID {
			return false
		}
	}
	c.UsersTyping = append(c.UsersTyping, userID)
	return true
}

func (c *Channel) RemoveTyping(userID string) bool {
	for i, id := range c.UsersTyping {
		if id == userID {
			c.UsersTyping = append(c.UsersTyping[:i], c.UsersTyping[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Channel) RemoveMember(userID string) bool {
	for i, id := range c.Members {
		if id == userID {
			c.Members = append(c.Members[:i], c.Members[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	out := *c
	out.Members = cloneStrings(c.Members)
	out.UsersTyping = cloneStrings(c.UsersTyping)
	if c.PinnedItems != nil {
		out.PinnedItems = make([]Item, len(c.PinnedItems))
		for i := range c.PinnedItems {
			out.PinnedItems[i] = c.PinnedItems[i].Clone()
		}
	}
	out.Messages = make(map[string]*Message, len(c.Messages))
	for ts, msg := range c.Messages {
		out.Messages[ts] = msg.Clone()
	}
	return &out
}
