package rtm

import (
	"github.com/agentworkforce/slackrelay/internal/slack"
)

// State is the in-memory model of one team session. It is mutated only
// by a Reconciler; Client hands out copies.
type State struct {
	Team       *slack.Team
	Self       *slack.User
	Users      map[string]*slack.User
	Channels   map[string]*slack.Channel
	UserGroups map[string]*slack.UserGroup
	Bots       map[string]*slack.Bot
	Files      map[string]*slack.File
	// SentMessages holds placeholders for messages sent over the socket,
	// keyed by the decimal send id until the service echoes a ts.
	SentMessages map[string]*slack.Message
}

func NewState() *State {
	return &State{
		Users:        map[string]*slack.User{},
		Channels:     map[string]*slack.Channel{},
		UserGroups:   map[string]*slack.UserGroup{},
		Bots:         map[string]*slack.Bot{},
		Files:        map[string]*slack.File{},
		SentMessages: map[string]*slack.Message{},
	}
}

// LoadSnapshot builds a State from the session-start payload. Entries
// without an id are skipped.
func LoadSnapshot(snapshot map[string]any) *State {
	st := NewState()
	st.Team = slack.NewTeam(slack.Object(snapshot, "team"))

	if self := slack.NewUser(slack.Object(snapshot, "self")); self != nil && self.ID != "" {
		if dnd := slack.NewDoNotDisturbStatus(slack.Object(snapshot, "dnd")); dnd != nil {
			self.DoNotDisturbStatus = dnd
		}
		if self.Presence == "" {
			self.Presence = slack.Str(slack.Object(snapshot, "self"), "manual_presence")
		}
		st.Self = self
	}

	for _, obj := range slack.Objects(snapshot, "users") {
		if user := slack.NewUser(obj); user != nil && user.ID != "" {
			st.Users[user.ID] = user
		}
	}
	for _, key := range []string{"channels", "groups", "mpims", "ims"} {
		for _, obj := range slack.Objects(snapshot, key) {
			if ch := slack.NewChannel(obj); ch != nil && ch.ID != "" {
				st.Channels[ch.ID] = ch
			}
		}
	}
	for _, obj := range slack.Objects(snapshot, "bots") {
		if bot := slack.NewBot(obj); bot != nil && bot.ID != "" {
			st.Bots[bot.ID] = bot
		}
	}

	subteams := slack.Object(snapshot, "subteams")
	for _, obj := range slack.Objects(subteams, "all") {
		if group := slack.NewUserGroup(obj); group != nil && group.ID != "" {
			st.UserGroups[group.ID] = group
		}
	}
	if st.Self != nil {
		for _, id := range slack.Strings(subteams, "self") {
			if st.Self.UserGroups == nil {
				st.Self.UserGroups = map[string]bool{}
			}
			st.Self.UserGroups[id] = true
		}
	}
	return st
}

// channel returns the live channel entry for id, or nil.
func (s *State) channel(id string) *slack.Channel {
	if id == "" {
		return nil
	}
	return s.Channels[id]
}

func (s *State) selfID() string {
	if s.Self == nil {
		return ""
	}
	return s.Self.ID
}
