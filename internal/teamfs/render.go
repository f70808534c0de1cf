package teamfs

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/agentworkforce/slackrelay/internal/slack"
)

// StateSource is the read side of a team session. *rtm.Client
// satisfies it; every accessor returns a copy.
type StateSource interface {
	Team() *slack.Team
	Self() *slack.User
	User(id string) *slack.User
	Users() []*slack.User
	Channel(id string) *slack.Channel
	Channels() []*slack.Channel
}

const jsonSuffix = ".json"

func renderJSON(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func renderTeam(src StateSource) ([]byte, bool, error) {
	team := src.Team()
	if team == nil {
		return nil, false, nil
	}
	data, err := renderJSON(team)
	return data, true, err
}

func renderSelf(src StateSource) ([]byte, bool, error) {
	self := src.Self()
	if self == nil {
		return nil, false, nil
	}
	data, err := renderJSON(self)
	return data, true, err
}

func renderUser(src StateSource, id string) ([]byte, bool, error) {
	user := src.User(id)
	if user == nil {
		return nil, false, nil
	}
	data, err := renderJSON(user)
	return data, true, err
}

// channelInfo is info.json: the channel without its message history.
type channelInfo struct {
	*slack.Channel
	MessageCount int `json:"message_count"`
}

func renderChannelInfo(src StateSource, id string) ([]byte, bool, error) {
	ch := src.Channel(id)
	if ch == nil {
		return nil, false, nil
	}
	data, err := renderJSON(channelInfo{Channel: ch, MessageCount: len(ch.Messages)})
	return data, true, err
}

// renderChannelMessages lists the channel's messages oldest first.
func renderChannelMessages(src StateSource, id string) ([]byte, bool, error) {
	ch := src.Channel(id)
	if ch == nil {
		return nil, false, nil
	}
	messages := ch.SortedMessages()
	if messages == nil {
		messages = []*slack.Message{}
	}
	data, err := renderJSON(messages)
	return data, true, err
}

func userFileNames(src StateSource) []string {
	users := src.Users()
	names := make([]string, 0, len(users))
	for _, user := range users {
		if validName(user.ID) {
			names = append(names, user.ID+jsonSuffix)
		}
	}
	sort.Strings(names)
	return names
}

func channelDirNames(src StateSource) []string {
	channels := src.Channels()
	names := make([]string, 0, len(channels))
	for _, ch := range channels {
		if validName(ch.ID) {
			names = append(names, ch.ID)
		}
	}
	sort.Strings(names)
	return names
}

// userIDFromFileName maps "U123.json" back to "U123".
func userIDFromFileName(name string) (string, bool) {
	id, ok := strings.CutSuffix(name, jsonSuffix)
	if !ok || !validName(id) {
		return "", false
	}
	return id, true
}

// validName rejects ids that cannot be a single path component.
func validName(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, "/\x00")
}
