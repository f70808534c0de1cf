package rtm

import (
	"encoding/json"
	"fmt"

	"github.com/agentworkforce/slackrelay/internal/slack"
)

type EventType string

const (
	EventHello                 EventType = "hello"
	EventOK                    EventType = "ok"
	EventMessage               EventType = "message"
	EventUserTyping            EventType = "user_typing"
	EventChannelMarked         EventType = "channel_marked"
	EventChannelCreated        EventType = "channel_created"
	EventChannelJoined         EventType = "channel_joined"
	EventChannelLeft           EventType = "channel_left"
	EventChannelDeleted        EventType = "channel_deleted"
	EventChannelRename         EventType = "channel_rename"
	EventChannelArchive        EventType = "channel_archive"
	EventChannelUnarchive      EventType = "channel_unarchive"
	EventChannelHistoryChanged EventType = "channel_history_changed"
	EventDNDUpdated            EventType = "dnd_updated"
	EventDNDUpdatedUser        EventType = "dnd_updated_user"
	EventIMCreated             EventType = "im_created"
	EventIMOpen                EventType = "im_open"
	EventIMClose               EventType = "im_close"
	EventIMMarked              EventType = "im_marked"
	EventIMHistoryChanged      EventType = "im_history_changed"
	EventGroupJoined           EventType = "group_joined"
	EventGroupLeft             EventType = "group_left"
	EventGroupOpen             EventType = "group_open"
	EventGroupClose            EventType = "group_close"
	EventGroupArchive          EventType = "group_archive"
	EventGroupUnarchive        EventType = "group_unarchive"
	EventGroupRename           EventType = "group_rename"
	EventGroupMarked           EventType = "group_marked"
	EventGroupHistoryChanged   EventType = "group_history_changed"
	EventFileCreated           EventType = "file_created"
	EventFileShared            EventType = "file_shared"
	EventFileUnshared          EventType = "file_unshared"
	EventFilePublic            EventType = "file_public"
	EventFilePrivate           EventType = "file_private"
	EventFileChange            EventType = "file_change"
	EventFileDeleted           EventType = "file_deleted"
	EventFileCommentAdded      EventType = "file_comment_added"
	EventFileCommentEdited     EventType = "file_comment_edited"
	EventFileCommentDeleted    EventType = "file_comment_deleted"
	EventPinAdded              EventType = "pin_added"
	EventPinRemoved            EventType = "pin_removed"
	EventPong                  EventType = "pong"
	EventPresenceChange        EventType = "presence_change"
	EventManualPresenceChange  EventType = "manual_presence_change"
	EventPrefChange            EventType = "pref_change"
	EventUserChange            EventType = "user_change"
	EventTeamJoin              EventType = "team_join"
	EventStarAdded             EventType = "star_added"
	EventStarRemoved           EventType = "star_removed"
	EventReactionAdded         EventType = "reaction_added"
	EventReactionRemoved       EventType = "reaction_removed"
	EventEmojiChanged          EventType = "emoji_changed"
	EventCommandsChanged       EventType = "commands_changed"
	EventTeamPlanChange        EventType = "team_plan_change"
	EventTeamPrefChange        EventType = "team_pref_change"
	EventTeamRename            EventType = "team_rename"
	EventTeamDomainChange      EventType = "team_domain_change"
	EventEmailDomainChanged    EventType = "email_domain_changed"
	EventTeamProfileChange     EventType = "team_profile_change"
	EventTeamProfileDelete     EventType = "team_profile_delete"
	EventTeamProfileReorder    EventType = "team_profile_reorder"
	EventBotAdded              EventType = "bot_added"
	EventBotChanged            EventType = "bot_changed"
	EventAccountsChanged       EventType = "accounts_changed"
	EventTeamMigrationStarted  EventType = "team_migration_started"
	EventReconnectURL          EventType = "reconnect_url"
	EventSubteamCreated        EventType = "subteam_created"
	EventSubteamUpdated        EventType = "subteam_updated"
	EventSubteamSelfAdded      EventType = "subteam_self_added"
	EventSubteamSelfRemoved    EventType = "subteam_self_removed"
	EventError                 EventType = "error"
	EventGoodbye               EventType = "goodbye"
	EventUnknown               EventType = "unknown"
)

var eventTypes = map[EventType]struct{}{}

func init() {
	for _, t := range []EventType{
		EventHello, EventOK, EventMessage, EventUserTyping,
		EventChannelMarked, EventChannelCreated, EventChannelJoined, EventChannelLeft,
		EventChannelDeleted, EventChannelRename, EventChannelArchive, EventChannelUnarchive,
		EventChannelHistoryChanged, EventDNDUpdated, EventDNDUpdatedUser,
		EventIMCreated, EventIMOpen, EventIMClose, EventIMMarked, EventIMHistoryChanged,
		EventGroupJoined, EventGroupLeft, EventGroupOpen, EventGroupClose, EventGroupArchive,
		EventGroupUnarchive, EventGroupRename, EventGroupMarked, EventGroupHistoryChanged,
		EventFileCreated, EventFileShared, EventFileUnshared, EventFilePublic, EventFilePrivate,
		EventFileChange, EventFileDeleted, EventFileCommentAdded, EventFileCommentEdited,
		EventFileCommentDeleted, EventPinAdded, EventPinRemoved, EventPong,
		EventPresenceChange, EventManualPresenceChange, EventPrefChange, EventUserChange,
		EventTeamJoin, EventStarAdded, EventStarRemoved, EventReactionAdded, EventReactionRemoved,
		EventEmojiChanged, EventCommandsChanged, EventTeamPlanChange, EventTeamPrefChange,
		EventTeamRename, EventTeamDomainChange, EventEmailDomainChanged,
		EventTeamProfileChange, EventTeamProfileDelete, EventTeamProfileReorder,
		EventBotAdded, EventBotChanged, EventAccountsChanged, EventTeamMigrationStarted,
		EventReconnectURL, EventSubteamCreated, EventSubteamUpdated, EventSubteamSelfAdded,
		EventSubteamSelfRemoved, EventError, EventGoodbye,
	} {
		eventTypes[t] = struct{}{}
	}
}

// ClassifyType maps a wire type string onto EventType. Unmapped strings
// classify as EventUnknown.
func ClassifyType(raw string) EventType {
	if _, ok := eventTypes[EventType(raw)]; ok {
		return EventType(raw)
	}
	return EventUnknown
}

type MessageSubtype string

const (
	SubtypeDefault        MessageSubtype = ""
	SubtypeMessageChanged MessageSubtype = "message_changed"
	SubtypeMessageDeleted MessageSubtype = "message_deleted"
)

func classifySubtype(raw string) MessageSubtype {
	switch MessageSubtype(raw) {
	case SubtypeMessageChanged, SubtypeMessageDeleted:
		return MessageSubtype(raw)
	}
	return SubtypeDefault
}

// ServerError is the payload of an "error" event.
type ServerError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

// Event is one decoded notification. Every member is optional; handlers
// check for the fields they need and drop the event otherwise.
type Event struct {
	Type       EventType
	RawType    string
	Subtype    MessageSubtype
	RawSubtype string

	Channel   *slack.Channel
	ChannelID string
	User      *slack.User
	// Users is set by batched presence_change events.
	Users    []string
	ItemUser string

	// Message is the frame itself read as a message. NestedMessage is
	// the "message" member carried by message_changed.
	Message         *slack.Message
	NestedMessage   *slack.Message
	PreviousMessage *slack.Message

	File      *slack.File
	Comment   *slack.Comment
	Item      *slack.Item
	Bot       *slack.Bot
	Subteam   *slack.UserGroup
	SubteamID string
	Profile   *slack.CustomProfile
	DNDStatus *slack.DoNotDisturbStatus

	Reaction    string
	TS          string
	EventTS     string
	ReplyTo     *int64
	OK          bool
	Text        string
	Name        string
	Value       any
	Presence    string
	Plan        string
	Domain      string
	EmailDomain string
	URL         string
	Error       *ServerError

	Raw map[string]any
}

// DecodeError reports a frame that is not a JSON object.
type DecodeError struct {
	Frame string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode rtm frame: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

const maxFrameInError = 256

// ParseEvent decodes one socket frame. It fails only when the frame is
// not a JSON object; anything else yields an Event, possibly Unknown.
func ParseEvent(frame []byte) (Event, error) {
	var payload map[string]any
	if err := json.Unmarshal(frame, &payload); err != nil {
		return Event{}, &DecodeError{Frame: truncate(string(frame), maxFrameInError), Err: err}
	}
	if payload == nil {
		return Event{}, &DecodeError{Frame: truncate(string(frame), maxFrameInError), Err: fmt.Errorf("frame is not an object")}
	}
	return DecodeEvent(payload), nil
}

// DecodeEvent reads an already-parsed payload. It never fails.
func DecodeEvent(m map[string]any) Event {
	rawType := slack.Str(m, "type")
	ev := Event{
		RawType:     rawType,
		RawSubtype:  slack.Str(m, "subtype"),
		Reaction:    slack.Str(m, "reaction"),
		TS:          slack.Str(m, "ts"),
		EventTS:     slack.Str(m, "event_ts"),
		ItemUser:    slack.Str(m, "item_user"),
		OK:          slack.Bool(m, "ok"),
		Text:        slack.Str(m, "text"),
		Name:        slack.Str(m, "name"),
		Value:       m["value"],
		Presence:    slack.Str(m, "presence"),
		Plan:        slack.Str(m, "plan"),
		Domain:      slack.Str(m, "domain"),
		EmailDomain: slack.Str(m, "email_domain"),
		URL:         slack.Str(m, "url"),
		SubteamID:   slack.Str(m, "subteam_id"),
		Users:       slack.Strings(m, "users"),
		Raw:         m,
	}
	if replyTo, ok := slack.OptInt64(m, "reply_to"); ok {
		ev.ReplyTo = &replyTo
	}

	switch {
	case rawType == "" && ev.ReplyTo != nil:
		// Acks for sent messages carry no type, only ok and reply_to.
		ev.Type = EventOK
	default:
		ev.Type = ClassifyType(rawType)
	}
	if ev.Type == EventMessage {
		ev.Subtype = classifySubtype(ev.RawSubtype)
	}

	ev.Channel, ev.ChannelID = decodeChannel(m)
	ev.User = decodeUser(m)
	ev.File = decodeFile(m)
	ev.Comment = decodeComment(m)
	ev.Item = slack.NewItem(slack.Object(m, "item"))
	ev.Bot = slack.NewBot(slack.Object(m, "bot"))
	ev.Subteam = slack.NewUserGroup(slack.Object(m, "subteam"))
	ev.Profile = slack.NewCustomProfile(slack.Object(m, "profile"))
	ev.DNDStatus = slack.NewDoNotDisturbStatus(slack.Object(m, "dnd_status"))
	ev.NestedMessage = slack.NewMessage(slack.Object(m, "message"))
	ev.PreviousMessage = slack.NewMessage(slack.Object(m, "previous_message"))
	if ev.Type == EventMessage {
		ev.Message = slack.NewMessage(m)
	}
	if obj := slack.Object(m, "error"); obj != nil {
		ev.Error = &ServerError{Code: slack.Int(obj, "code"), Message: slack.Str(obj, "msg")}
	}
	if ev.NestedMessage != nil && ev.NestedMessage.Channel == "" {
		ev.NestedMessage.Channel = ev.ChannelID
	}
	if ev.Message != nil && ev.Message.Channel == "" {
		ev.Message.Channel = ev.ChannelID
	}
	return ev
}

// decodeChannel accepts "channel" as a full object or a bare id, with
// "channel_id" as a fallback used by pin events. Only an object yields a
// *slack.Channel; a bare id never stands in for the entity.
func decodeChannel(m map[string]any) (*slack.Channel, string) {
	if obj := slack.Object(m, "channel"); obj != nil {
		ch := slack.NewChannel(obj)
		return ch, ch.ID
	}
	id := slack.Str(m, "channel")
	if id == "" {
		id = slack.Str(m, "channel_id")
	}
	return nil, id
}

func decodeUser(m map[string]any) *slack.User {
	if obj := slack.Object(m, "user"); obj != nil {
		return slack.NewUser(obj)
	}
	if id := slack.Str(m, "user"); id != "" {
		return &slack.User{ID: id}
	}
	return nil
}

func decodeFile(m map[string]any) *slack.File {
	if obj := slack.Object(m, "file"); obj != nil {
		return slack.NewFile(obj)
	}
	id := slack.Str(m, "file")
	if id == "" {
		id = slack.Str(m, "file_id")
	}
	if id == "" {
		return nil
	}
	return &slack.File{ID: id, Comments: map[string]*slack.Comment{}}
}

func decodeComment(m map[string]any) *slack.Comment {
	if obj := slack.Object(m, "comment"); obj != nil {
		return slack.NewComment(obj)
	}
	if id := slack.Str(m, "comment"); id != "" {
		return &slack.Comment{ID: id}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
