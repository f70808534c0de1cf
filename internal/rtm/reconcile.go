package rtm

import (
	"strconv"
	"time"

	"github.com/agentworkforce/slackrelay/internal/slack"
)

const DefaultTypingTimeout = 5 * time.Second

// Scheduler runs fn on the serialized mutation path once d has elapsed.
type Scheduler interface {
	Schedule(d time.Duration, fn func(r *Reconciler) Notice)
}

// Reconciler applies events to a State. It is not safe for concurrent
// use; Client drives it from a single goroutine.
type Reconciler struct {
	state         *State
	timers        Scheduler
	typingTimeout time.Duration
}

func NewReconciler(state *State, timers Scheduler, typingTimeout time.Duration) *Reconciler {
	if state == nil {
		state = NewState()
	}
	if typingTimeout <= 0 {
		typingTimeout = DefaultTypingTimeout
	}
	return &Reconciler{state: state, timers: timers, typingTimeout: typingTimeout}
}

func (r *Reconciler) State() *State {
	return r.state
}

type handler func(r *Reconciler, ev Event) Notice

var handlers map[EventType]handler

// ignored events leave state untouched and are not counted as drops.
var ignored = map[EventType]struct{}{
	EventPong:                 {},
	EventError:                {},
	EventGoodbye:              {},
	EventUnknown:              {},
	EventReconnectURL:         {},
	EventAccountsChanged:      {},
	EventTeamMigrationStarted: {},
	EventCommandsChanged:      {},
}

func init() {
	handlers = map[EventType]handler{
		EventHello:   (*Reconciler).hello,
		EventOK:      (*Reconciler).messageSent,
		EventMessage: (*Reconciler).message,

		EventUserTyping:            (*Reconciler).userTyping,
		EventChannelMarked:         (*Reconciler).channelMarked,
		EventIMMarked:              (*Reconciler).channelMarked,
		EventGroupMarked:           (*Reconciler).channelMarked,
		EventChannelCreated:        (*Reconciler).channelCreated,
		EventIMCreated:             (*Reconciler).channelCreated,
		EventChannelJoined:         (*Reconciler).channelJoined,
		EventGroupJoined:           (*Reconciler).channelJoined,
		EventChannelLeft:           (*Reconciler).channelLeft,
		EventGroupLeft:             (*Reconciler).channelLeft,
		EventChannelDeleted:        (*Reconciler).channelDeleted,
		EventChannelRename:         (*Reconciler).channelRenamed,
		EventGroupRename:           (*Reconciler).channelRenamed,
		EventChannelArchive:        archiveHandler(true),
		EventGroupArchive:          archiveHandler(true),
		EventChannelUnarchive:      archiveHandler(false),
		EventGroupUnarchive:        archiveHandler(false),
		EventChannelHistoryChanged: (*Reconciler).historyChanged,
		EventIMHistoryChanged:      (*Reconciler).historyChanged,
		EventGroupHistoryChanged:   (*Reconciler).historyChanged,
		EventIMOpen:                openHandler(true),
		EventGroupOpen:             openHandler(true),
		EventIMClose:               openHandler(false),
		EventGroupClose:            openHandler(false),

		EventDNDUpdated:     (*Reconciler).dndUpdated,
		EventDNDUpdatedUser: (*Reconciler).dndUpdatedUser,

		EventFileCreated:        (*Reconciler).fileProcessed,
		EventFileShared:         (*Reconciler).fileProcessed,
		EventFileUnshared:       (*Reconciler).fileProcessed,
		EventFilePublic:         (*Reconciler).fileProcessed,
		EventFileChange:         (*Reconciler).fileProcessed,
		EventFilePrivate:        (*Reconciler).filePrivate,
		EventFileDeleted:        (*Reconciler).fileDeleted,
		EventFileCommentAdded:   (*Reconciler).fileCommentAdded,
		EventFileCommentEdited:  (*Reconciler).fileCommentEdited,
		EventFileCommentDeleted: (*Reconciler).fileCommentDeleted,

		EventPinAdded:        (*Reconciler).pinAdded,
		EventPinRemoved:      (*Reconciler).pinRemoved,
		EventStarAdded:       starHandler(true),
		EventStarRemoved:     starHandler(false),
		EventReactionAdded:   reactionHandler(true),
		EventReactionRemoved: reactionHandler(false),

		EventPresenceChange:       (*Reconciler).presenceChange,
		EventManualPresenceChange: (*Reconciler).manualPresenceChange,
		EventPrefChange:           (*Reconciler).prefChange,
		EventUserChange:           (*Reconciler).userChange,
		EventTeamJoin:             (*Reconciler).teamJoin,

		EventTeamPlanChange:     (*Reconciler).teamPlanChange,
		EventTeamPrefChange:     (*Reconciler).teamPrefChange,
		EventTeamRename:         (*Reconciler).teamRename,
		EventTeamDomainChange:   (*Reconciler).teamDomainChange,
		EventEmailDomainChanged: (*Reconciler).emailDomainChange,
		EventEmojiChanged:       (*Reconciler).emojiChanged,

		EventTeamProfileChange:  (*Reconciler).teamProfileChange,
		EventTeamProfileDelete:  (*Reconciler).teamProfileDelete,
		EventTeamProfileReorder: (*Reconciler).teamProfileReorder,

		EventBotAdded:   (*Reconciler).botEvent,
		EventBotChanged: (*Reconciler).botEvent,

		EventSubteamCreated:     (*Reconciler).subteamEvent,
		EventSubteamUpdated:     (*Reconciler).subteamEvent,
		EventSubteamSelfAdded:   subteamSelfHandler(true),
		EventSubteamSelfRemoved: subteamSelfHandler(false),
	}
}

// Apply reconciles one event. A nil Notice means nothing changed and no
// listener should be told.
func (r *Reconciler) Apply(ev Event) Notice {
	h, ok := handlers[ev.Type]
	if !ok {
		return nil
	}
	return h(r, ev)
}

// Dropped reports whether a nil Notice from Apply means the event was
// discarded for missing data, as opposed to an event that never
// changes state.
func Dropped(ev Event, n Notice) bool {
	if n != nil {
		return false
	}
	_, skip := ignored[ev.Type]
	return !skip
}

func (r *Reconciler) hello(Event) Notice {
	return notify((*Observers).connectionListener, func(l ConnectionListener, c *Client) {
		l.Connected(c)
	})
}

// Messages

func (r *Reconciler) messageSent(ev Event) Notice {
	if ev.ReplyTo == nil {
		return nil
	}
	key := strconv.FormatInt(*ev.ReplyTo, 10)
	pending, ok := r.state.SentMessages[key]
	if !ok {
		return nil
	}
	delete(r.state.SentMessages, key)
	if !ev.OK || ev.TS == "" {
		return nil
	}
	pending.TS = ev.TS
	if ev.Text != "" {
		pending.Text = ev.Text
	}
	if ch := r.state.channel(pending.Channel); ch != nil {
		ch.Messages[pending.TS] = pending
	}
	msg := pending.Clone()
	return notify((*Observers).messageListener, func(l MessageListener, c *Client) {
		l.Sent(msg, c)
	})
}

func (r *Reconciler) message(ev Event) Notice {
	switch ev.Subtype {
	case SubtypeMessageChanged:
		return r.messageChanged(ev)
	case SubtypeMessageDeleted:
		return r.messageDeleted(ev)
	}
	if ev.Message == nil || ev.Message.TS == "" || ev.ChannelID == "" {
		return nil
	}
	if ch := r.state.channel(ev.ChannelID); ch != nil {
		ch.Messages[ev.Message.TS] = ev.Message
		if ev.Message.User != "" {
			ch.RemoveTyping(ev.Message.User)
		}
	}
	msg := ev.Message.Clone()
	return notify((*Observers).messageListener, func(l MessageListener, c *Client) {
		l.Received(msg, c)
	})
}

func (r *Reconciler) messageChanged(ev Event) Notice {
	nested := ev.NestedMessage
	if nested == nil || nested.TS == "" || ev.ChannelID == "" {
		return nil
	}
	if ch := r.state.channel(ev.ChannelID); ch != nil {
		ch.Messages[nested.TS] = nested
	}
	msg := nested.Clone()
	return notify((*Observers).messageListener, func(l MessageListener, c *Client) {
		l.Changed(msg, c)
	})
}

func (r *Reconciler) messageDeleted(ev Event) Notice {
	if ev.Message == nil || ev.Message.DeletedTS == "" || ev.ChannelID == "" {
		return nil
	}
	ch := r.state.channel(ev.ChannelID)
	if ch == nil {
		return nil
	}
	removed, ok := ch.Messages[ev.Message.DeletedTS]
	if !ok {
		return nil
	}
	delete(ch.Messages, ev.Message.DeletedTS)
	return notify((*Observers).messageListener, func(l MessageListener, c *Client) {
		l.Deleted(removed, c)
	})
}

// Channels

func (r *Reconciler) userTyping(ev Event) Notice {
	if ev.User == nil || ev.User.ID == "" {
		return nil
	}
	ch := r.state.channel(ev.ChannelID)
	if ch == nil {
		return nil
	}
	userID, channelID := ev.User.ID, ch.ID
	if ch.AddTyping(userID) && r.timers != nil {
		r.timers.Schedule(r.typingTimeout, func(r *Reconciler) Notice {
			if ch := r.state.channel(channelID); ch != nil {
				ch.RemoveTyping(userID)
			}
			return nil
		})
	}
	snapshot := ch.Clone()
	user := r.userOrStub(userID)
	return notify((*Observers).channelListener, func(l ChannelListener, c *Client) {
		l.UserTyping(snapshot, user, c)
	})
}

func (r *Reconciler) channelMarked(ev Event) Notice {
	ch := r.state.channel(ev.ChannelID)
	if ch == nil || ev.TS == "" {
		return nil
	}
	ch.LastRead = ev.TS
	snapshot, ts := ch.Clone(), ev.TS
	return notify((*Observers).channelListener, func(l ChannelListener, c *Client) {
		l.Marked(snapshot, ts, c)
	})
}

func (r *Reconciler) channelCreated(ev Event) Notice {
	if ev.Channel == nil || ev.Channel.ID == "" {
		return nil
	}
	r.state.Channels[ev.Channel.ID] = ev.Channel
	snapshot := ev.Channel.Clone()
	return notify((*Observers).channelListener, func(l ChannelListener, c *Client) {
		l.Created(snapshot, c)
	})
}

func (r *Reconciler) channelJoined(ev Event) Notice {
	if ev.Channel == nil || ev.Channel.ID == "" {
		return nil
	}
	r.state.Channels[ev.Channel.ID] = ev.Channel
	snapshot := ev.Channel.Clone()
	return notify((*Observers).channelListener, func(l ChannelListener, c *Client) {
		l.Joined(snapshot, c)
	})
}

func (r *Reconciler) channelLeft(ev Event) Notice {
	ch := r.state.channel(ev.ChannelID)
	selfID := r.state.selfID()
	if ch == nil || selfID == "" {
		return nil
	}
	ch.RemoveMember(selfID)
	snapshot := ch.Clone()
	return notify((*Observers).channelListener, func(l ChannelListener, c *Client) {
		l.Left(snapshot, c)
	})
}

func (r *Reconciler) channelDeleted(ev Event) Notice {
	ch := r.state.channel(ev.ChannelID)
	if ch == nil {
		return nil
	}
	delete(r.state.Channels, ch.ID)
	return notify((*Observers).channelListener, func(l ChannelListener, c *Client) {
		l.Deleted(ch, c)
	})
}

func (r *Reconciler) channelRenamed(ev Event) Notice {
	if ev.Channel == nil || ev.Channel.Name == "" {
		return nil
	}
	ch := r.state.channel(ev.ChannelID)
	if ch == nil {
		return nil
	}
	ch.Name = ev.Channel.Name
	snapshot := ch.Clone()
	return notify((*Observers).channelListener, func(l ChannelListener, c *Client) {
		l.Renamed(snapshot, c)
	})
}

func archiveHandler(archived bool) handler {
	return func(r *Reconciler, ev Event) Notice {
		ch := r.state.channel(ev.ChannelID)
		if ch == nil {
			return nil
		}
		ch.IsArchived = archived
		snapshot := ch.Clone()
		return notify((*Observers).channelListener, func(l ChannelListener, c *Client) {
			l.Archived(snapshot, archived, c)
		})
	}
}

func (r *Reconciler) historyChanged(ev Event) Notice {
	ch := r.state.channel(ev.ChannelID)
	if ch == nil {
		return nil
	}
	snapshot := ch.Clone()
	return notify((*Observers).channelListener, func(l ChannelListener, c *Client) {
		l.HistoryChanged(snapshot, c)
	})
}

func openHandler(open bool) handler {
	return func(r *Reconciler, ev Event) Notice {
		ch := r.state.channel(ev.ChannelID)
		if ch == nil {
			return nil
		}
		ch.IsOpen = open
		snapshot := ch.Clone()
		return notify((*Observers).groupListener, func(l GroupListener, c *Client) {
			l.Opened(snapshot, open, c)
		})
	}
}

// Do not disturb

func (r *Reconciler) dndUpdated(ev Event) Notice {
	if ev.DNDStatus == nil || r.state.Self == nil {
		return nil
	}
	r.state.Self.DoNotDisturbStatus = ev.DNDStatus
	status := ev.DNDStatus.Clone()
	return notify((*Observers).dndListener, func(l DoNotDisturbListener, c *Client) {
		l.Updated(status, c)
	})
}

func (r *Reconciler) dndUpdatedUser(ev Event) Notice {
	if ev.DNDStatus == nil || ev.User == nil {
		return nil
	}
	user, ok := r.state.Users[ev.User.ID]
	if !ok {
		return nil
	}
	user.DoNotDisturbStatus = ev.DNDStatus
	status, snapshot := ev.DNDStatus.Clone(), user.Clone()
	return notify((*Observers).dndListener, func(l DoNotDisturbListener, c *Client) {
		l.UserUpdated(status, snapshot, c)
	})
}

// Files

func (r *Reconciler) fileProcessed(ev Event) Notice {
	file := ev.File
	if file == nil || file.ID == "" {
		return nil
	}
	if existing, ok := r.state.Files[file.ID]; ok {
		comments := existing.Comments
		if comments == nil {
			comments = map[string]*slack.Comment{}
		}
		for id, comment := range file.Comments {
			comments[id] = comment
		}
		file.Comments = comments
	}
	if initial := file.InitialComment; initial != nil {
		if _, ok := file.Comments[initial.ID]; !ok {
			file.Comments[initial.ID] = initial
		}
	}
	r.state.Files[file.ID] = file
	snapshot := file.Clone()
	return notify((*Observers).fileListener, func(l FileListener, c *Client) {
		l.Processed(snapshot, c)
	})
}

func (r *Reconciler) filePrivate(ev Event) Notice {
	file := r.lookupFile(ev)
	if file == nil {
		return nil
	}
	file.IsPublic = false
	snapshot := file.Clone()
	return notify((*Observers).fileListener, func(l FileListener, c *Client) {
		l.MadePrivate(snapshot, c)
	})
}

func (r *Reconciler) fileDeleted(ev Event) Notice {
	file := r.lookupFile(ev)
	if file == nil {
		return nil
	}
	delete(r.state.Files, file.ID)
	return notify((*Observers).fileListener, func(l FileListener, c *Client) {
		l.Deleted(file, c)
	})
}

func (r *Reconciler) fileCommentAdded(ev Event) Notice {
	file := r.lookupFile(ev)
	if file == nil || ev.Comment == nil || ev.Comment.ID == "" {
		return nil
	}
	if file.Comments == nil {
		file.Comments = map[string]*slack.Comment{}
	}
	file.Comments[ev.Comment.ID] = ev.Comment
	snapshot, comment := file.Clone(), ev.Comment.Clone()
	return notify((*Observers).fileListener, func(l FileListener, c *Client) {
		l.CommentAdded(snapshot, comment, c)
	})
}

func (r *Reconciler) fileCommentEdited(ev Event) Notice {
	file := r.lookupFile(ev)
	if file == nil || ev.Comment == nil {
		return nil
	}
	existing, ok := file.Comments[ev.Comment.ID]
	if !ok {
		return nil
	}
	existing.Body = ev.Comment.Body
	snapshot, comment := file.Clone(), existing.Clone()
	return notify((*Observers).fileListener, func(l FileListener, c *Client) {
		l.CommentEdited(snapshot, comment, c)
	})
}

func (r *Reconciler) fileCommentDeleted(ev Event) Notice {
	file := r.lookupFile(ev)
	if file == nil || ev.Comment == nil {
		return nil
	}
	existing, ok := file.Comments[ev.Comment.ID]
	if !ok {
		return nil
	}
	delete(file.Comments, ev.Comment.ID)
	snapshot := file.Clone()
	return notify((*Observers).fileListener, func(l FileListener, c *Client) {
		l.CommentDeleted(snapshot, existing, c)
	})
}

func (r *Reconciler) lookupFile(ev Event) *slack.File {
	if ev.File == nil || ev.File.ID == "" {
		return nil
	}
	return r.state.Files[ev.File.ID]
}

// Pins

func (r *Reconciler) pinAdded(ev Event) Notice {
	ch := r.state.channel(ev.ChannelID)
	if ch == nil || ev.Item == nil {
		return nil
	}
	ch.PinnedItems = append(ch.PinnedItems, *ev.Item)
	item, snapshot := ev.Item.Clone(), ch.Clone()
	return notify((*Observers).pinListener, func(l PinListener, c *Client) {
		l.Pinned(item, snapshot, c)
	})
}

func (r *Reconciler) pinRemoved(ev Event) Notice {
	ch := r.state.channel(ev.ChannelID)
	if ch == nil || ev.Item == nil {
		return nil
	}
	kept := ch.PinnedItems[:0]
	for _, pinned := range ch.PinnedItems {
		if !pinned.Equal(*ev.Item) {
			kept = append(kept, pinned)
		}
	}
	ch.PinnedItems = kept
	item, snapshot := ev.Item.Clone(), ch.Clone()
	return notify((*Observers).pinListener, func(l PinListener, c *Client) {
		l.Unpinned(item, snapshot, c)
	})
}

// Stars

func starHandler(starred bool) handler {
	return func(r *Reconciler, ev Event) Notice {
		if ev.Item == nil {
			return nil
		}
		item := *ev.Item
		switch item.Type {
		case slack.ItemMessage:
			ch := r.state.channel(item.MessageChannel())
			if ch == nil {
				return nil
			}
			msg, ok := ch.Messages[item.MessageTS()]
			if !ok {
				return nil
			}
			msg.IsStarred = starred
		case slack.ItemFile:
			file, ok := r.state.Files[item.FileID()]
			if !ok {
				return nil
			}
			file.IsStarred = starred
			if starred {
				file.Stars++
			} else if file.Stars > 0 {
				file.Stars--
			}
		case slack.ItemFileComment:
			if item.Comment == nil || item.Comment.ID == "" {
				return nil
			}
			file, ok := r.state.Files[item.FileID()]
			if !ok {
				return nil
			}
			if file.Comments == nil {
				file.Comments = map[string]*slack.Comment{}
			}
			file.Comments[item.Comment.ID] = item.Comment
		default:
			return nil
		}
		snapshot := item.Clone()
		return notify((*Observers).starListener, func(l StarListener, c *Client) {
			l.Starred(snapshot, starred, c)
		})
	}
}

// Reactions

func reactionHandler(added bool) handler {
	return func(r *Reconciler, ev Event) Notice {
		if ev.Item == nil || ev.Reaction == "" || ev.User == nil || ev.User.ID == "" {
			return nil
		}
		reaction := slack.Reaction{Name: ev.Reaction, User: ev.User.ID}
		apply := func(list []slack.Reaction) []slack.Reaction {
			if added {
				list, _ = slack.AddReaction(list, reaction)
				return list
			}
			list, _ = slack.RemoveReaction(list, reaction)
			return list
		}

		item := *ev.Item
		switch item.Type {
		case slack.ItemMessage:
			ch := r.state.channel(item.MessageChannel())
			if ch == nil {
				return nil
			}
			msg, ok := ch.Messages[item.MessageTS()]
			if !ok {
				return nil
			}
			msg.Reactions = apply(msg.Reactions)
		case slack.ItemFile:
			file, ok := r.state.Files[item.FileID()]
			if !ok {
				return nil
			}
			file.Reactions = apply(file.Reactions)
		case slack.ItemFileComment:
			file, ok := r.state.Files[item.FileID()]
			if !ok {
				return nil
			}
			comment, ok := file.Comments[item.FileCommentID]
			if !ok {
				return nil
			}
			comment.Reactions = apply(comment.Reactions)
		default:
			return nil
		}
		snapshot, name, itemUser := item.Clone(), ev.Reaction, ev.ItemUser
		return notify((*Observers).reactionListener, func(l ReactionListener, c *Client) {
			if added {
				l.Added(name, snapshot, itemUser, c)
				return
			}
			l.Removed(name, snapshot, itemUser, c)
		})
	}
}

// Users and preferences

func (r *Reconciler) presenceChange(ev Event) Notice {
	if ev.Presence == "" {
		return nil
	}
	ids := ev.Users
	if ev.User != nil && ev.User.ID != "" {
		ids = append([]string{ev.User.ID}, ids...)
	}
	var changed []*slack.User
	for _, id := range ids {
		user, ok := r.state.Users[id]
		if !ok {
			continue
		}
		user.Presence = ev.Presence
		changed = append(changed, user.Clone())
	}
	if len(changed) == 0 {
		return nil
	}
	presence := ev.Presence
	return notify((*Observers).eventsListener, func(l SlackEventsListener, c *Client) {
		for _, user := range changed {
			l.PresenceChanged(user, presence, c)
		}
	})
}

func (r *Reconciler) manualPresenceChange(ev Event) Notice {
	if ev.Presence == "" || r.state.Self == nil {
		return nil
	}
	r.state.Self.Presence = ev.Presence
	self, presence := r.state.Self.Clone(), ev.Presence
	return notify((*Observers).eventsListener, func(l SlackEventsListener, c *Client) {
		l.ManualPresenceChanged(self, presence, c)
	})
}

func (r *Reconciler) prefChange(ev Event) Notice {
	if ev.Name == "" || r.state.Self == nil {
		return nil
	}
	if r.state.Self.Preferences == nil {
		r.state.Self.Preferences = map[string]any{}
	}
	r.state.Self.Preferences[ev.Name] = ev.Value
	name, value := ev.Name, ev.Value
	return notify((*Observers).eventsListener, func(l SlackEventsListener, c *Client) {
		l.PreferenceChanged(name, value, c)
	})
}

// userChange replaces the user record. Preferences are merged: locally
// known keys survive and keys carried by the payload win.
func (r *Reconciler) userChange(ev Event) Notice {
	user := ev.User
	if user == nil || user.ID == "" {
		return nil
	}
	if existing, ok := r.state.Users[user.ID]; ok {
		user.Preferences = mergePreferences(existing.Preferences, user.Preferences)
	}
	r.state.Users[user.ID] = user
	if self := r.state.Self; self != nil && self.ID == user.ID {
		refreshed := user.Clone()
		refreshed.Preferences = mergePreferences(self.Preferences, user.Preferences)
		refreshed.UserGroups = self.UserGroups
		if refreshed.DoNotDisturbStatus == nil {
			refreshed.DoNotDisturbStatus = self.DoNotDisturbStatus
		}
		r.state.Self = refreshed
	}
	snapshot := user.Clone()
	return notify((*Observers).eventsListener, func(l SlackEventsListener, c *Client) {
		l.UserChanged(snapshot, c)
	})
}

func mergePreferences(existing, incoming map[string]any) map[string]any {
	if existing == nil && incoming == nil {
		return nil
	}
	merged := make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}

func (r *Reconciler) teamJoin(ev Event) Notice {
	if ev.User == nil || ev.User.ID == "" {
		return nil
	}
	r.state.Users[ev.User.ID] = ev.User
	snapshot := ev.User.Clone()
	return notify((*Observers).teamListener, func(l TeamListener, c *Client) {
		l.UserJoined(snapshot, c)
	})
}

func (r *Reconciler) userOrStub(id string) *slack.User {
	if user, ok := r.state.Users[id]; ok {
		return user.Clone()
	}
	return &slack.User{ID: id}
}

// Team

func (r *Reconciler) teamPlanChange(ev Event) Notice {
	if r.state.Team == nil || ev.Plan == "" {
		return nil
	}
	r.state.Team.Plan = ev.Plan
	plan := ev.Plan
	return notify((*Observers).teamListener, func(l TeamListener, c *Client) {
		l.PlanChanged(plan, c)
	})
}

func (r *Reconciler) teamPrefChange(ev Event) Notice {
	if r.state.Team == nil || ev.Name == "" {
		return nil
	}
	if r.state.Team.Prefs == nil {
		r.state.Team.Prefs = map[string]any{}
	}
	r.state.Team.Prefs[ev.Name] = ev.Value
	name, value := ev.Name, ev.Value
	return notify((*Observers).teamListener, func(l TeamListener, c *Client) {
		l.PreferencesChanged(name, value, c)
	})
}

func (r *Reconciler) teamRename(ev Event) Notice {
	if r.state.Team == nil || ev.Name == "" {
		return nil
	}
	r.state.Team.Name = ev.Name
	name := ev.Name
	return notify((*Observers).teamListener, func(l TeamListener, c *Client) {
		l.NameChanged(name, c)
	})
}

func (r *Reconciler) teamDomainChange(ev Event) Notice {
	if r.state.Team == nil || ev.Domain == "" {
		return nil
	}
	r.state.Team.Domain = ev.Domain
	domain := ev.Domain
	return notify((*Observers).teamListener, func(l TeamListener, c *Client) {
		l.DomainChanged(domain, c)
	})
}

func (r *Reconciler) emailDomainChange(ev Event) Notice {
	if r.state.Team == nil || ev.EmailDomain == "" {
		return nil
	}
	r.state.Team.EmailDomain = ev.EmailDomain
	domain := ev.EmailDomain
	return notify((*Observers).teamListener, func(l TeamListener, c *Client) {
		l.EmailDomainChanged(domain, c)
	})
}

func (r *Reconciler) emojiChanged(Event) Notice {
	return notify((*Observers).teamListener, func(l TeamListener, c *Client) {
		l.EmojiChanged(c)
	})
}

// Team profile

func (r *Reconciler) teamProfileChange(ev Event) Notice {
	if ev.Profile == nil || len(ev.Profile.Fields) == 0 {
		return nil
	}
	for _, user := range r.state.Users {
		fields := user.CustomFields()
		if fields == nil {
			continue
		}
		for id, incoming := range ev.Profile.Fields {
			if existing, ok := fields.Fields[id]; ok {
				existing.Update(incoming)
			}
		}
	}
	profile := ev.Profile.Clone()
	return notify((*Observers).teamProfileListener, func(l TeamProfileListener, c *Client) {
		l.Changed(profile, c)
	})
}

func (r *Reconciler) teamProfileDelete(ev Event) Notice {
	ids := ev.Profile.FieldIDs()
	if len(ids) == 0 {
		return nil
	}
	first := ids[0]
	for _, user := range r.state.Users {
		user.CustomFields().Remove(first)
	}
	profile := ev.Profile.Clone()
	return notify((*Observers).teamProfileListener, func(l TeamProfileListener, c *Client) {
		l.Deleted(profile, c)
	})
}

func (r *Reconciler) teamProfileReorder(ev Event) Notice {
	if ev.Profile == nil || len(ev.Profile.Fields) == 0 {
		return nil
	}
	for _, user := range r.state.Users {
		fields := user.CustomFields()
		if fields == nil {
			continue
		}
		for id, incoming := range ev.Profile.Fields {
			existing, ok := fields.Fields[id]
			if !ok || incoming.Ordering == nil {
				continue
			}
			ordering := *incoming.Ordering
			existing.Ordering = &ordering
		}
	}
	profile := ev.Profile.Clone()
	return notify((*Observers).teamProfileListener, func(l TeamProfileListener, c *Client) {
		l.Reordered(profile, c)
	})
}

// Bots and subteams

func (r *Reconciler) botEvent(ev Event) Notice {
	if ev.Bot == nil || ev.Bot.ID == "" {
		return nil
	}
	r.state.Bots[ev.Bot.ID] = ev.Bot
	snapshot := ev.Bot.Clone()
	return notify((*Observers).eventsListener, func(l SlackEventsListener, c *Client) {
		l.BotEvent(snapshot, c)
	})
}

func (r *Reconciler) subteamEvent(ev Event) Notice {
	if ev.Subteam == nil || ev.Subteam.ID == "" {
		return nil
	}
	r.state.UserGroups[ev.Subteam.ID] = ev.Subteam
	snapshot := ev.Subteam.Clone()
	return notify((*Observers).subteamListener, func(l SubteamListener, c *Client) {
		l.Event(snapshot, c)
	})
}

func subteamSelfHandler(added bool) handler {
	return func(r *Reconciler, ev Event) Notice {
		self := r.state.Self
		if self == nil || ev.SubteamID == "" {
			return nil
		}
		id := ev.SubteamID
		if added {
			if self.UserGroups == nil {
				self.UserGroups = map[string]bool{}
			}
			self.UserGroups[id] = true
		} else {
			delete(self.UserGroups, id)
		}
		return notify((*Observers).subteamListener, func(l SubteamListener, c *Client) {
			if added {
				l.SelfAdded(id, c)
				return
			}
			l.SelfRemoved(id, c)
		})
	}
}
