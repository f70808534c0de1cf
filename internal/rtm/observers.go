package rtm

import (
	"sync"

	"github.com/agentworkforce/slackrelay/internal/slack"
)

// Listener methods receive copies; mutating them does not touch the
// client's state. All calls happen on the client's event goroutine.

type ConnectionListener interface {
	Connected(c *Client)
	Disconnected(c *Client)
	ConnectionFailed(err error, c *Client)
}

type MessageListener interface {
	Sent(msg *slack.Message, c *Client)
	Received(msg *slack.Message, c *Client)
	Changed(msg *slack.Message, c *Client)
	// Deleted receives the removed message, or nil when it was never
	// cached.
	Deleted(msg *slack.Message, c *Client)
}

type ChannelListener interface {
	UserTyping(ch *slack.Channel, user *slack.User, c *Client)
	Marked(ch *slack.Channel, ts string, c *Client)
	Created(ch *slack.Channel, c *Client)
	Deleted(ch *slack.Channel, c *Client)
	Renamed(ch *slack.Channel, c *Client)
	Archived(ch *slack.Channel, archived bool, c *Client)
	HistoryChanged(ch *slack.Channel, c *Client)
	Joined(ch *slack.Channel, c *Client)
	Left(ch *slack.Channel, c *Client)
}

type DoNotDisturbListener interface {
	Updated(status *slack.DoNotDisturbStatus, c *Client)
	UserUpdated(status *slack.DoNotDisturbStatus, user *slack.User, c *Client)
}

type GroupListener interface {
	Opened(group *slack.Channel, open bool, c *Client)
}

type FileListener interface {
	Processed(file *slack.File, c *Client)
	MadePrivate(file *slack.File, c *Client)
	Deleted(file *slack.File, c *Client)
	CommentAdded(file *slack.File, comment *slack.Comment, c *Client)
	CommentEdited(file *slack.File, comment *slack.Comment, c *Client)
	CommentDeleted(file *slack.File, comment *slack.Comment, c *Client)
}

type PinListener interface {
	Pinned(item slack.Item, ch *slack.Channel, c *Client)
	Unpinned(item slack.Item, ch *slack.Channel, c *Client)
}

type StarListener interface {
	Starred(item slack.Item, starred bool, c *Client)
}

type ReactionListener interface {
	Added(reaction string, item slack.Item, itemUser string, c *Client)
	Removed(reaction string, item slack.Item, itemUser string, c *Client)
}

type SlackEventsListener interface {
	PreferenceChanged(name string, value any, c *Client)
	UserChanged(user *slack.User, c *Client)
	PresenceChanged(user *slack.User, presence string, c *Client)
	ManualPresenceChanged(user *slack.User, presence string, c *Client)
	BotEvent(bot *slack.Bot, c *Client)
}

type TeamListener interface {
	UserJoined(user *slack.User, c *Client)
	PlanChanged(plan string, c *Client)
	PreferencesChanged(name string, value any, c *Client)
	NameChanged(name string, c *Client)
	DomainChanged(domain string, c *Client)
	EmailDomainChanged(domain string, c *Client)
	EmojiChanged(c *Client)
}

type SubteamListener interface {
	Event(group *slack.UserGroup, c *Client)
	SelfAdded(subteamID string, c *Client)
	SelfRemoved(subteamID string, c *Client)
}

type TeamProfileListener interface {
	Changed(profile *slack.CustomProfile, c *Client)
	Deleted(profile *slack.CustomProfile, c *Client)
	Reordered(profile *slack.CustomProfile, c *Client)
}

// Observers holds one listener slot per category. A nil slot drops the
// notification.
type Observers struct {
	mu          sync.RWMutex
	connection  ConnectionListener
	message     MessageListener
	channel     ChannelListener
	dnd         DoNotDisturbListener
	group       GroupListener
	file        FileListener
	pin         PinListener
	star        StarListener
	reaction    ReactionListener
	events      SlackEventsListener
	team        TeamListener
	subteam     SubteamListener
	teamProfile TeamProfileListener
}

func (o *Observers) set(fn func()) {
	o.mu.Lock()
	fn()
	o.mu.Unlock()
}

func (o *Observers) connectionListener() ConnectionListener {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.connection
}

func (o *Observers) messageListener() MessageListener {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.message
}

func (o *Observers) channelListener() ChannelListener {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.channel
}

func (o *Observers) dndListener() DoNotDisturbListener {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.dnd
}

func (o *Observers) groupListener() GroupListener {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.group
}

func (o *Observers) fileListener() FileListener {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.file
}

func (o *Observers) pinListener() PinListener {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.pin
}

func (o *Observers) starListener() StarListener {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.star
}

func (o *Observers) reactionListener() ReactionListener {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.reaction
}

func (o *Observers) eventsListener() SlackEventsListener {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.events
}

func (o *Observers) teamListener() TeamListener {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.team
}

func (o *Observers) subteamListener() SubteamListener {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.subteam
}

func (o *Observers) teamProfileListener() TeamProfileListener {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.teamProfile
}

// Notice delivers the outcome of one reconciled event. It captures
// copies taken while the state lock was held and runs after release.
type Notice func(o *Observers, c *Client)

// notify builds a Notice that calls fn on the listener pick returns,
// skipping empty slots.
func notify[L any](pick func(*Observers) L, fn func(l L, c *Client)) Notice {
	return func(o *Observers, c *Client) {
		l := pick(o)
		if any(l) == nil {
			return
		}
		fn(l, c)
	}
}

func (c *Client) SetConnectionListener(l ConnectionListener) {
	c.observers.set(func() { c.observers.connection = l })
}

func (c *Client) SetMessageListener(l MessageListener) {
	c.observers.set(func() { c.observers.message = l })
}

func (c *Client) SetChannelListener(l ChannelListener) {
	c.observers.set(func() { c.observers.channel = l })
}

func (c *Client) SetDoNotDisturbListener(l DoNotDisturbListener) {
	c.observers.set(func() { c.observers.dnd = l })
}

func (c *Client) SetGroupListener(l GroupListener) {
	c.observers.set(func() { c.observers.group = l })
}

func (c *Client) SetFileListener(l FileListener) {
	c.observers.set(func() { c.observers.file = l })
}

func (c *Client) SetPinListener(l PinListener) {
	c.observers.set(func() { c.observers.pin = l })
}

func (c *Client) SetStarListener(l StarListener) {
	c.observers.set(func() { c.observers.star = l })
}

func (c *Client) SetReactionListener(l ReactionListener) {
	c.observers.set(func() { c.observers.reaction = l })
}

func (c *Client) SetSlackEventsListener(l SlackEventsListener) {
	c.observers.set(func() { c.observers.events = l })
}

func (c *Client) SetTeamListener(l TeamListener) {
	c.observers.set(func() { c.observers.team = l })
}

func (c *Client) SetSubteamListener(l SubteamListener) {
	c.observers.set(func() { c.observers.subteam = l })
}

func (c *Client) SetTeamProfileListener(l TeamProfileListener) {
	c.observers.set(func() { c.observers.teamProfile = l })
}
