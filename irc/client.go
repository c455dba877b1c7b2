package irc

import (
	"fmt"
	"strings"
	"sync"
)

// Client is the high-level façade most programs use: it owns a Pool
// and dispatches its merged event stream to registered per-message-type
// handlers, so callers never have to drain a channel or type-switch
// PoolEvent themselves. Everything Client does is a thin wrapper over
// Pool/Connection; advanced callers can reach the underlying Pool via
// Client.Pool() and drive it directly.
type Client struct {
	login            string
	credentials      CredentialsProvider
	transportFactory TransportFactory
	poolOpts         []PoolOption

	mu   sync.RWMutex
	pool *Pool

	joinedMu sync.RWMutex
	joined   map[string]struct{}

	onConnect           func()
	onDisconnect        func()
	onMessage           func(*PrivmsgMessage)
	onWhisper           func(*WhisperMessage)
	onJoin              func(channel, user string)
	onPart              func(channel, user string)
	onRoomState         func(*RoomStateMessage)
	onNotice            func(*NoticeMessage)
	onClearChat         func(*ClearChatMessage)
	onClearMsg          func(*ClearMsgMessage)
	onSub               func(*UserNoticeMessage)
	onResub             func(*UserNoticeMessage)
	onSubGift           func(*UserNoticeMessage)
	onRaid              func(*UserNoticeMessage)
	onUserNotice        func(*UserNoticeMessage)
	onUserState         func(*UserStateMessage)
	onGlobalUserState   func(*GlobalUserStateMessage)
	onHostTarget        func(*HostTargetMessage)
	onChannelJoinFailed func(channel, reason string)
	onChannelRemoved    func(channel, reason string)

	handlersMu sync.RWMutex

	connectOnce sync.Once
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithClientTransportFactory overrides the default Twitch production
// WebSocket endpoint, e.g. to point at the TCP transport or a test
// double.
func WithClientTransportFactory(f TransportFactory) ClientOption {
	return func(c *Client) { c.transportFactory = f }
}

// WithClientCredentials overrides the login/token pair given to
// NewClient with an arbitrary CredentialsProvider, e.g.
// RefreshingCredentials for an OAuth token that rotates.
func WithClientCredentials(creds CredentialsProvider) ClientOption {
	return func(c *Client) { c.credentials = creds }
}

// WithClientPoolOptions forwards additional PoolOptions to the Pool
// Client constructs on Connect.
func WithClientPoolOptions(opts ...PoolOption) ClientOption {
	return func(c *Client) { c.poolOpts = append(c.poolOpts, opts...) }
}

// NewClient builds a Client authenticating as login with an OAuth
// user access token. An empty token connects anonymously (a
// read-only justinfan session); login is then ignored.
func NewClient(login, token string, opts ...ClientOption) *Client {
	c := &Client{
		login:  strings.ToLower(login),
		joined: make(map[string]struct{}),
	}
	if token == "" {
		c.credentials = &AnonymousCredentials{}
	} else {
		c.credentials = NewStaticCredentials(login, token)
	}
	c.transportFactory = NewWebSocketTransportFactory(TwitchWebSocketAddr)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnConnect registers a handler fired once the first underlying
// connection completes its handshake.
func (c *Client) OnConnect(fn func()) { c.handlersMu.Lock(); defer c.handlersMu.Unlock(); c.onConnect = fn }

// OnDisconnect registers a handler fired once Close has fully drained
// every connection.
func (c *Client) OnDisconnect(fn func()) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onDisconnect = fn
}

// OnMessage registers the handler for channel chat messages.
func (c *Client) OnMessage(fn func(*PrivmsgMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onMessage = fn
}

// OnWhisper registers the handler for incoming whispers.
func (c *Client) OnWhisper(fn func(*WhisperMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onWhisper = fn
}

// OnJoin registers the handler fired when any user (including this
// client) joins a channel.
func (c *Client) OnJoin(fn func(channel, user string)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onJoin = fn
}

// OnPart registers the handler fired when any user leaves a channel.
func (c *Client) OnPart(fn func(channel, user string)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onPart = fn
}

// OnRoomState registers the handler for channel setting updates.
func (c *Client) OnRoomState(fn func(*RoomStateMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onRoomState = fn
}

// OnNotice registers the handler for server NOTICEs.
func (c *Client) OnNotice(fn func(*NoticeMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onNotice = fn
}

// OnClearChat registers the handler for timeouts, bans, and full chat
// clears.
func (c *Client) OnClearChat(fn func(*ClearChatMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onClearChat = fn
}

// OnClearMsg registers the handler for single deleted messages.
func (c *Client) OnClearMsg(fn func(*ClearMsgMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onClearMsg = fn
}

// OnSub registers the handler for new-subscription USERNOTICEs.
func (c *Client) OnSub(fn func(*UserNoticeMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onSub = fn
}

// OnResub registers the handler for resubscription USERNOTICEs.
func (c *Client) OnResub(fn func(*UserNoticeMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onResub = fn
}

// OnSubGift registers the handler for gift-subscription USERNOTICEs
// (single and anonymous/mystery gifts alike).
func (c *Client) OnSubGift(fn func(*UserNoticeMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onSubGift = fn
}

// OnRaid registers the handler for incoming-raid USERNOTICEs.
func (c *Client) OnRaid(fn func(*UserNoticeMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onRaid = fn
}

// OnUserNotice registers a catch-all handler invoked for every
// USERNOTICE, including ones OnSub/OnResub/OnSubGift/OnRaid already
// dispatched to their more specific handler.
func (c *Client) OnUserNotice(fn func(*UserNoticeMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onUserNotice = fn
}

// OnUserState registers the handler for this client's own per-channel
// state (mod/sub status, color, badges).
func (c *Client) OnUserState(fn func(*UserStateMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onUserState = fn
}

// OnGlobalUserState registers the handler fired once per connection,
// right after a successful login.
func (c *Client) OnGlobalUserState(fn func(*GlobalUserStateMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onGlobalUserState = fn
}

// OnHostTarget registers the handler for host start/stop events.
func (c *Client) OnHostTarget(fn func(*HostTargetMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onHostTarget = fn
}

// OnChannelJoinFailed registers the handler fired when a placement
// attempt for a channel timed out; the pool is already retrying
// elsewhere, this is purely informational.
func (c *Client) OnChannelJoinFailed(fn func(channel, reason string)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onChannelJoinFailed = fn
}

// OnChannelRemoved registers the handler fired when a channel is
// permanently dropped from wanted_channels following a terminal
// NOTICE (e.g. the channel was suspended).
func (c *Client) OnChannelRemoved(fn func(channel, reason string)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onChannelRemoved = fn
}

// Connect builds the underlying Pool and starts dispatching its
// events to the registered handlers. It returns immediately; Pool
// creates connections lazily as channels are joined, so there is
// nothing here to block on. OnConnect fires asynchronously once the
// first connection completes its handshake.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.pool != nil {
		c.mu.Unlock()
		return fmt.Errorf("irc: Connect called twice")
	}
	c.pool = NewPool(c.transportFactory, c.credentials, c.poolOpts...)
	pool := c.pool
	c.mu.Unlock()

	go c.dispatchLoop(pool)
	return nil
}

func (c *Client) dispatchLoop(pool *Pool) {
	for ev := range pool.Events() {
		switch v := ev.(type) {
		case ServerMessagePoolEvent:
			c.dispatchServerMessage(v.Message)
		case ChannelJoinFailedPoolEvent:
			c.handlersMu.RLock()
			fn := c.onChannelJoinFailed
			c.handlersMu.RUnlock()
			if fn != nil {
				fn(v.Channel, v.Reason)
			}
		case ChannelRemovedPoolEvent:
			c.joinedMu.Lock()
			delete(c.joined, v.Channel)
			c.joinedMu.Unlock()
			c.handlersMu.RLock()
			fn := c.onChannelRemoved
			c.handlersMu.RUnlock()
			if fn != nil {
				fn(v.Channel, v.Reason)
			}
		case ClosedPoolEvent:
			c.handlersMu.RLock()
			fn := c.onDisconnect
			c.handlersMu.RUnlock()
			if fn != nil {
				fn()
			}
		}
	}
}

func (c *Client) dispatchServerMessage(sm ServerMessage) {
	switch v := sm.(type) {
	case *ConnectMessage:
		c.connectOnce.Do(func() {
			c.handlersMu.RLock()
			fn := c.onConnect
			c.handlersMu.RUnlock()
			if fn != nil {
				fn()
			}
		})

	case *PrivmsgMessage:
		c.handlersMu.RLock()
		fn := c.onMessage
		c.handlersMu.RUnlock()
		if fn != nil {
			fn(v)
		}

	case *WhisperMessage:
		c.handlersMu.RLock()
		fn := c.onWhisper
		c.handlersMu.RUnlock()
		if fn != nil {
			fn(v)
		}

	case *JoinMessage:
		if strings.EqualFold(v.User, c.login) {
			c.joinedMu.Lock()
			c.joined[v.Channel] = struct{}{}
			c.joinedMu.Unlock()
		}
		c.handlersMu.RLock()
		fn := c.onJoin
		c.handlersMu.RUnlock()
		if fn != nil {
			fn(v.Channel, v.User)
		}

	case *PartMessage:
		if strings.EqualFold(v.User, c.login) {
			c.joinedMu.Lock()
			delete(c.joined, v.Channel)
			c.joinedMu.Unlock()
		}
		c.handlersMu.RLock()
		fn := c.onPart
		c.handlersMu.RUnlock()
		if fn != nil {
			fn(v.Channel, v.User)
		}

	case *RoomStateMessage:
		c.joinedMu.Lock()
		c.joined[v.Channel] = struct{}{}
		c.joinedMu.Unlock()
		c.handlersMu.RLock()
		fn := c.onRoomState
		c.handlersMu.RUnlock()
		if fn != nil {
			fn(v)
		}

	case *NoticeMessage:
		c.handlersMu.RLock()
		fn := c.onNotice
		c.handlersMu.RUnlock()
		if fn != nil {
			fn(v)
		}

	case *ClearChatMessage:
		c.handlersMu.RLock()
		fn := c.onClearChat
		c.handlersMu.RUnlock()
		if fn != nil {
			fn(v)
		}

	case *ClearMsgMessage:
		c.handlersMu.RLock()
		fn := c.onClearMsg
		c.handlersMu.RUnlock()
		if fn != nil {
			fn(v)
		}

	case *UserNoticeMessage:
		c.handlersMu.RLock()
		onUserNotice := c.onUserNotice
		onSub := c.onSub
		onResub := c.onResub
		onSubGift := c.onSubGift
		onRaid := c.onRaid
		c.handlersMu.RUnlock()

		switch v.EventID {
		case "sub":
			if onSub != nil {
				onSub(v)
			}
		case "resub":
			if onResub != nil {
				onResub(v)
			}
		case "subgift", "anonsubgift", "submysterygift", "anonsubmysterygift":
			if onSubGift != nil {
				onSubGift(v)
			}
		case "raid":
			if onRaid != nil {
				onRaid(v)
			}
		}
		if onUserNotice != nil {
			onUserNotice(v)
		}

	case *UserStateMessage:
		c.handlersMu.RLock()
		fn := c.onUserState
		c.handlersMu.RUnlock()
		if fn != nil {
			fn(v)
		}

	case *GlobalUserStateMessage:
		c.handlersMu.RLock()
		fn := c.onGlobalUserState
		c.handlersMu.RUnlock()
		if fn != nil {
			fn(v)
		}

	case *HostTargetMessage:
		c.handlersMu.RLock()
		fn := c.onHostTarget
		c.handlersMu.RUnlock()
		if fn != nil {
			fn(v)
		}
	}
}

// currentPool returns the active Pool, or nil if Connect hasn't run.
func (c *Client) currentPool() *Pool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pool
}

// Pool returns the underlying Pool for advanced usage (direct access
// to its raw PoolEvent stream, SendMessage escape hatch, and so on).
func (c *Client) Pool() *Pool { return c.currentPool() }

// Join adds channels to wanted_channels.
func (c *Client) Join(channels ...string) error {
	pool := c.currentPool()
	if pool == nil {
		return fmt.Errorf("irc: Connect has not been called")
	}
	for _, ch := range channels {
		if err := pool.Join(ch); err != nil {
			return err
		}
	}
	return nil
}

// Part removes channels from wanted_channels.
func (c *Client) Part(channels ...string) error {
	pool := c.currentPool()
	if pool == nil {
		return fmt.Errorf("irc: Connect has not been called")
	}
	for _, ch := range channels {
		if err := pool.Part(ch); err != nil {
			return err
		}
	}
	return nil
}

// SetWantedChannels atomically replaces wanted_channels.
func (c *Client) SetWantedChannels(channels []string) error {
	pool := c.currentPool()
	if pool == nil {
		return fmt.Errorf("irc: Connect has not been called")
	}
	return pool.SetWantedChannels(channels)
}

// Say sends a chat message to channel.
func (c *Client) Say(channel, message string) error {
	pool := c.currentPool()
	if pool == nil {
		return fmt.Errorf("irc: Connect has not been called")
	}
	return pool.Say(channel, message)
}

// Me sends an ACTION ("/me") message to channel.
func (c *Client) Me(channel, message string) error {
	pool := c.currentPool()
	if pool == nil {
		return fmt.Errorf("irc: Connect has not been called")
	}
	return pool.Me(channel, message)
}

// Reply sends message to parent's channel as a threaded reply.
func (c *Client) Reply(parent *PrivmsgMessage, message string) error {
	pool := c.currentPool()
	if pool == nil {
		return fmt.Errorf("irc: Connect has not been called")
	}
	return pool.SayInReplyTo(parent, message)
}

// Whisper sends a direct message to user.
func (c *Client) Whisper(user, message string) error {
	pool := c.currentPool()
	if pool == nil {
		return fmt.Errorf("irc: Connect has not been called")
	}
	return pool.SendMessage(&IRCMessage{Command: "WHISPER", Params: []string{NormalizeChannelLogin(user), message}})
}

// JoinedChannels returns the channels this client has observed itself
// join (via ROOMSTATE or a self-JOIN echo), across all connections.
func (c *Client) JoinedChannels() []string {
	c.joinedMu.RLock()
	defer c.joinedMu.RUnlock()
	out := make([]string, 0, len(c.joined))
	for ch := range c.joined {
		out = append(out, ch)
	}
	return out
}

// Close requests every connection shut down and blocks until the
// event stream has drained.
func (c *Client) Close() {
	pool := c.currentPool()
	if pool == nil {
		return
	}
	pool.Close()
}
