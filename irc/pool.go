package irc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PoolEvent is one of the variants Pool.Events() yields: the merged,
// per-connection-ordered inbound stream the façade presents to users.
type PoolEvent interface{ isPoolEvent() }

// ServerMessagePoolEvent wraps one mapped inbound ServerMessage,
// tagged with the connection it arrived on.
type ServerMessagePoolEvent struct {
	ConnectionID string
	Message      ServerMessage
}

func (ServerMessagePoolEvent) isPoolEvent() {}

// ChannelJoinFailedPoolEvent announces a placement attempt for channel
// timed out; the pool has already begun reassigning it elsewhere.
type ChannelJoinFailedPoolEvent struct {
	Channel string
	Reason  string
}

func (ChannelJoinFailedPoolEvent) isPoolEvent() {}

// ChannelRemovedPoolEvent announces channel was dropped from
// wanted_channels permanently, following a terminal failure NOTICE.
type ChannelRemovedPoolEvent struct {
	Channel string
	Reason  string
}

func (ChannelRemovedPoolEvent) isPoolEvent() {}

// ClosedPoolEvent is the last event Pool.Events() yields, sent once
// every connection has finished draining after Close().
type ClosedPoolEvent struct{}

func (ClosedPoolEvent) isPoolEvent() {}

// failureNoticeIDs are msg-id values that permanently remove a channel
// from wanted_channels rather than triggering a retry.
var failureNoticeIDs = map[string]bool{
	"msg_channel_suspended": true,
	"tos_ban":               true,
	"msg_banned":            true,
}

// PoolConfig configures a Pool. Zero value is usable; every field has
// a documented default applied by NewPool.
type PoolConfig struct {
	// MaxChannelsPerConnection is the hard ceiling on assigned channels
	// per connection. Default 90.
	MaxChannelsPerConnection int
	// MaxWaitingMessagesPerConnection is the BusyScore at or above
	// which a connection is "busy" for placement purposes. Default 5.
	MaxWaitingMessagesPerConnection int
	// NewConnectionEvery and MaxInitiatingConnections parameterize the
	// token-bucket rate limiter on opening new transports. Defaults:
	// one token every 2s, burst of 3.
	NewConnectionEvery        time.Duration
	MaxInitiatingConnections int
	// ConnectTimeout is forwarded to every Connection's
	// ConnectionConfig.ConnectTimeout. Default 15s.
	ConnectTimeout time.Duration
	// JoinAckTimeout is forwarded to every Connection. Default 10s.
	JoinAckTimeout time.Duration
	// TimePerMessage, if nonzero, paces outbound PRIVMSG/WHISPER
	// commands per connection via a token-bucket limiter, advisory
	// pacing to avoid server-side queueing rather than a hard Twitch
	// rate-limit implementation.
	TimePerMessage time.Duration
	// TracingIdentifier is attached (via Logger.Sub, as a "component"
	// field) to every log line the pool and its connections emit.
	TracingIdentifier string
	Metrics           Metrics
	Logger            *Logger

	// CommandQueueSize bounds the dispatcher's inbound command
	// channel. Default 16; tests shrink this to exercise backpressure
	// on Join/Say/etc. when the dispatcher falls behind.
	CommandQueueSize int
	// EventQueueSize bounds both the channel that fans in events from
	// every connection and the pool's outward PoolEvent channel. Each
	// Connection's own event channel stays at 1024. Default 1024.
	EventQueueSize int
}

func (c *PoolConfig) withDefaults() PoolConfig {
	cfg := *c
	if cfg.MaxChannelsPerConnection == 0 {
		cfg.MaxChannelsPerConnection = 90
	}
	if cfg.MaxWaitingMessagesPerConnection == 0 {
		cfg.MaxWaitingMessagesPerConnection = 5
	}
	if cfg.NewConnectionEvery == 0 {
		cfg.NewConnectionEvery = 2 * time.Second
	}
	if cfg.MaxInitiatingConnections == 0 {
		cfg.MaxInitiatingConnections = 3
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.JoinAckTimeout == 0 {
		cfg.JoinAckTimeout = 10 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	if cfg.CommandQueueSize == 0 {
		cfg.CommandQueueSize = 16
	}
	if cfg.EventQueueSize == 0 {
		cfg.EventQueueSize = 1024
	}
	if cfg.TracingIdentifier != "" {
		cfg.Logger = cfg.Logger.Sub(cfg.TracingIdentifier)
	}
	return cfg
}

// trackedConn is the dispatcher's private bookkeeping for one
// connection; only the dispatcher goroutine ever reads or writes it.
type trackedConn struct {
	seq      int // creation order, used as the placement tie-break
	conn     *Connection
	assigned map[string]struct{} // channels placed here, acked or not
	open     bool
	limiter  *rate.Limiter // nil if TimePerMessage == 0
}

func (tc *trackedConn) spareCapacity(max int) bool { return len(tc.assigned) < max }
func (tc *trackedConn) busy(threshold int) bool     { return tc.conn.BusyScore() >= threshold }

type connEnvelope struct {
	id string
	ev ConnectionEvent
}

// Pool presents "one virtual connection with unbounded channel
// capacity": it places joins/sends on the best-fit underlying
// Connection, creates connections on demand subject to a rate limit,
// and reassigns a dead connection's channels to survivors. All mutable
// dispatcher state is owned exclusively by the dispatcher goroutine;
// every public method communicates with it over a command channel.
type Pool struct {
	cfg              PoolConfig
	transportFactory TransportFactory
	credentials      CredentialsProvider
	creationLimiter  *rate.Limiter

	cmds      chan poolCommand
	connEvents chan connEnvelope
	out       chan PoolEvent

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPool spawns the dispatcher goroutine and returns immediately.
func NewPool(transportFactory TransportFactory, credentials CredentialsProvider, opts ...PoolOption) *Pool {
	cfg := PoolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	resolved := cfg.withDefaults()

	p := &Pool{
		cfg:              resolved,
		transportFactory: transportFactory,
		credentials:      credentials,
		creationLimiter:  rate.NewLimiter(rate.Every(resolved.NewConnectionEvery), resolved.MaxInitiatingConnections),
		cmds:             make(chan poolCommand, resolved.CommandQueueSize),
		connEvents:       make(chan connEnvelope, resolved.EventQueueSize),
		out:              make(chan PoolEvent, resolved.EventQueueSize),
		closed:           make(chan struct{}),
	}

	go p.run()

	return p
}

// PoolOption configures a Pool at construction time.
type PoolOption func(*PoolConfig)

func WithMaxChannelsPerConnection(n int) PoolOption {
	return func(c *PoolConfig) { c.MaxChannelsPerConnection = n }
}

func WithMaxWaitingMessagesPerConnection(n int) PoolOption {
	return func(c *PoolConfig) { c.MaxWaitingMessagesPerConnection = n }
}

func WithConnectionCreationRateLimit(every time.Duration, burst int) PoolOption {
	return func(c *PoolConfig) {
		c.NewConnectionEvery = every
		c.MaxInitiatingConnections = burst
	}
}

func WithPoolConnectTimeout(d time.Duration) PoolOption {
	return func(c *PoolConfig) { c.ConnectTimeout = d }
}

func WithPoolJoinAckTimeout(d time.Duration) PoolOption {
	return func(c *PoolConfig) { c.JoinAckTimeout = d }
}

func WithTimePerMessage(d time.Duration) PoolOption {
	return func(c *PoolConfig) { c.TimePerMessage = d }
}

func WithTracingIdentifier(s string) PoolOption {
	return func(c *PoolConfig) { c.TracingIdentifier = s }
}

func WithPoolMetrics(m Metrics) PoolOption {
	return func(c *PoolConfig) { c.Metrics = m }
}

func WithPoolLogger(l *Logger) PoolOption {
	return func(c *PoolConfig) { c.Logger = l }
}

// WithCommandQueueSize overrides the dispatcher's inbound command
// channel capacity. Mainly useful in tests exercising backpressure.
func WithCommandQueueSize(n int) PoolOption {
	return func(c *PoolConfig) { c.CommandQueueSize = n }
}

// WithEventQueueSize overrides the connection-event fan-in and outward
// event channel capacities. Mainly useful in tests exercising backpressure.
func WithEventQueueSize(n int) PoolOption {
	return func(c *PoolConfig) { c.EventQueueSize = n }
}

// Events yields the pool's merged inbound event stream; it closes
// after ClosedPoolEvent.
func (p *Pool) Events() <-chan PoolEvent { return p.out }

// poolCommand is the dispatcher's command-channel envelope; exactly
// one of its fields is populated per send.
type poolCommand struct {
	join         *joinCmd
	part         *partCmd
	setWanted    *setWantedCmd
	say          *sayCmd
	sendMessage  *sendMessageCmd
	close        *closeCmd
}

type joinCmd struct {
	channel string
	result  chan error
}

type partCmd struct {
	channel string
	result  chan error
}

type setWantedCmd struct {
	channels []string
	result   chan error
}

type sayCmd struct {
	channel  string
	text     string
	isAction bool
	replyTo  string // reply-parent-msg-id, empty unless SayInReplyTo
	result   chan error
}

type sendMessageCmd struct {
	msg    *IRCMessage
	result chan error
}

type closeCmd struct {
	done chan struct{}
}

// Join validates channel and adds it to wanted_channels; a no-op if
// already wanted. The actual server JOIN happens asynchronously.
func (p *Pool) Join(channel string) error {
	login, err := ParseChannelLogin(channel)
	if err != nil {
		return err
	}
	result := make(chan error, 1)
	if !p.send(poolCommand{join: &joinCmd{channel: login, result: result}}) {
		return &CannotSendMessage{Channel: login, Reason: ReasonPoolClosed}
	}
	return <-result
}

// Part removes channel from wanted_channels; a no-op if not wanted.
func (p *Pool) Part(channel string) error {
	login := NormalizeChannelLogin(channel)
	result := make(chan error, 1)
	if !p.send(poolCommand{part: &partCmd{channel: login, result: result}}) {
		return &CannotSendMessage{Channel: login, Reason: ReasonPoolClosed}
	}
	return <-result
}

// SetWantedChannels atomically replaces wanted_channels with channels,
// validating every name up front (all-or-nothing).
func (p *Pool) SetWantedChannels(channels []string) error {
	normalized := make([]string, len(channels))
	for i, ch := range channels {
		login, err := ParseChannelLogin(ch)
		if err != nil {
			return err
		}
		normalized[i] = login
	}
	result := make(chan error, 1)
	if !p.send(poolCommand{setWanted: &setWantedCmd{channels: normalized, result: result}}) {
		return &CannotSendMessage{Reason: ReasonPoolClosed}
	}
	return <-result
}

// Say sends a PRIVMSG to channel, failing with CannotSendMessage if no
// connection has (or will have) channel joined.
func (p *Pool) Say(channel, text string) error {
	login := NormalizeChannelLogin(channel)
	result := make(chan error, 1)
	if !p.send(poolCommand{say: &sayCmd{channel: login, text: text, result: result}}) {
		return &CannotSendMessage{Channel: login, Reason: ReasonPoolClosed}
	}
	return <-result
}

// Me sends an ACTION ("/me") message to channel.
func (p *Pool) Me(channel, text string) error {
	login := NormalizeChannelLogin(channel)
	result := make(chan error, 1)
	if !p.send(poolCommand{say: &sayCmd{channel: login, text: text, isAction: true, result: result}}) {
		return &CannotSendMessage{Channel: login, Reason: ReasonPoolClosed}
	}
	return <-result
}

// SayInReplyTo sends text to parent.Channel, tagged as a threaded
// reply to parent via its message id.
func (p *Pool) SayInReplyTo(parent *PrivmsgMessage, text string) error {
	result := make(chan error, 1)
	cmd := &sayCmd{channel: parent.Channel, text: text, replyTo: parent.ID, result: result}
	if !p.send(poolCommand{say: cmd}) {
		return &CannotSendMessage{Channel: parent.Channel, Reason: ReasonPoolClosed}
	}
	return <-result
}

// SendMessage is the escape hatch: msg is written as-is on the
// least-busy non-full connection.
func (p *Pool) SendMessage(msg *IRCMessage) error {
	result := make(chan error, 1)
	if !p.send(poolCommand{sendMessage: &sendMessageCmd{msg: msg, result: result}}) {
		return &CannotSendMessage{Reason: ReasonPoolClosed}
	}
	return <-result
}

// Close requests graceful shutdown of every connection and blocks
// until the event stream has drained.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		done := make(chan struct{})
		select {
		case p.cmds <- poolCommand{close: &closeCmd{done: done}}:
			<-done
		case <-p.closed:
		}
	})
}

// send enqueues cmd and reports whether the pool was open to accept
// it; false means the pool is already closed.
func (p *Pool) send(cmd poolCommand) bool {
	select {
	case <-p.closed:
		return false
	default:
	}
	select {
	case p.cmds <- cmd:
		return true
	case <-p.closed:
		return false
	}
}

// run is the single dispatcher goroutine; every field it touches below
// this point is owned exclusively by it.
func (p *Pool) run() {
	wanted := make(map[string]struct{})
	conns := make(map[string]*trackedConn)
	channelOwner := make(map[string]string) // channel -> connection id
	pending := make([]string, 0)
	nextSeq := 0
	draining := false
	var drainDone chan struct{}

	attemptPending := func() {
		if draining {
			return
		}
		remaining := pending[:0]
		for _, ch := range pending {
			if p.place(ch, conns, channelOwner, &nextSeq) {
				continue
			}
			remaining = append(remaining, ch)
		}
		pending = remaining
	}

	checkDrainComplete := func() {
		if draining && len(conns) == 0 {
			p.out <- ClosedPoolEvent{}
			close(p.out)
			close(p.closed)
			if drainDone != nil {
				close(drainDone)
			}
		}
	}

	for {
		select {
		case cmd := <-p.cmds:
			switch {
			case cmd.join != nil:
				ch := cmd.join.channel
				if _, ok := wanted[ch]; ok {
					cmd.join.result <- nil
					break
				}
				wanted[ch] = struct{}{}
				if !p.place(ch, conns, channelOwner, &nextSeq) {
					pending = append(pending, ch)
				}
				cmd.join.result <- nil

			case cmd.part != nil:
				ch := cmd.part.channel
				delete(wanted, ch)
				if connID, ok := channelOwner[ch]; ok {
					delete(channelOwner, ch)
					if tc, ok := conns[connID]; ok {
						delete(tc.assigned, ch)
						go tc.conn.Part(ch)
					}
				}
				removeFromSlice(&pending, ch)
				cmd.part.result <- nil

			case cmd.setWanted != nil:
				newSet := make(map[string]struct{}, len(cmd.setWanted.channels))
				for _, ch := range cmd.setWanted.channels {
					newSet[ch] = struct{}{}
				}
				for ch := range wanted {
					if _, keep := newSet[ch]; !keep {
						delete(wanted, ch)
						if connID, ok := channelOwner[ch]; ok {
							delete(channelOwner, ch)
							if tc, ok := conns[connID]; ok {
								delete(tc.assigned, ch)
								go tc.conn.Part(ch)
							}
						}
						removeFromSlice(&pending, ch)
					}
				}
				for ch := range newSet {
					if _, already := wanted[ch]; already {
						continue
					}
					wanted[ch] = struct{}{}
					if !p.place(ch, conns, channelOwner, &nextSeq) {
						pending = append(pending, ch)
					}
				}
				cmd.setWanted.result <- nil

			case cmd.say != nil:
				p.dispatchSay(cmd.say, conns, channelOwner)

			case cmd.sendMessage != nil:
				p.dispatchSendMessage(cmd.sendMessage, conns)

			case cmd.close != nil:
				draining = true
				drainDone = cmd.close.done
				if len(conns) == 0 {
					checkDrainComplete()
				} else {
					for _, tc := range conns {
						go tc.conn.Close()
					}
				}
			}

		case env := <-p.connEvents:
			p.handleConnEvent(env, conns, channelOwner, wanted, &pending)
			if tc, ok := conns[env.id]; ok {
				if closed, isClosed := env.ev.(ClosedEvent); isClosed {
					delete(conns, env.id)
					var reassign []string
					for ch := range tc.assigned {
						if _, stillWanted := wanted[ch]; stillWanted {
							delete(channelOwner, ch)
							pending = append(pending, ch)
							reassign = append(reassign, ch)
						}
					}
					if len(reassign) > 0 {
						p.cfg.Logger.Warn().Err(closed.Err).Strs("channels", reassign).Msg("connection lost, reassigning channels")
					}
				}
			}
			checkDrainComplete()
		}

		attemptPending()
		p.cfg.Metrics.ChannelsGauge(len(wanted))
	}
}

func removeFromSlice(s *[]string, v string) {
	out := (*s)[:0]
	for _, x := range *s {
		if x != v {
			out = append(out, x)
		}
	}
	*s = out
}

// place attempts the 5-step placement algorithm for channel ch. It
// returns true if ch was assigned (to an existing or brand-new
// connection), false if it must wait in the pending queue.
func (p *Pool) place(ch string, conns map[string]*trackedConn, channelOwner map[string]string, nextSeq *int) bool {
	if _, already := channelOwner[ch]; already {
		return true
	}

	var spareNotBusy, spareBusy, full []*trackedConn
	for _, tc := range conns {
		// A connection still completing its handshake has no channels
		// acked yet but already reserves the capacity assigned to it;
		// it is always "not busy" (BusyScore is 0 before any send).
		switch {
		case tc.spareCapacity(p.cfg.MaxChannelsPerConnection) && !tc.busy(p.cfg.MaxWaitingMessagesPerConnection):
			spareNotBusy = append(spareNotBusy, tc)
		case tc.spareCapacity(p.cfg.MaxChannelsPerConnection):
			spareBusy = append(spareBusy, tc)
		default:
			full = append(full, tc)
		}
	}

	if len(spareNotBusy) > 0 {
		sort.Slice(spareNotBusy, func(i, j int) bool {
			if len(spareNotBusy[i].assigned) != len(spareNotBusy[j].assigned) {
				return len(spareNotBusy[i].assigned) < len(spareNotBusy[j].assigned)
			}
			return spareNotBusy[i].seq < spareNotBusy[j].seq
		})
		p.assign(ch, spareNotBusy[0], channelOwner)
		return true
	}

	if len(spareBusy) == 0 || len(full) == 0 {
		// Only (b) or only (c) exist (or neither): try opening a new
		// connection subject to the rate limiter.
		if p.creationLimiter.Allow() {
			tc := p.createConnection(nextSeq)
			conns[tc.conn.ID()] = tc
			p.assign(ch, tc, channelOwner) // queued; sent once Ready arrives
			return true
		}
		if len(spareBusy) == 0 {
			return false
		}
	}

	if len(spareBusy) > 0 {
		sort.Slice(spareBusy, func(i, j int) bool {
			if spareBusy[i].conn.BusyScore() != spareBusy[j].conn.BusyScore() {
				return spareBusy[i].conn.BusyScore() < spareBusy[j].conn.BusyScore()
			}
			return spareBusy[i].seq < spareBusy[j].seq
		})
		p.assign(ch, spareBusy[0], channelOwner)
		return true
	}

	return false
}

func (p *Pool) assign(ch string, tc *trackedConn, channelOwner map[string]string) {
	tc.assigned[ch] = struct{}{}
	channelOwner[ch] = tc.conn.ID()
	if tc.open {
		go tc.conn.Join(ch)
	}
	// If not yet open, the dispatcher issues the JOIN once it observes
	// ReadyEvent for this connection (see handleConnEvent).
}

func (p *Pool) createConnection(nextSeq *int) *trackedConn {
	p.cfg.Logger.Info().Int("seq", *nextSeq+1).Msg("creating connection")
	cfg := ConnectionConfig{
		ConnectTimeout: p.cfg.ConnectTimeout,
		JoinAckTimeout: p.cfg.JoinAckTimeout,
		Metrics:        p.cfg.Metrics,
		Logger:         p.cfg.Logger,
	}
	conn := NewConnection(p.transportFactory, p.credentials, cfg)

	var limiter *rate.Limiter
	if p.cfg.TimePerMessage > 0 {
		limiter = rate.NewLimiter(rate.Every(p.cfg.TimePerMessage), 1)
	}

	go func(id string, c *Connection) {
		for ev := range c.Events() {
			p.connEvents <- connEnvelope{id: id, ev: ev}
		}
	}(conn.ID(), conn)

	*nextSeq++
	return &trackedConn{seq: *nextSeq, conn: conn, assigned: make(map[string]struct{}), limiter: limiter}
}

func (p *Pool) handleConnEvent(env connEnvelope, conns map[string]*trackedConn, channelOwner map[string]string, wanted map[string]struct{}, pending *[]string) {
	tc, known := conns[env.id]

	switch ev := env.ev.(type) {
	case ReadyEvent:
		if known {
			tc.open = true
			for ch := range tc.assigned {
				go tc.conn.Join(ch)
			}
		}

	case ChannelJoinFailedEvent:
		if !known {
			return
		}
		delete(tc.assigned, ev.Channel)
		delete(channelOwner, ev.Channel)
		p.cfg.Logger.Warn().Str("channel", ev.Channel).Str("reason", ev.Reason).Msg("channel join failed, will retry")
		p.out <- ChannelJoinFailedPoolEvent{Channel: ev.Channel, Reason: ev.Reason}
		if _, stillWanted := wanted[ev.Channel]; stillWanted {
			*pending = append(*pending, ev.Channel)
		}

	case ChannelJoinConfirmedEvent:
		// channelOwner already reflects the assignment; nothing else
		// to update.

	case ServerMessageEvent:
		p.out <- ServerMessagePoolEvent{ConnectionID: env.id, Message: ev.Message}
		if notice, ok := ev.Message.(*NoticeMessage); ok && failureNoticeIDs[notice.MsgID] {
			ch := notice.Channel
			if _, isWanted := wanted[ch]; isWanted {
				delete(wanted, ch)
				if connID, ok := channelOwner[ch]; ok {
					delete(channelOwner, ch)
					if owner, ok := conns[connID]; ok {
						delete(owner.assigned, ch)
					}
				}
				removeFromSlice(pending, ch)
				p.cfg.Logger.Warn().Str("channel", ch).Str("reason", notice.MsgID).Msg("channel permanently removed")
				p.out <- ChannelRemovedPoolEvent{Channel: ch, Reason: notice.MsgID}
			}
		}

	case ClosedEvent:
		// Cleanup of conns/channelOwner/pending handled by the caller
		// (run's select case), which needs tc.assigned before deletion.
	}
}

// dispatchSay validates a target connection exists for cmd.channel and,
// if so, hands the actual send off to a goroutine (pacing via the
// connection's limiter and writing to the transport both suspend, and
// must never block the single dispatcher goroutine). Validation
// failures are reported synchronously.
func (p *Pool) dispatchSay(cmd *sayCmd, conns map[string]*trackedConn, channelOwner map[string]string) {
	connID, ok := channelOwner[cmd.channel]
	if !ok {
		cmd.result <- &CannotSendMessage{Channel: cmd.channel, Reason: ReasonNotJoined}
		return
	}
	tc, ok := conns[connID]
	if !ok {
		cmd.result <- &CannotSendMessage{Channel: cmd.channel, Reason: ReasonNotJoined}
		return
	}

	text := cmd.text
	if cmd.isAction {
		text = "\x01ACTION " + text + "\x01"
	}

	msg := &IRCMessage{Command: "PRIVMSG", Params: []string{"#" + cmd.channel, text}}
	if cmd.replyTo != "" {
		msg.Tags = map[string]string{"reply-parent-msg-id": cmd.replyTo}
	}

	conn := tc.conn
	limiter := tc.limiter
	go func() {
		if limiter != nil {
			_ = limiter.Wait(context.Background())
		}
		cmd.result <- conn.SendCommand(msg)
	}()
}

// dispatchSendMessage mirrors dispatchSay: picking the target
// connection happens inline (cheap, in-memory), the actual write is
// handed to a goroutine so a full outbound queue cannot stall the
// dispatcher.
func (p *Pool) dispatchSendMessage(cmd *sendMessageCmd, conns map[string]*trackedConn) {
	var best *trackedConn
	for _, tc := range conns {
		if !tc.open || !tc.spareCapacity(p.cfg.MaxChannelsPerConnection) {
			continue
		}
		if best == nil || tc.conn.BusyScore() < best.conn.BusyScore() {
			best = tc
		}
	}
	if best == nil {
		cmd.result <- fmt.Errorf("irc: no available connection to send on")
		return
	}
	conn := best.conn
	limiter := best.limiter
	paced := cmd.msg.Command == "PRIVMSG" || cmd.msg.Command == "WHISPER"
	go func() {
		if limiter != nil && paced {
			_ = limiter.Wait(context.Background())
		}
		cmd.result <- conn.SendCommand(cmd.msg)
	}()
}
