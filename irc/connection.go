package irc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the lifecycle of a Connection: Initializing ->
// Open -> Closed. No other transitions are possible, and a Connection
// is never reused once Closed.
type ConnectionState int

const (
	StateInitializing ConnectionState = iota
	StateOpen
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionEvent is one of the variants Connection.Events() yields.
type ConnectionEvent interface{ isConnectionEvent() }

// ReadyEvent announces the connection finished its handshake and
// transitioned Initializing -> Open.
type ReadyEvent struct{}

func (ReadyEvent) isConnectionEvent() {}

// ChannelJoinConfirmedEvent announces channel was acknowledged-joined
// (ROOMSTATE or self-JOIN echo observed).
type ChannelJoinConfirmedEvent struct{ Channel string }

func (ChannelJoinConfirmedEvent) isConnectionEvent() {}

// ChannelJoinFailedEvent announces a JOIN this connection sent did not
// get acknowledged within the configured timeout.
type ChannelJoinFailedEvent struct {
	Channel string
	Reason  string
}

func (ChannelJoinFailedEvent) isConnectionEvent() {}

// ServerMessageEvent wraps one mapped inbound ServerMessage.
type ServerMessageEvent struct{ Message ServerMessage }

func (ServerMessageEvent) isConnectionEvent() {}

// ClosedEvent is always the last event a Connection emits.
type ClosedEvent struct{ Err error }

func (ClosedEvent) isConnectionEvent() {}

// ConnectionConfig configures one Connection. Zero value is usable;
// every field has a documented default applied by NewConnection.
type ConnectionConfig struct {
	// ConnectTimeout bounds dialing the transport and completing the
	// CAP/PASS/NICK handshake. Default 15s.
	ConnectTimeout time.Duration
	// JoinAckTimeout bounds how long a sent JOIN waits for ROOMSTATE or
	// a self-JOIN echo before ChannelJoinFailedEvent fires. Default 10s.
	JoinAckTimeout time.Duration
	// IdlePingInterval is how long the connection waits without any
	// inbound traffic before issuing its own PING. Default 4m30s,
	// comfortably inside Twitch's own idle disconnect window.
	IdlePingInterval time.Duration
	// PongTimeout bounds how long a PING waits for its PONG before the
	// connection is considered dead. Default 15s.
	PongTimeout time.Duration
	// SendBudgetWindow is the rolling window BusyScore() counts
	// PRIVMSGs within. Default 15s.
	SendBudgetWindow time.Duration
	// Capabilities requested via CAP REQ. Default the three Twitch
	// capabilities: tags, commands, membership.
	Capabilities []string
	Metrics      Metrics
	Logger       *Logger
}

func (c *ConnectionConfig) withDefaults() ConnectionConfig {
	cfg := *c
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if cfg.JoinAckTimeout == 0 {
		cfg.JoinAckTimeout = 10 * time.Second
	}
	if cfg.IdlePingInterval == 0 {
		cfg.IdlePingInterval = 4*time.Minute + 30*time.Second
	}
	if cfg.PongTimeout == 0 {
		cfg.PongTimeout = 15 * time.Second
	}
	if cfg.SendBudgetWindow == 0 {
		cfg.SendBudgetWindow = 15 * time.Second
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = []string{"twitch.tv/tags", "twitch.tv/commands", "twitch.tv/membership"}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	return cfg
}

// Connection is a single logical IRC session: it owns one Transport,
// authenticates on open, pumps incoming and outgoing messages across
// three internal goroutines (reader, writer, ping supervisor), and
// surfaces everything through a bounded event channel. Connection never
// reconnects itself; that is the pool's job.
type Connection struct {
	id     string
	cfg    ConnectionConfig
	creds  CredentialsProvider
	events chan ConnectionEvent
	log    *Logger

	outbound chan *IRCMessage

	closeOnce sync.Once
	cancel    context.CancelFunc

	mu             sync.Mutex
	state          ConnectionState
	joined         map[string]struct{}
	pendingJoins   map[string]*time.Timer
	sendTimestamps []time.Time
	terminalErr    error
}

// NewConnection spawns the connection task and returns immediately;
// the caller observes progress via Events(). factory is called exactly
// once, inside the connect deadline, to obtain the Transport.
func NewConnection(factory TransportFactory, creds CredentialsProvider, cfg ConnectionConfig) *Connection {
	resolved := cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()

	c := &Connection{
		id:       id,
		cfg:      resolved,
		creds:    creds,
		events:   make(chan ConnectionEvent, 1024),
		log:      resolved.Logger.Sub(id),
		outbound: make(chan *IRCMessage, 16),
		cancel:   cancel,
		state:    StateInitializing,
		joined:   make(map[string]struct{}),
		pendingJoins: make(map[string]*time.Timer),
	}

	go c.run(ctx, factory)

	return c
}

// ID is the connection's stable identifier, used for placement
// tie-breaks and logging.
func (c *Connection) ID() string { return c.id }

// Events yields connection events in order; the channel closes after
// ClosedEvent is sent.
func (c *Connection) Events() <-chan ConnectionEvent { return c.events }

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// JoinedChannels returns the channels currently acknowledged-joined.
func (c *Connection) JoinedChannels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for ch := range c.joined {
		out = append(out, ch)
	}
	return out
}

// ChannelCount is len(JoinedChannels()), cheap for placement decisions.
func (c *Connection) ChannelCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.joined)
}

// BusyScore is the number of PRIVMSGs written within SendBudgetWindow.
func (c *Connection) BusyScore() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countRecentSendsLocked()
}

func (c *Connection) countRecentSendsLocked() int {
	cutoff := time.Now().Add(-c.cfg.SendBudgetWindow)
	n := 0
	for _, ts := range c.sendTimestamps {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// SendCommand enqueues msg for the writer goroutine; it never blocks
// past the outbound queue's capacity under normal operation, and
// returns the connection's terminal error once Closed.
func (c *Connection) SendCommand(msg *IRCMessage) error {
	c.mu.Lock()
	if c.state == StateClosed {
		err := c.terminalErr
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	select {
	case c.outbound <- msg:
		return nil
	default:
	}
	// Outbound queue briefly full: block up to the ack timeout rather
	// than drop, since send_command's only documented failure mode is
	// "connection already Closed".
	select {
	case c.outbound <- msg:
		return nil
	case <-time.After(c.cfg.JoinAckTimeout):
		c.mu.Lock()
		err := c.terminalErr
		state := c.state
		c.mu.Unlock()
		if state == StateClosed {
			return err
		}
		return fmt.Errorf("irc: outbound queue full on connection %s", c.id)
	}
}

// Join sends JOIN for channel and tracks it as pending-ack; a no-op if
// already joined or already pending. ChannelJoinConfirmedEvent or
// ChannelJoinFailedEvent eventually follows on Events().
func (c *Connection) Join(channel string) error {
	c.mu.Lock()
	if _, ok := c.joined[channel]; ok {
		c.mu.Unlock()
		return nil
	}
	if _, ok := c.pendingJoins[channel]; ok {
		c.mu.Unlock()
		return nil
	}
	timer := time.AfterFunc(c.cfg.JoinAckTimeout, func() { c.failPendingJoin(channel, "timeout") })
	c.pendingJoins[channel] = timer
	c.mu.Unlock()

	return c.SendCommand(&IRCMessage{Command: "JOIN", Params: []string{"#" + channel}})
}

// Part sends PART for channel; a no-op if not joined and not pending.
func (c *Connection) Part(channel string) error {
	c.mu.Lock()
	_, isJoined := c.joined[channel]
	timer, isPending := c.pendingJoins[channel]
	if !isJoined && !isPending {
		c.mu.Unlock()
		return nil
	}
	if isPending {
		timer.Stop()
		delete(c.pendingJoins, channel)
	}
	delete(c.joined, channel)
	c.mu.Unlock()

	return c.SendCommand(&IRCMessage{Command: "PART", Params: []string{"#" + channel}})
}

func (c *Connection) failPendingJoin(channel, reason string) {
	c.mu.Lock()
	if _, ok := c.pendingJoins[channel]; !ok {
		c.mu.Unlock()
		return // acked in the meantime
	}
	delete(c.pendingJoins, channel)
	c.mu.Unlock()

	c.log.Warn().Str("channel", channel).Str("reason", reason).Msg("join failed")
	c.emit(ChannelJoinFailedEvent{Channel: channel, Reason: reason})
}

func (c *Connection) confirmJoin(channel string) {
	c.mu.Lock()
	if timer, ok := c.pendingJoins[channel]; ok {
		timer.Stop()
		delete(c.pendingJoins, channel)
	}
	alreadyJoined := false
	if _, ok := c.joined[channel]; ok {
		alreadyJoined = true
	}
	c.joined[channel] = struct{}{}
	c.mu.Unlock()

	if !alreadyJoined {
		c.log.Debug().Str("channel", channel).Msg("join confirmed")
		c.emit(ChannelJoinConfirmedEvent{Channel: channel})
	}
}

func (c *Connection) emit(ev ConnectionEvent) {
	select {
	case c.events <- ev:
	default:
		// Consumer has fallen far behind the 1024-deep buffer; block
		// rather than drop, preserving wire-order delivery.
		c.events <- ev
	}
}

func (c *Connection) recordSend(command string) {
	c.mu.Lock()
	if command == "PRIVMSG" {
		c.sendTimestamps = append(c.sendTimestamps, time.Now())
		cutoff := time.Now().Add(-c.cfg.SendBudgetWindow)
		kept := c.sendTimestamps[:0]
		for _, ts := range c.sendTimestamps {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		c.sendTimestamps = kept
	}
	c.mu.Unlock()
	c.cfg.Metrics.MessageSent(command)
}

// Close requests the connection shut down; idempotent.
func (c *Connection) Close() {
	c.closeWithError(nil)
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if err == nil {
			err = fmt.Errorf("irc: connection %s closed by Close", c.id)
		}
		wasOpen := c.state == StateOpen
		c.terminalErr = err
		c.state = StateClosed
		pending := c.pendingJoins
		c.pendingJoins = nil
		c.mu.Unlock()

		for _, timer := range pending {
			timer.Stop()
		}

		c.cancel()
		if wasOpen {
			c.cfg.Metrics.ConnectionClosed()
		}
		c.log.Info().Err(err).Msg("connection closed")
		c.emit(ClosedEvent{Err: err})
		close(c.events)
	})
}

func (c *Connection) run(ctx context.Context, factory TransportFactory) {
	c.cfg.Metrics.ConnectionCreated()

	handshakeCtx, handshakeCancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer handshakeCancel()

	transport, err := factory(handshakeCtx)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to dial transport")
		c.cfg.Metrics.ConnectionFailed()
		c.closeWithError(err)
		return
	}

	creds, err := c.creds.GetCredentials(handshakeCtx)
	if err != nil {
		_ = transport.Close()
		c.log.Error().Err(err).Msg("failed to obtain credentials")
		c.cfg.Metrics.ConnectionFailed()
		c.closeWithError(&LoginError{Login: creds.Login, Err: err})
		return
	}

	hsDone := make(chan error, 1)
	go func() { hsDone <- c.handshake(transport, creds) }()
	var hsErr error
	select {
	case hsErr = <-hsDone:
	case <-handshakeCtx.Done():
		hsErr = &ConnectError{Err: handshakeCtx.Err()}
	}
	if hsErr != nil {
		_ = transport.Close()
		c.log.Error().Err(hsErr).Str("login", creds.Login).Msg("handshake failed")
		c.cfg.Metrics.ConnectionFailed()
		c.closeWithError(hsErr)
		return
	}

	c.mu.Lock()
	c.state = StateOpen
	c.mu.Unlock()
	c.cfg.Metrics.ConnectionOpened()
	c.log.Info().Str("login", creds.Login).Msg("connection open")
	c.emit(ReadyEvent{})
	c.emit(ServerMessageEvent{Message: &ConnectMessage{base: base{msg: &IRCMessage{Command: "CONNECT"}}}})

	lastActivity := make(chan struct{}, 1)
	pongReceived := make(chan struct{}, 1)
	fatal := make(chan error, 3)

	go c.writerLoop(ctx, transport, fatal)
	go c.readerLoop(ctx, transport, creds.Login, lastActivity, pongReceived, fatal)
	go c.pingSupervisor(ctx, transport, lastActivity, pongReceived, fatal)

	select {
	case err := <-fatal:
		_ = transport.Close()
		c.log.Warn().Err(err).Msg("connection closing")
		c.cfg.Metrics.ConnectionFailed()
		c.closeWithError(err)
	case <-ctx.Done():
		_ = transport.Close()
		c.closeWithError(nil)
	}
}

func (c *Connection) handshake(transport Transport, creds Credentials) error {
	capReq := &IRCMessage{Command: "CAP", Params: []string{"REQ", strings.Join(c.cfg.Capabilities, " ")}}
	if err := transport.WriteLine(Stringify(capReq)); err != nil {
		return &ConnectError{Err: err}
	}

	if creds.Token != "" {
		if err := transport.WriteLine(Stringify(&IRCMessage{Command: "PASS", Params: []string{creds.Token}})); err != nil {
			return &ConnectError{Err: err}
		}
	}
	if err := transport.WriteLine(Stringify(&IRCMessage{Command: "NICK", Params: []string{creds.Login}})); err != nil {
		return &ConnectError{Err: err}
	}

	for {
		line, err := transport.ReadLine()
		if err != nil {
			return &ConnectError{Err: err}
		}
		msg, err := Parse(line)
		if err != nil {
			continue
		}
		switch msg.Command {
		case "001":
			return nil
		case "NOTICE":
			text := msg.Trailing()
			if strings.Contains(text, "Login authentication failed") || strings.Contains(text, "Improperly formatted auth") {
				return &LoginError{Login: creds.Login, Err: fmt.Errorf("%s", text)}
			}
		}
	}
}

func (c *Connection) writerLoop(ctx context.Context, transport Transport, fatal chan<- error) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := transport.WriteLine(Stringify(msg)); err != nil {
				select {
				case fatal <- &RemoteUnexpectedlyClosedConnection{Err: err}:
				default:
				}
				return
			}
			c.recordSend(msg.Command)
		}
	}
}

func (c *Connection) readerLoop(ctx context.Context, transport Transport, ownLogin string, lastActivity, pongReceived chan<- struct{}, fatal chan<- error) {
	for {
		line, err := transport.ReadLine()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				select {
				case fatal <- &RemoteUnexpectedlyClosedConnection{Err: err}:
				default:
				}
			}
			return
		}

		select {
		case lastActivity <- struct{}{}:
		default:
		}

		msg, err := Parse(line)
		if err != nil {
			c.log.Error().Err(err).Str("line", line).Msg("unparseable IRC line")
			select {
			case fatal <- &IncomingMessageParseError{Line: line, Err: err}:
			default:
			}
			return
		}

		c.cfg.Metrics.MessageReceived(msg.Command)

		if msg.Command == "PONG" {
			select {
			case pongReceived <- struct{}{}:
			default:
			}
		}

		if msg.Command == "RECONNECT" {
			select {
			case fatal <- &ReconnectRequested{}:
			default:
			}
			return
		}

		sm, mapErr := MapServerMessage(msg)
		if mapErr != nil {
			c.log.Error().Err(mapErr).Str("command", msg.Command).Msg("server message parse mismatch")
			select {
			case fatal <- mapErr:
			default:
			}
			return
		}

		c.observeInbound(msg, sm, ownLogin)
		c.emit(ServerMessageEvent{Message: sm})
	}
}

func (c *Connection) observeInbound(msg *IRCMessage, sm ServerMessage, ownLogin string) {
	switch v := sm.(type) {
	case *RoomStateMessage:
		c.confirmJoin(v.Channel)
	case *JoinMessage:
		if strings.EqualFold(v.User, ownLogin) {
			c.confirmJoin(v.Channel)
		}
	case *PartMessage:
		if strings.EqualFold(v.User, ownLogin) {
			c.mu.Lock()
			delete(c.joined, v.Channel)
			c.mu.Unlock()
		}
	}
}

func (c *Connection) pingSupervisor(ctx context.Context, transport Transport, lastActivity, pongReceived <-chan struct{}, fatal chan<- error) {
	idleTimer := time.NewTimer(c.cfg.IdlePingInterval)
	defer idleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lastActivity:
			if !idleTimer.Stop() {
				select {
				case <-idleTimer.C:
				default:
				}
			}
			idleTimer.Reset(c.cfg.IdlePingInterval)
		case <-idleTimer.C:
			if err := transport.WriteLine(Stringify(&IRCMessage{Command: "PING", Params: []string{"irc-ping"}})); err != nil {
				select {
				case fatal <- &RemoteUnexpectedlyClosedConnection{Err: err}:
				default:
				}
				return
			}
			select {
			case <-pongReceived:
				idleTimer.Reset(c.cfg.IdlePingInterval)
			case <-time.After(c.cfg.PongTimeout):
				select {
				case fatal <- &RemoteUnexpectedlyClosedConnection{Err: fmt.Errorf("irc: PONG not received within %s", c.cfg.PongTimeout)}:
				default:
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}
}
