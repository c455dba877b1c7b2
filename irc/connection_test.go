package irc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeTransport is an in-memory Transport: ReadLine drains a channel
// the test feeds via Feed(); WriteLine appends to writes (observable
// via Written()) and also publishes onto a channel so tests can
// synchronize on "the writer goroutine processed this command".
type fakeTransport struct {
	in        chan string
	readErr   chan error
	writesMu  sync.Mutex
	writes    []string
	writeSeen chan string
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:        make(chan string, 64),
		readErr:   make(chan error, 1),
		writeSeen: make(chan string, 64),
		closed:    make(chan struct{}),
	}
}

func (f *fakeTransport) Feed(line string) { f.in <- line }

func (f *fakeTransport) ReadLine() (string, error) {
	select {
	case line := <-f.in:
		return line, nil
	case err := <-f.readErr:
		return "", err
	case <-f.closed:
		return "", errors.New("fake transport closed")
	}
}

func (f *fakeTransport) WriteLine(line string) error {
	f.writesMu.Lock()
	f.writes = append(f.writes, line)
	f.writesMu.Unlock()
	select {
	case f.writeSeen <- line:
	default:
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) Written() []string {
	f.writesMu.Lock()
	defer f.writesMu.Unlock()
	out := make([]string, len(f.writes))
	copy(out, f.writes)
	return out
}

// waitForWrite polls Written() for a line containing substr, up to a
// short deadline; fails the test on timeout.
func waitForWrite(t *testing.T, f *fakeTransport, substr string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, w := range f.Written() {
			if containsSubstr(w, substr) {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for a write containing %q; got %#v", substr, f.Written())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func containsSubstr(s, substr string) bool {
	return len(substr) == 0 || (len(s) >= len(substr) && indexOf(s, substr) >= 0)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func waitForEvent(t *testing.T, events <-chan ConnectionEvent, match func(ConnectionEvent) bool, timeout time.Duration) ConnectionEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("events channel closed before matching event arrived")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching event")
		}
	}
}

func newTestConnection(t *testing.T, transport *fakeTransport, cfg ConnectionConfig) *Connection {
	t.Helper()
	factory := func(ctx context.Context) (Transport, error) { return transport, nil }
	return NewConnection(factory, &StaticCredentials{Login: "testuser", Token: "oauth:abc"}, cfg)
}

func completeHandshake(t *testing.T, transport *fakeTransport) {
	t.Helper()
	waitForWrite(t, transport, "CAP REQ")
	waitForWrite(t, transport, "NICK testuser")
	transport.Feed(":tmi.twitch.tv 001 testuser :Welcome, GLHF!")
}

func TestConnectionHandshakeReachesOpen(t *testing.T) {
	transport := newFakeTransport()
	c := newTestConnection(t, transport, ConnectionConfig{})
	defer c.Close()

	completeHandshake(t, transport)

	waitForEvent(t, c.Events(), func(ev ConnectionEvent) bool {
		_, ok := ev.(ReadyEvent)
		return ok
	}, time.Second)

	deadline := time.Now().Add(time.Second)
	for c.State() != StateOpen && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if c.State() != StateOpen {
		t.Fatalf("State() = %v, want %v", c.State(), StateOpen)
	}
}

func TestConnectionLoginFailureClosesWithLoginError(t *testing.T) {
	transport := newFakeTransport()
	c := newTestConnection(t, transport, ConnectionConfig{})

	waitForWrite(t, transport, "NICK testuser")
	transport.Feed(":tmi.twitch.tv NOTICE * :Login authentication failed")

	ev := waitForEvent(t, c.Events(), func(ev ConnectionEvent) bool {
		_, ok := ev.(ClosedEvent)
		return ok
	}, time.Second)

	closed := ev.(ClosedEvent)
	var loginErr *LoginError
	require.ErrorAs(t, closed.Err, &loginErr)
}

func TestConnectionJoinConfirmedByRoomState(t *testing.T) {
	transport := newFakeTransport()
	c := newTestConnection(t, transport, ConnectionConfig{})
	defer c.Close()
	completeHandshake(t, transport)
	waitForEvent(t, c.Events(), func(ev ConnectionEvent) bool { _, ok := ev.(ReadyEvent); return ok }, time.Second)

	require.NoError(t, c.Join("bob"))
	waitForWrite(t, transport, "JOIN #bob")

	transport.Feed("@room-id=1 :tmi.twitch.tv ROOMSTATE #bob")

	waitForEvent(t, c.Events(), func(ev ConnectionEvent) bool {
		j, ok := ev.(ChannelJoinConfirmedEvent)
		return ok && j.Channel == "bob"
	}, time.Second)

	require.Equal(t, []string{"bob"}, c.JoinedChannels())
}

func TestConnectionJoinTimesOutWithoutAck(t *testing.T) {
	transport := newFakeTransport()
	c := newTestConnection(t, transport, ConnectionConfig{JoinAckTimeout: 30 * time.Millisecond})
	defer c.Close()
	completeHandshake(t, transport)
	waitForEvent(t, c.Events(), func(ev ConnectionEvent) bool { _, ok := ev.(ReadyEvent); return ok }, time.Second)

	if err := c.Join("bob"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	ev := waitForEvent(t, c.Events(), func(ev ConnectionEvent) bool {
		_, ok := ev.(ChannelJoinFailedEvent)
		return ok
	}, time.Second)
	failed := ev.(ChannelJoinFailedEvent)
	if failed.Channel != "bob" || failed.Reason != "timeout" {
		t.Errorf("ChannelJoinFailedEvent = %#v", failed)
	}
}

func TestConnectionPartOfUnjoinedChannelIsNoop(t *testing.T) {
	transport := newFakeTransport()
	c := newTestConnection(t, transport, ConnectionConfig{})
	defer c.Close()
	completeHandshake(t, transport)
	waitForEvent(t, c.Events(), func(ev ConnectionEvent) bool { _, ok := ev.(ReadyEvent); return ok }, time.Second)

	if err := c.Part("never-joined"); err != nil {
		t.Fatalf("Part: %v", err)
	}
	for _, w := range transport.Written() {
		if containsSubstr(w, "PART") {
			t.Errorf("unexpected PART written for a channel never joined: %q", w)
		}
	}
}

func TestConnectionBusyScoreCountsRecentPrivmsgs(t *testing.T) {
	transport := newFakeTransport()
	c := newTestConnection(t, transport, ConnectionConfig{SendBudgetWindow: time.Hour})
	defer c.Close()
	completeHandshake(t, transport)
	waitForEvent(t, c.Events(), func(ev ConnectionEvent) bool { _, ok := ev.(ReadyEvent); return ok }, time.Second)

	for i := 0; i < 3; i++ {
		msg := &IRCMessage{Command: "PRIVMSG", Params: []string{"#bob", fmt.Sprintf("msg %d", i)}}
		if err := c.SendCommand(msg); err != nil {
			t.Fatalf("SendCommand: %v", err)
		}
	}
	waitForWrite(t, transport, "msg 2")

	deadline := time.Now().Add(time.Second)
	for c.BusyScore() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := c.BusyScore(); got != 3 {
		t.Errorf("BusyScore() = %d, want 3", got)
	}
}

func TestConnectionClosedEventIsLast(t *testing.T) {
	transport := newFakeTransport()
	c := newTestConnection(t, transport, ConnectionConfig{})
	completeHandshake(t, transport)
	waitForEvent(t, c.Events(), func(ev ConnectionEvent) bool { _, ok := ev.(ReadyEvent); return ok }, time.Second)

	c.Close()

	var sawClosed bool
	for ev := range c.Events() {
		if _, ok := ev.(ClosedEvent); ok {
			sawClosed = true
			continue
		}
		if sawClosed {
			t.Fatalf("received event %#v after ClosedEvent", ev)
		}
	}
	if !sawClosed {
		t.Fatal("never observed a ClosedEvent")
	}
}

func TestConnectionServerMessageParseErrorClosesConnection(t *testing.T) {
	transport := newFakeTransport()
	c := newTestConnection(t, transport, ConnectionConfig{})
	completeHandshake(t, transport)
	waitForEvent(t, c.Events(), func(ev ConnectionEvent) bool { _, ok := ev.(ReadyEvent); return ok }, time.Second)

	// PRIVMSG with no params is structurally valid IRC but missing the
	// channel parameter MapServerMessage requires.
	transport.Feed(":bob!bob@bob.tmi.twitch.tv PRIVMSG")

	ev := waitForEvent(t, c.Events(), func(ev ConnectionEvent) bool { _, ok := ev.(ClosedEvent); return ok }, time.Second)
	closed := ev.(ClosedEvent)
	var parseErr *ServerMessageParseError
	require.ErrorAs(t, closed.Err, &parseErr)
}

func TestConnectionReconnectRequestedClosesWithReason(t *testing.T) {
	transport := newFakeTransport()
	c := newTestConnection(t, transport, ConnectionConfig{})
	completeHandshake(t, transport)
	waitForEvent(t, c.Events(), func(ev ConnectionEvent) bool { _, ok := ev.(ReadyEvent); return ok }, time.Second)

	transport.Feed("RECONNECT")

	ev := waitForEvent(t, c.Events(), func(ev ConnectionEvent) bool { _, ok := ev.(ClosedEvent); return ok }, time.Second)
	closed := ev.(ClosedEvent)
	var reconnectErr *ReconnectRequested
	require.ErrorAs(t, closed.Err, &reconnectErr)
}
