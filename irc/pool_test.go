package irc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakePoolTransportFactory hands out a fresh fakeTransport per dial and
// records them in creation order, so tests can address "the transport
// behind connection N" without reaching into Pool internals (which the
// dispatcher goroutine owns exclusively).
type fakePoolTransportFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	created    chan *fakeTransport
}

func newFakePoolTransportFactory() *fakePoolTransportFactory {
	return &fakePoolTransportFactory{created: make(chan *fakeTransport, 64)}
}

func (f *fakePoolTransportFactory) factory(ctx context.Context) (Transport, error) {
	t := newFakeTransport()
	f.mu.Lock()
	f.transports = append(f.transports, t)
	f.mu.Unlock()
	f.created <- t
	return t, nil
}

func (f *fakePoolTransportFactory) waitForNewTransport(t *testing.T, timeout time.Duration) *fakeTransport {
	t.Helper()
	select {
	case tr := <-f.created:
		return tr
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a new connection to be created")
		return nil
	}
}

// autoHandshake drives tr through CAP/PASS/NICK and answers JOINs with
// ROOMSTATE acks as they arrive, until stop is closed.
func autoHandshake(t *testing.T, tr *fakeTransport, stop <-chan struct{}) {
	t.Helper()
	waitForWrite(t, tr, "NICK")
	tr.Feed(":tmi.twitch.tv 001 testuser :Welcome, GLHF!")

	go func() {
		seen := make(map[string]bool)
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
			}
			for _, w := range tr.Written() {
				if len(w) > 5 && w[:5] == "JOIN " {
					ch := w[6:] // "JOIN #name"
					if !seen[ch] {
						seen[ch] = true
						tr.Feed("@room-id=1 :tmi.twitch.tv ROOMSTATE #" + ch)
					}
				}
			}
		}
	}()
}

func waitForPoolEvent(t *testing.T, events <-chan PoolEvent, match func(PoolEvent) bool, timeout time.Duration) PoolEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("pool events channel closed before matching event arrived")
			}
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for matching pool event")
		}
	}
}

func drainPoolEvents(stop <-chan struct{}, events <-chan PoolEvent) {
	go func() {
		for {
			select {
			case <-stop:
				return
			case _, ok := <-events:
				if !ok {
					return
				}
			}
		}
	}()
}

// TestPoolScalesAcrossConnections exercises spec scenario 4:
// max_channels_per_connection=2, joining a,b,c,d fills two connections
// of two channels each, and a fifth channel forces a third connection.
func TestPoolScalesAcrossConnections(t *testing.T) {
	factory := newFakePoolTransportFactory()
	p := NewPool(factory.factory, &StaticCredentials{Login: "testuser", Token: "oauth:abc"},
		WithMaxChannelsPerConnection(2),
		WithConnectionCreationRateLimit(time.Millisecond, 5),
	)
	defer p.Close()

	stop := make(chan struct{})
	defer close(stop)
	drainPoolEvents(stop, p.Events())

	for _, ch := range []string{"a", "b"} {
		require.NoError(t, p.Join(ch))
	}
	tr1 := factory.waitForNewTransport(t, time.Second)
	autoHandshake(t, tr1, stop)
	waitForWrite(t, tr1, "JOIN #a")
	waitForWrite(t, tr1, "JOIN #b")

	for _, ch := range []string{"c", "d"} {
		require.NoError(t, p.Join(ch))
	}
	tr2 := factory.waitForNewTransport(t, time.Second)
	autoHandshake(t, tr2, stop)
	waitForWrite(t, tr2, "JOIN #c")
	waitForWrite(t, tr2, "JOIN #d")

	require.NoError(t, p.Join("e"))
	tr3 := factory.waitForNewTransport(t, time.Second)
	autoHandshake(t, tr3, stop)
	waitForWrite(t, tr3, "JOIN #e")
}

// TestPoolReassignsChannelsFromDeadConnection exercises spec scenario
// 5: killing the connection hosting {a,b} causes those channels to be
// rejoined elsewhere while wanted_channels stays {a,b,c}.
func TestPoolReassignsChannelsFromDeadConnection(t *testing.T) {
	factory := newFakePoolTransportFactory()
	p := NewPool(factory.factory, &StaticCredentials{Login: "testuser", Token: "oauth:abc"},
		WithMaxChannelsPerConnection(2),
		WithConnectionCreationRateLimit(time.Millisecond, 5),
	)
	defer p.Close()

	stop := make(chan struct{})
	defer close(stop)
	drainPoolEvents(stop, p.Events())

	if err := p.Join("a"); err != nil {
		t.Fatal(err)
	}
	if err := p.Join("b"); err != nil {
		t.Fatal(err)
	}
	tr1 := factory.waitForNewTransport(t, time.Second)
	autoHandshake(t, tr1, stop)
	waitForWrite(t, tr1, "JOIN #a")
	waitForWrite(t, tr1, "JOIN #b")

	if err := p.Join("c"); err != nil {
		t.Fatal(err)
	}
	tr2 := factory.waitForNewTransport(t, time.Second)
	autoHandshake(t, tr2, stop)
	waitForWrite(t, tr2, "JOIN #c")

	// Kill the first connection's transport; its reader loop observes
	// an error and the connection closes.
	_ = tr1.Close()

	// a and b must eventually be re-joined, either on tr2 (if it has
	// spare capacity) or on a freshly created third connection.
	deadline := time.After(2 * time.Second)
	seenA, seenB := false, false
	for !seenA || !seenB {
		select {
		case tr := <-factory.created:
			autoHandshake(t, tr, stop)
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for a and b to be rejoined; seenA=%v seenB=%v", seenA, seenB)
		}
		factory.mu.Lock()
		all := append([]*fakeTransport(nil), factory.transports...)
		factory.mu.Unlock()
		for _, tr := range all {
			if tr == tr1 {
				continue
			}
			for _, w := range tr.Written() {
				if w == "JOIN #a" {
					seenA = true
				}
				if w == "JOIN #b" {
					seenB = true
				}
			}
		}
	}
}

// TestPoolRemovesChannelOnTerminalNotice exercises spec scenario 6: a
// NOTICE carrying msg-id=msg_channel_suspended permanently drops the
// channel from wanted_channels, with no further JOIN retried.
func TestPoolRemovesChannelOnTerminalNotice(t *testing.T) {
	factory := newFakePoolTransportFactory()
	p := NewPool(factory.factory, &StaticCredentials{Login: "testuser", Token: "oauth:abc"})
	defer p.Close()

	if err := p.Join("suspended"); err != nil {
		t.Fatal(err)
	}
	tr := factory.waitForNewTransport(t, time.Second)
	autoHandshake(t, tr, nil)
	waitForWrite(t, tr, "JOIN #suspended")

	tr.Feed("@msg-id=msg_channel_suspended :tmi.twitch.tv NOTICE #suspended :This channel does not exist or has been suspended.")

	waitForPoolEvent(t, p.Events(), func(ev PoolEvent) bool {
		removed, ok := ev.(ChannelRemovedPoolEvent)
		return ok && removed.Channel == "suspended" && removed.Reason == "msg_channel_suspended"
	}, time.Second)

	if err := p.Say("suspended", "hello"); err == nil {
		t.Fatal("Say on a removed channel should fail")
	}
}

// TestPoolSayFailsForUnjoinedChannel covers the CannotSendMessage path
// with no placement ever attempted.
func TestPoolSayFailsForUnjoinedChannel(t *testing.T) {
	factory := newFakePoolTransportFactory()
	p := NewPool(factory.factory, &StaticCredentials{Login: "testuser", Token: "oauth:abc"})
	defer p.Close()

	err := p.Say("nevertouched", "hi")
	require.Error(t, err)
	var csm *CannotSendMessage
	require.ErrorAs(t, err, &csm)
	require.Equal(t, ReasonNotJoined, csm.Reason)
}

// TestPoolSayDeliversOnceJoined confirms Say succeeds once the channel
// is placed and acknowledged, and that the PRIVMSG carries the text.
func TestPoolSayDeliversOnceJoined(t *testing.T) {
	factory := newFakePoolTransportFactory()
	p := NewPool(factory.factory, &StaticCredentials{Login: "testuser", Token: "oauth:abc"})
	defer p.Close()

	stop := make(chan struct{})
	defer close(stop)

	if err := p.Join("bob"); err != nil {
		t.Fatal(err)
	}
	tr := factory.waitForNewTransport(t, time.Second)
	autoHandshake(t, tr, stop)
	waitForWrite(t, tr, "JOIN #bob")

	// Give the dispatcher a moment to process the ROOMSTATE ack before
	// asserting placement; Say itself would otherwise race a JOIN that
	// hasn't registered yet. Poll rather than sleep a fixed amount.
	deadline := time.Now().Add(time.Second)
	for {
		if err := p.Say("bob", "hello world"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for Say to succeed once bob is joined")
		}
		time.Sleep(2 * time.Millisecond)
	}
	waitForWrite(t, tr, "hello world")
}

// TestPoolCloseDrainsAndEmitsClosedLast confirms Close() blocks until
// every connection has shut down and ClosedPoolEvent is the final
// event on the stream.
func TestPoolCloseDrainsAndEmitsClosedLast(t *testing.T) {
	factory := newFakePoolTransportFactory()
	p := NewPool(factory.factory, &StaticCredentials{Login: "testuser", Token: "oauth:abc"})

	stop := make(chan struct{})
	if err := p.Join("bob"); err != nil {
		t.Fatal(err)
	}
	tr := factory.waitForNewTransport(t, time.Second)
	autoHandshake(t, tr, stop)
	waitForWrite(t, tr, "JOIN #bob")
	close(stop)

	var events []PoolEvent
	done := make(chan struct{})
	go func() {
		for ev := range p.Events() {
			events = append(events, ev)
		}
		close(done)
	}()

	p.Close()
	<-done

	if len(events) == 0 {
		t.Fatal("expected at least ClosedPoolEvent")
	}
	if _, ok := events[len(events)-1].(ClosedPoolEvent); !ok {
		t.Fatalf("last event = %#v, want ClosedPoolEvent", events[len(events)-1])
	}
}
