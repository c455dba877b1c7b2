package irc

import (
	"sync"
	"testing"
	"time"
)

func newTestClient(t *testing.T, factory *fakePoolTransportFactory) *Client {
	t.Helper()
	return NewClient("testuser", "oauth:abc", WithClientTransportFactory(factory.factory))
}

func TestClientConnectFiresOnConnectOnce(t *testing.T) {
	factory := newFakePoolTransportFactory()
	c := newTestClient(t, factory)

	var mu sync.Mutex
	calls := 0
	c.OnConnect(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if err := c.Join("bob"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	tr := factory.waitForNewTransport(t, time.Second)
	autoHandshake(t, tr, nil)
	waitForWrite(t, tr, "JOIN #bob")

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("OnConnect never fired")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := c.Connect(); err == nil {
		t.Fatal("second Connect() should fail")
	}
}

func TestClientDispatchesMessageAndTracksJoinedChannels(t *testing.T) {
	factory := newFakePoolTransportFactory()
	c := newTestClient(t, factory)

	received := make(chan *PrivmsgMessage, 1)
	c.OnMessage(func(m *PrivmsgMessage) { received <- m })

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if err := c.Join("bob"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	tr := factory.waitForNewTransport(t, time.Second)
	autoHandshake(t, tr, nil)
	waitForWrite(t, tr, "JOIN #bob")

	deadline := time.Now().Add(time.Second)
	for len(c.JoinedChannels()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for JoinedChannels to report bob")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if got := c.JoinedChannels(); len(got) != 1 || got[0] != "bob" {
		t.Fatalf("JoinedChannels() = %v, want [bob]", got)
	}

	tr.Feed("@badges=broadcaster/1;color=#FF0000;display-name=Bob;emotes=;id=abc;tmi-sent-ts=1000 :bob!bob@bob.tmi.twitch.tv PRIVMSG #bob :hello there")

	select {
	case msg := <-received:
		if msg.Channel != "bob" || msg.Text != "hello there" || msg.SenderLogin != "bob" {
			t.Fatalf("unexpected message: %#v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("OnMessage never fired")
	}
}

func TestClientSubRoutesToOnSubAndOnUserNotice(t *testing.T) {
	factory := newFakePoolTransportFactory()
	c := newTestClient(t, factory)

	subCh := make(chan *UserNoticeMessage, 1)
	anyCh := make(chan *UserNoticeMessage, 1)
	c.OnSub(func(n *UserNoticeMessage) { subCh <- n })
	c.OnUserNotice(func(n *UserNoticeMessage) { anyCh <- n })

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if err := c.Join("bob"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	tr := factory.waitForNewTransport(t, time.Second)
	autoHandshake(t, tr, nil)
	waitForWrite(t, tr, "JOIN #bob")

	tr.Feed("@msg-id=sub;display-name=Bob;login=bob;system-msg=Bob\\ssubscribed! :tmi.twitch.tv USERNOTICE #bob :Great stream!")

	select {
	case n := <-subCh:
		if n.EventID != "sub" || n.Channel != "bob" {
			t.Fatalf("unexpected sub notice: %#v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("OnSub never fired")
	}

	select {
	case <-anyCh:
	case <-time.After(time.Second):
		t.Fatal("OnUserNotice never fired")
	}
}

func TestClientChannelRemovedUntracksChannel(t *testing.T) {
	factory := newFakePoolTransportFactory()
	c := newTestClient(t, factory)

	removed := make(chan string, 1)
	c.OnChannelRemoved(func(channel, reason string) { removed <- channel })

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if err := c.Join("gone"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	tr := factory.waitForNewTransport(t, time.Second)
	autoHandshake(t, tr, nil)
	waitForWrite(t, tr, "JOIN #gone")

	tr.Feed("@msg-id=msg_channel_suspended :tmi.twitch.tv NOTICE #gone :This channel does not exist or has been suspended.")

	select {
	case channel := <-removed:
		if channel != "gone" {
			t.Fatalf("OnChannelRemoved channel = %q, want gone", channel)
		}
	case <-time.After(time.Second):
		t.Fatal("OnChannelRemoved never fired")
	}

	for _, ch := range c.JoinedChannels() {
		if ch == "gone" {
			t.Fatal("gone should no longer be reported as joined")
		}
	}
}

func TestClientWhisperUsesEscapeHatch(t *testing.T) {
	factory := newFakePoolTransportFactory()
	c := newTestClient(t, factory)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if err := c.Join("anyone"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	tr := factory.waitForNewTransport(t, time.Second)
	autoHandshake(t, tr, nil)
	waitForWrite(t, tr, "JOIN #anyone")

	if err := c.Whisper("alice", "hi there"); err != nil {
		t.Fatalf("Whisper: %v", err)
	}
	waitForWrite(t, tr, "WHISPER alice")
}

func TestClientMethodsFailBeforeConnect(t *testing.T) {
	factory := newFakePoolTransportFactory()
	c := newTestClient(t, factory)

	if err := c.Say("bob", "hi"); err == nil {
		t.Fatal("Say before Connect should fail")
	}
	if err := c.Join("bob"); err == nil {
		t.Fatal("Join before Connect should fail")
	}
	if err := c.Whisper("bob", "hi"); err == nil {
		t.Fatal("Whisper before Connect should fail")
	}
}
