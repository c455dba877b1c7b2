// Command twitchirc-example connects to Twitch chat and echoes channel
// messages and whispers to stdout.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chatpool/twitchirc/irc"
)

func main() {
	login := flag.String("login", "", "bot account login; ignored when -token is empty")
	token := flag.String("token", "", "OAuth user access token; omit to connect anonymously (read-only)")
	channels := flag.String("channels", "", "comma-separated channels to join at startup")
	useTCP := flag.Bool("tcp", false, "use the raw TLS/TCP transport instead of WebSocket")
	verbose := flag.Bool("v", false, "also print users joining channels")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "twitchirc-example - join Twitch chat channels and print activity\n\n")
		fmt.Fprintf(os.Stderr, "Usage: twitchirc-example -channels chan1,chan2 [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	opts := []irc.ClientOption{}
	if *useTCP {
		opts = append(opts, irc.WithClientTransportFactory(irc.NewTCPTransportFactory(irc.TwitchTCPAddr, nil)))
	}

	client := irc.NewClient(*login, *token, opts...)

	client.OnConnect(func() {
		fmt.Println("connected")
	})
	client.OnDisconnect(func() {
		fmt.Println("disconnected")
	})
	client.OnMessage(func(m *irc.PrivmsgMessage) {
		prefix := ""
		if m.IsAction {
			prefix = "* "
		}
		fmt.Printf("#%s %s%s: %s\n", m.Channel, prefix, m.SenderLogin, m.Text)
	})
	client.OnWhisper(func(w *irc.WhisperMessage) {
		fmt.Printf("[whisper] %s: %s\n", w.SenderLogin, w.Text)
	})
	client.OnJoin(func(channel, user string) {
		if *verbose {
			fmt.Printf("%s joined #%s\n", user, channel)
		}
	})
	client.OnNotice(func(n *irc.NoticeMessage) {
		fmt.Printf("[notice] #%s %s (%s)\n", n.Channel, n.Text, n.MsgID)
	})
	client.OnChannelJoinFailed(func(channel, reason string) {
		fmt.Fprintf(os.Stderr, "join #%s failed: %s, retrying\n", channel, reason)
	})
	client.OnChannelRemoved(func(channel, reason string) {
		fmt.Fprintf(os.Stderr, "#%s removed: %s\n", channel, reason)
	})

	if err := client.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}

	if *channels != "" {
		for _, ch := range strings.Split(*channels, ",") {
			ch = strings.TrimSpace(ch)
			if ch == "" {
				continue
			}
			if err := client.Join(ch); err != nil {
				fmt.Fprintf(os.Stderr, "join %s: %v\n", ch, err)
			}
		}
	}

	go readStdinCommands(client)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	client.Close()
}

// readStdinCommands supports a minimal "say #channel message" /
// "join #channel" / "part #channel" REPL over stdin, useful for
// manual testing against a real connection.
func readStdinCommands(client *irc.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.SplitN(strings.TrimSpace(scanner.Text()), " ", 3)
		if len(fields) == 0 || fields[0] == "" {
			continue
		}
		switch fields[0] {
		case "join":
			if len(fields) < 2 {
				continue
			}
			if err := client.Join(fields[1]); err != nil {
				fmt.Fprintf(os.Stderr, "join: %v\n", err)
			}
		case "part":
			if len(fields) < 2 {
				continue
			}
			if err := client.Part(fields[1]); err != nil {
				fmt.Fprintf(os.Stderr, "part: %v\n", err)
			}
		case "say":
			if len(fields) < 3 {
				continue
			}
			if err := client.Say(fields[1], fields[2]); err != nil {
				fmt.Fprintf(os.Stderr, "say: %v\n", err)
			}
		}
	}
}
