package irc

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

// Default Twitch chat endpoints.
const (
	TwitchWebSocketAddr = "wss://irc-ws.chat.twitch.tv:443"
	TwitchTCPAddr       = "irc.chat.twitch.tv:6697"
)

// Transport is a duplex stream of wire lines, framing delegated to the
// concrete implementation: TCP variants perform line-framing off a
// bufio.Reader, WebSocket variants treat one WS text frame as one line.
// Connection owns exactly one Transport for its whole lifetime; it is
// never reused after Close.
type Transport interface {
	// ReadLine blocks for the next complete wire line (no CR/LF).
	ReadLine() (string, error)
	// WriteLine writes one wire line, appending CR/LF itself.
	WriteLine(line string) error
	Close() error
}

// TransportFactory dials a fresh Transport. The pool calls it once per
// connection it opens; ctx governs the dial/handshake deadline.
type TransportFactory func(ctx context.Context) (Transport, error)

// WebSocketTransport speaks the Twitch chat protocol over a WebSocket,
// one text frame per IRC line, matching the transport the teacher
// library shipped with.
type WebSocketTransport struct {
	conn *websocket.Conn
}

// DialWebSocket opens a WebSocket transport to addr (a ws(s):// URL).
func DialWebSocket(ctx context.Context, addr string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}
	return &WebSocketTransport{conn: conn}, nil
}

// NewWebSocketTransportFactory returns a TransportFactory that dials
// addr on every call.
func NewWebSocketTransportFactory(addr string) TransportFactory {
	return func(ctx context.Context) (Transport, error) {
		return DialWebSocket(ctx, addr)
	}
}

// ReadLine reads one WS text frame. A frame containing more than one
// IRC line (observed rarely from Twitch) is rejected rather than
// silently split, per the transport contract: one frame, one line.
func (t *WebSocketTransport) ReadLine() (string, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		line := strings.TrimRight(string(data), "\r\n")
		if strings.ContainsAny(line, "\r\n") {
			return "", fmt.Errorf("irc: websocket frame contained more than one line")
		}
		if line == "" {
			continue
		}
		return line, nil
	}
}

// WriteLine sends line as one WS text frame.
func (t *WebSocketTransport) WriteLine(line string) error {
	return t.conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n"))
}

// Close closes the underlying WebSocket connection.
func (t *WebSocketTransport) Close() error { return t.conn.Close() }

// TCPTransport speaks the Twitch chat protocol over a TLS-wrapped TCP
// socket with CRLF line framing, grounded on girc's ircConn.
type TCPTransport struct {
	sock net.Conn
	r    *bufio.Reader
}

// DialTCP opens a TLS connection to addr ("host:port") and wraps it in
// a line-framed TCPTransport. A nil tlsConfig is replaced by one whose
// ServerName (used for certificate validation) is the host portion of addr.
func DialTCP(ctx context.Context, addr string, tlsConfig *tls.Config) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	if tlsConfig == nil {
		host, _, splitErr := net.SplitHostPort(addr)
		if splitErr != nil {
			host = addr
		}
		tlsConfig = &tls.Config{ServerName: host}
	}

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, &ConnectError{Addr: addr, Err: err}
	}

	return &TCPTransport{sock: tlsConn, r: bufio.NewReader(tlsConn)}, nil
}

// NewTCPTransportFactory returns a TransportFactory that dials addr
// with the given TLS config (nil for the default, server-name-derived
// config) on every call.
func NewTCPTransportFactory(addr string, tlsConfig *tls.Config) TransportFactory {
	return func(ctx context.Context) (Transport, error) {
		return DialTCP(ctx, addr, tlsConfig)
	}
}

// ReadLine reads up to the next CRLF (or bare LF) and strips it.
func (t *TCPTransport) ReadLine() (string, error) {
	line, err := t.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// WriteLine writes line followed by CRLF.
func (t *TCPTransport) WriteLine(line string) error {
	_, err := t.sock.Write([]byte(line + "\r\n"))
	return err
}

// Close closes the underlying socket.
func (t *TCPTransport) Close() error { return t.sock.Close() }
