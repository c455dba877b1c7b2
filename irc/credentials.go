package irc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Credentials is the (login, token) pair a Connection authenticates
// with. Token is empty for anonymous logins, in which case Connection
// skips PASS entirely.
type Credentials struct {
	Login string
	Token string // OAuth token, with or without the "oauth:" prefix
}

// CredentialsProvider supplies login credentials on demand. Connection
// calls GetCredentials exactly once per connection open; it never
// caches the result itself, so a refreshing provider controls its own
// staleness window.
type CredentialsProvider interface {
	GetCredentials(ctx context.Context) (Credentials, error)
}

// normalizedToken ensures t carries the "oauth:" prefix PASS expects,
// the way every concrete provider below does before handing a token to
// a Connection.
func normalizedToken(t string) string {
	if t == "" || strings.HasPrefix(t, "oauth:") {
		return t
	}
	return "oauth:" + t
}

// anonymousCounter hands out distinct justinfan<N> nicks across
// anonymous connections opened by the same process, so the dispatcher
// can hold more than one anonymous connection without nick collisions.
var anonymousCounter struct {
	mu sync.Mutex
	n  int
}

func nextAnonymousNick() string {
	anonymousCounter.mu.Lock()
	defer anonymousCounter.mu.Unlock()
	anonymousCounter.n++
	return fmt.Sprintf("justinfan%d", anonymousCounter.n)
}

// AnonymousCredentials authenticates as a read-only justinfan<N> guest;
// PASS is never sent. Twitch allows joining channels and receiving
// events but not sending PRIVMSG/WHISPER under this identity.
type AnonymousCredentials struct{}

// GetCredentials returns a freshly minted justinfan nick with no token.
func (AnonymousCredentials) GetCredentials(ctx context.Context) (Credentials, error) {
	return Credentials{Login: nextAnonymousNick()}, nil
}

// StaticCredentials authenticates with a fixed login/token pair that
// never changes for the lifetime of the provider.
type StaticCredentials struct {
	Login string
	Token string
}

// NewStaticCredentials builds a StaticCredentials, normalizing login to
// lowercase and token to carry the "oauth:" prefix.
func NewStaticCredentials(login, token string) *StaticCredentials {
	return &StaticCredentials{Login: strings.ToLower(login), Token: normalizedToken(token)}
}

// GetCredentials always returns the same pair.
func (c *StaticCredentials) GetCredentials(ctx context.Context) (Credentials, error) {
	return Credentials{Login: c.Login, Token: c.Token}, nil
}

// TokenRefresher fetches a fresh (token, expiry) pair, typically via an
// OAuth refresh-token exchange against Twitch's identity service. Left
// abstract; persisting the refresh token to disk is the caller's
// concern, not this library's.
type TokenRefresher interface {
	RefreshToken(ctx context.Context) (token string, expiresAt time.Time, err error)
}

// RefreshingCredentials memoizes a token and only calls the refresher
// when the cached token is absent, expired, or within refreshMargin of
// expiring. Safe for concurrent use: the dispatcher may open several
// connections, each fetching credentials around the same time.
type RefreshingCredentials struct {
	Login         string
	Refresher     TokenRefresher
	RefreshMargin time.Duration // default 5 minutes if zero

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// GetCredentials returns the cached token if it is still valid beyond
// the refresh margin, otherwise blocks on a refresh.
func (c *RefreshingCredentials) GetCredentials(ctx context.Context) (Credentials, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	margin := c.RefreshMargin
	if margin == 0 {
		margin = 5 * time.Minute
	}

	if c.token == "" || time.Until(c.expiresAt) < margin {
		token, expiresAt, err := c.Refresher.RefreshToken(ctx)
		if err != nil {
			return Credentials{}, &LoginError{Login: c.Login, Err: err}
		}
		c.token = normalizedToken(token)
		c.expiresAt = expiresAt
	}

	return Credentials{Login: c.Login, Token: c.token}, nil
}
