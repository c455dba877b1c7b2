package irc

import "strings"

const maxChannelLoginLen = 25

// ValidateChannelLogin checks login against Twitch's channel naming rules:
// nonempty, at most 25 bytes, all lowercase ASCII letters/digits/underscore,
// no commas. The leading "#" sigil is not part of login; strip it with
// NormalizeChannelLogin before validating user input that may carry it.
func ValidateChannelLogin(login string) error {
	if login == "" {
		return &ValidationError{Value: login, Reason: "channel login is empty"}
	}
	if len(login) > maxChannelLoginLen {
		return &ValidationError{Value: login, Reason: "channel login exceeds 25 bytes"}
	}
	for _, r := range login {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return &ValidationError{Value: login, Reason: "channel login must be lowercase ASCII letters, digits, or underscore"}
		}
	}
	return nil
}

// NormalizeChannelLogin strips an optional leading "#" and lowercases the
// remainder, the way every outbound JOIN/PART/PRIVMSG target is derived
// from user-supplied channel names.
func NormalizeChannelLogin(channel string) string {
	return strings.ToLower(strings.TrimPrefix(channel, "#"))
}

// ParseChannelLogin normalizes and validates a user-supplied channel name
// (with or without the leading "#"), returning a ValidationError for
// anything that fails ValidateChannelLogin.
func ParseChannelLogin(channel string) (string, error) {
	login := NormalizeChannelLogin(channel)
	if err := ValidateChannelLogin(login); err != nil {
		return "", err
	}
	return login, nil
}
