package irc

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

// ServerMessage is a typed, validated view of an inbound IRC message.
// Every variant embeds the IRCMessage it was derived from so callers
// can always fall back to the raw form.
type ServerMessage interface {
	// Message returns the IRCMessage this variant was mapped from.
	Message() *IRCMessage
}

type base struct{ msg *IRCMessage }

func (b base) Message() *IRCMessage { return b.msg }

// EmoteRange is one occurrence of an emote in a message, as a pair of
// inclusive code-point indices into the (ACTION-stripped) message text.
type EmoteRange struct {
	ID    string
	Start int
	End int // inclusive
}

// PrivmsgMessage is a channel chat message (PRIVMSG).
type PrivmsgMessage struct {
	base
	Channel     string
	SenderLogin string
	Text        string
	IsAction    bool
	Emotes      []EmoteRange
	Badges      map[string]string
	BadgeInfo   map[string]string
	Color       string
	DisplayName string
	Bits        int
	ID          string
	ReplyParentMsgID string
	Timestamp   time.Time
}

// WhisperMessage is a direct message between two users (WHISPER).
type WhisperMessage struct {
	base
	RecipientLogin string
	SenderLogin    string
	Text           string
	IsAction       bool
	Emotes         []EmoteRange
	Badges         map[string]string
	Color          string
	DisplayName    string
	ThreadID       string
}

// JoinMessage announces that a user (possibly ourselves) joined a channel.
type JoinMessage struct {
	base
	Channel string
	User    string
}

// PartMessage announces that a user left a channel.
type PartMessage struct {
	base
	Channel string
	User    string
}

// FollowersOnlyMode is the RoomState follower-only variant.
type FollowersOnlyMode int

const (
	FollowersOnlyUnset FollowersOnlyMode = iota
	FollowersOnlyDisabled
	FollowersOnlyAll
	FollowersOnlyLimited
)

// RoomStateMessage carries the subset of channel settings present on the
// wire message; unset fields indicate "not reported on this message",
// not "disabled".
type RoomStateMessage struct {
	base
	Channel             string
	RoomID              string
	Slow                *int
	FollowersOnly       FollowersOnlyMode
	FollowersOnlyMinutes int
	R9K                 *bool
	SubscribersOnly     *bool
	EmoteOnly           *bool
}

// ClearChatKind classifies a CLEARCHAT message.
type ClearChatKind int

const (
	ClearChatChannel ClearChatKind = iota
	ClearChatTimeout
	ClearChatBan
)

// ClearChatMessage represents a timeout, permanent ban, or full chat clear.
type ClearChatMessage struct {
	base
	Channel      string
	Kind         ClearChatKind
	TargetLogin  string
	TargetUserID string
	BanDuration  time.Duration
	RoomID       string
	Timestamp    time.Time
}

// ClearMsgMessage represents deletion of a single message.
type ClearMsgMessage struct {
	base
	Channel     string
	SenderLogin string
	Text        string
	TargetMsgID string
	Timestamp   time.Time
}

// NoticeMessage is a server NOTICE, often carrying a machine-readable
// msg-id used for e.g. login-failure classification.
type NoticeMessage struct {
	base
	Channel string
	Text    string
	MsgID   string
}

// UserNoticeMessage is a USERNOTICE (sub, resub, raid, and so on). EventID
// holds the raw msg-id so future/unknown ids are still accessible.
type UserNoticeMessage struct {
	base
	Channel       string
	EventID       string
	SenderLogin   string
	DisplayName   string
	SystemMessage string
	Text          string
	MsgParams     map[string]string
	Badges        map[string]string
	Emotes        []EmoteRange
	Timestamp     time.Time
}

// UserStateMessage reports the current user's state in a channel.
type UserStateMessage struct {
	base
	Channel      string
	DisplayName  string
	Color        string
	Badges       map[string]string
	EmoteSets    []string
	IsMod        bool
	IsSubscriber bool
}

// GlobalUserStateMessage reports the authenticated user's global state,
// delivered once right after a successful login.
type GlobalUserStateMessage struct {
	base
	UserID      string
	DisplayName string
	Color       string
	Badges      map[string]string
	EmoteSets   []string
}

// HostTargetMessage announces a host starting or stopping.
type HostTargetMessage struct {
	base
	HostingChannel string
	TargetChannel  string // empty means hosting stopped
	Viewers        int
}

// ReconnectMessage is a server-initiated RECONNECT request.
type ReconnectMessage struct{ base }

// PingMessage is a server PING, requiring a PONG with the same argument.
type PingMessage struct {
	base
	Argument string
}

// PongMessage is a server PONG, the reply to our own PING.
type PongMessage struct {
	base
	Argument string
}

// CapMessage is a capability-negotiation response (CAP ACK/NAK/LS).
type CapMessage struct {
	base
	Subcommand    string
	Capabilities []string
}

// ConnectMessage is synthetic: it is not parsed from the wire, but
// synthesized by a Connection the moment its transport becomes ready,
// so consumers see one uniform event type for "connection established".
type ConnectMessage struct{ base }

// GenericMessage is returned for any command the mapper does not
// specifically recognize.
type GenericMessage struct{ base }

// MapServerMessage converts a parsed IRCMessage into its typed
// ServerMessage variant, or a *ServerMessageParseError if the command is
// recognized but required tags/parameters are missing. Unrecognized
// commands map to GenericMessage, never an error.
func MapServerMessage(msg *IRCMessage) (ServerMessage, error) {
	b := base{msg: msg}

	switch msg.Command {
	case "PRIVMSG":
		return mapPrivmsg(b, msg)
	case "WHISPER":
		return mapWhisper(b, msg)
	case "JOIN":
		return mapJoin(b, msg)
	case "PART":
		return mapPart(b, msg)
	case "ROOMSTATE":
		return mapRoomState(b, msg)
	case "CLEARCHAT":
		return mapClearChat(b, msg)
	case "CLEARMSG":
		return mapClearMsg(b, msg)
	case "NOTICE":
		return mapNotice(b, msg)
	case "USERNOTICE":
		return mapUserNotice(b, msg)
	case "USERSTATE":
		return mapUserState(b, msg)
	case "GLOBALUSERSTATE":
		return mapGlobalUserState(b, msg)
	case "HOSTTARGET":
		return mapHostTarget(b, msg)
	case "RECONNECT":
		return &ReconnectMessage{base: b}, nil
	case "PING":
		arg, _ := msg.Param(0)
		return &PingMessage{base: b, Argument: arg}, nil
	case "PONG":
		arg, _ := msg.Param(0)
		return &PongMessage{base: b, Argument: arg}, nil
	case "CAP":
		return mapCap(b, msg)
	default:
		return &GenericMessage{base: b}, nil
	}
}

func mapPrivmsg(b base, msg *IRCMessage) (ServerMessage, error) {
	channelParam, ok := msg.Param(0)
	if !ok {
		return nil, &ServerMessageParseError{Command: "PRIVMSG", Expected: "channel parameter", Found: "none"}
	}
	rawText := msg.Trailing()
	text, isAction := stripAction(rawText)

	login := msg.Tags["login"]
	if login == "" && msg.Source != nil {
		login = msg.Source.Nick
	}

	return &PrivmsgMessage{
		base:             b,
		Channel:          NormalizeChannelLogin(channelParam),
		SenderLogin:      login,
		Text:             text,
		IsAction:         isAction,
		Emotes:           decodeEmotes(msg.Tags["emotes"], rawText, isAction),
		Badges:           parseBadges(msg.Tags["badges"]),
		BadgeInfo:        parseBadges(msg.Tags["badge-info"]),
		Color:            msg.Tags["color"],
		DisplayName:      msg.Tags["display-name"],
		Bits:             parseInt(msg.Tags["bits"]),
		ID:               msg.Tags["id"],
		ReplyParentMsgID: msg.Tags["reply-parent-msg-id"],
		Timestamp:        parseTimestamp(msg.Tags["tmi-sent-ts"]),
	}, nil
}

func mapWhisper(b base, msg *IRCMessage) (ServerMessage, error) {
	to, ok := msg.Param(0)
	if !ok {
		return nil, &ServerMessageParseError{Command: "WHISPER", Expected: "recipient parameter", Found: "none"}
	}
	rawText := msg.Trailing()
	text, isAction := stripAction(rawText)

	login := msg.Tags["login"]
	if login == "" && msg.Source != nil {
		login = msg.Source.Nick
	}

	return &WhisperMessage{
		base:           b,
		RecipientLogin: NormalizeChannelLogin(to),
		SenderLogin:    login,
		Text:           text,
		IsAction:       isAction,
		Emotes:         decodeEmotes(msg.Tags["emotes"], rawText, isAction),
		Badges:         parseBadges(msg.Tags["badges"]),
		Color:          msg.Tags["color"],
		DisplayName:    msg.Tags["display-name"],
		ThreadID:       msg.Tags["thread-id"],
	}, nil
}

func mapJoin(b base, msg *IRCMessage) (ServerMessage, error) {
	channelParam, ok := msg.Param(0)
	if !ok {
		return nil, &ServerMessageParseError{Command: "JOIN", Expected: "channel parameter", Found: "none"}
	}
	user := ""
	if msg.Source != nil {
		user = msg.Source.Nick
	}
	return &JoinMessage{base: b, Channel: NormalizeChannelLogin(channelParam), User: user}, nil
}

func mapPart(b base, msg *IRCMessage) (ServerMessage, error) {
	channelParam, ok := msg.Param(0)
	if !ok {
		return nil, &ServerMessageParseError{Command: "PART", Expected: "channel parameter", Found: "none"}
	}
	user := ""
	if msg.Source != nil {
		user = msg.Source.Nick
	}
	return &PartMessage{base: b, Channel: NormalizeChannelLogin(channelParam), User: user}, nil
}

func mapRoomState(b base, msg *IRCMessage) (ServerMessage, error) {
	channelParam, ok := msg.Param(0)
	if !ok {
		return nil, &ServerMessageParseError{Command: "ROOMSTATE", Expected: "channel parameter", Found: "none"}
	}

	rs := &RoomStateMessage{
		base:    b,
		Channel: NormalizeChannelLogin(channelParam),
		RoomID:  msg.Tags["room-id"],
	}

	if v, ok := msg.Tags["slow"]; ok {
		n := parseInt(v)
		rs.Slow = &n
	}
	if v, ok := msg.Tags["r9k"]; ok {
		bv := parseBool(v)
		rs.R9K = &bv
	}
	if v, ok := msg.Tags["subs-only"]; ok {
		bv := parseBool(v)
		rs.SubscribersOnly = &bv
	}
	if v, ok := msg.Tags["emote-only"]; ok {
		bv := parseBool(v)
		rs.EmoteOnly = &bv
	}
	if v, ok := msg.Tags["followers-only"]; ok {
		minutes := parseInt(v)
		switch {
		case v == "-1":
			rs.FollowersOnly = FollowersOnlyDisabled
		case minutes <= 0:
			rs.FollowersOnly = FollowersOnlyAll
		default:
			rs.FollowersOnly = FollowersOnlyLimited
			rs.FollowersOnlyMinutes = minutes
		}
	}

	return rs, nil
}

func mapClearChat(b base, msg *IRCMessage) (ServerMessage, error) {
	channelParam, ok := msg.Param(0)
	if !ok {
		return nil, &ServerMessageParseError{Command: "CLEARCHAT", Expected: "channel parameter", Found: "none"}
	}

	cc := &ClearChatMessage{
		base:      b,
		Channel:   NormalizeChannelLogin(channelParam),
		RoomID:    msg.Tags["room-id"],
		Timestamp: parseTimestamp(msg.Tags["tmi-sent-ts"]),
	}

	target, hasTarget := msg.Param(1)
	if !hasTarget {
		cc.Kind = ClearChatChannel
		return cc, nil
	}

	cc.TargetLogin = target
	cc.TargetUserID = msg.Tags["target-user-id"]

	if dur, ok := msg.Tags["ban-duration"]; ok && dur != "" {
		seconds, _ := strconv.Atoi(dur)
		cc.Kind = ClearChatTimeout
		cc.BanDuration = time.Duration(seconds) * time.Second
	} else {
		cc.Kind = ClearChatBan
	}

	return cc, nil
}

func mapClearMsg(b base, msg *IRCMessage) (ServerMessage, error) {
	channelParam, ok := msg.Param(0)
	if !ok {
		return nil, &ServerMessageParseError{Command: "CLEARMSG", Expected: "channel parameter", Found: "none"}
	}
	return &ClearMsgMessage{
		base:        b,
		Channel:     NormalizeChannelLogin(channelParam),
		SenderLogin: msg.Tags["login"],
		Text:        msg.Trailing(),
		TargetMsgID: msg.Tags["target-msg-id"],
		Timestamp:   parseTimestamp(msg.Tags["tmi-sent-ts"]),
	}, nil
}

func mapNotice(b base, msg *IRCMessage) (ServerMessage, error) {
	channel := ""
	if p, ok := msg.Param(0); ok {
		channel = NormalizeChannelLogin(p)
	}
	return &NoticeMessage{
		base:    b,
		Channel: channel,
		Text:    msg.Trailing(),
		MsgID:   msg.Tags["msg-id"],
	}, nil
}

func mapUserNotice(b base, msg *IRCMessage) (ServerMessage, error) {
	channelParam, ok := msg.Param(0)
	if !ok {
		return nil, &ServerMessageParseError{Command: "USERNOTICE", Expected: "channel parameter", Found: "none"}
	}

	msgParams := make(map[string]string)
	for k, v := range msg.Tags {
		if strings.HasPrefix(k, "msg-param-") {
			msgParams[strings.TrimPrefix(k, "msg-param-")] = v
		}
	}

	login := msg.Tags["login"]
	if login == "" && msg.Source != nil {
		login = msg.Source.Nick
	}

	rawText := msg.Trailing()

	return &UserNoticeMessage{
		base:          b,
		Channel:       NormalizeChannelLogin(channelParam),
		EventID:       msg.Tags["msg-id"],
		SenderLogin:   login,
		DisplayName:   msg.Tags["display-name"],
		SystemMessage: msg.Tags["system-msg"],
		Text:          rawText,
		MsgParams:     msgParams,
		Badges:        parseBadges(msg.Tags["badges"]),
		Emotes:        decodeEmotes(msg.Tags["emotes"], rawText, false),
		Timestamp:     parseTimestamp(msg.Tags["tmi-sent-ts"]),
	}, nil
}

func mapUserState(b base, msg *IRCMessage) (ServerMessage, error) {
	channelParam, ok := msg.Param(0)
	if !ok {
		return nil, &ServerMessageParseError{Command: "USERSTATE", Expected: "channel parameter", Found: "none"}
	}

	var emoteSets []string
	if es := msg.Tags["emote-sets"]; es != "" {
		emoteSets = strings.Split(es, ",")
	}

	return &UserStateMessage{
		base:         b,
		Channel:      NormalizeChannelLogin(channelParam),
		DisplayName:  msg.Tags["display-name"],
		Color:        msg.Tags["color"],
		Badges:       parseBadges(msg.Tags["badges"]),
		EmoteSets:    emoteSets,
		IsMod:        parseBool(msg.Tags["mod"]),
		IsSubscriber: parseBool(msg.Tags["subscriber"]),
	}, nil
}

func mapGlobalUserState(b base, msg *IRCMessage) (ServerMessage, error) {
	var emoteSets []string
	if es := msg.Tags["emote-sets"]; es != "" {
		emoteSets = strings.Split(es, ",")
	}
	return &GlobalUserStateMessage{
		base:        b,
		UserID:      msg.Tags["user-id"],
		DisplayName: msg.Tags["display-name"],
		Color:       msg.Tags["color"],
		Badges:      parseBadges(msg.Tags["badges"]),
		EmoteSets:   emoteSets,
	}, nil
}

func mapHostTarget(b base, msg *IRCMessage) (ServerMessage, error) {
	hostingChannel, ok := msg.Param(0)
	if !ok {
		return nil, &ServerMessageParseError{Command: "HOSTTARGET", Expected: "hosting channel parameter", Found: "none"}
	}
	trailing := msg.Trailing()
	fields := strings.Fields(trailing)
	ht := &HostTargetMessage{base: b, HostingChannel: NormalizeChannelLogin(hostingChannel)}
	if len(fields) > 0 && fields[0] != "-" {
		ht.TargetChannel = NormalizeChannelLogin(fields[0])
	}
	if len(fields) > 1 {
		ht.Viewers = parseInt(fields[1])
	}
	return ht, nil
}

func mapCap(b base, msg *IRCMessage) (ServerMessage, error) {
	sub, ok := msg.Param(1)
	if !ok {
		return nil, &ServerMessageParseError{Command: "CAP", Expected: "subcommand parameter", Found: "none"}
	}
	var caps []string
	if trailing := msg.Trailing(); trailing != "" {
		caps = strings.Fields(trailing)
	}
	return &CapMessage{base: b, Subcommand: sub, Capabilities: caps}, nil
}

const actionPrefix = "\x01ACTION "
const actionSuffix = "\x01"

// stripAction detects and removes the CTCP ACTION wrapper ("\x01ACTION
// text\x01") from a message body, as used for Twitch "/me" messages.
func stripAction(text string) (stripped string, isAction bool) {
	if strings.HasPrefix(text, actionPrefix) && strings.HasSuffix(text, actionSuffix) && len(text) >= len(actionPrefix)+len(actionSuffix) {
		return text[len(actionPrefix) : len(text)-len(actionSuffix)], true
	}
	return text, false
}

func parseBadges(s string) map[string]string {
	badges := make(map[string]string)
	if s == "" {
		return badges
	}
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		slash := strings.IndexByte(part, '/')
		if slash == -1 {
			badges[part] = ""
			continue
		}
		badges[part[:slash]] = part[slash+1:]
	}
	return badges
}

// decodeEmotes parses the "emotes" tag (format
// "id:start-end,start-end/id:start-end") whose ranges are expressed as
// UTF-16 code-unit offsets into rawText (the message as received,
// including any ACTION wrapper), and converts them into inclusive
// code-point ranges into the final, possibly ACTION-stripped, text.
// Twitch occasionally reports ranges that fall outside the message; per
// spec.md §4.2 these are dropped silently rather than causing a failure.
func decodeEmotes(tag, rawText string, isAction bool) []EmoteRange {
	if tag == "" {
		return nil
	}

	prefixRunes := 0
	strippedRuneLen := len([]rune(rawText))
	if isAction {
		stripped, _ := stripAction(rawText)
		prefixRunes = len([]rune(actionPrefix))
		strippedRuneLen = len([]rune(stripped))
	}

	var out []EmoteRange
	for _, part := range strings.Split(tag, "/") {
		if part == "" {
			continue
		}
		colon := strings.IndexByte(part, ':')
		if colon == -1 {
			continue
		}
		id := part[:colon]
		for _, posStr := range strings.Split(part[colon+1:], ",") {
			dash := strings.IndexByte(posStr, '-')
			if dash == -1 {
				continue
			}
			startU16, err1 := strconv.Atoi(posStr[:dash])
			endU16, err2 := strconv.Atoi(posStr[dash+1:])
			if err1 != nil || err2 != nil {
				continue
			}

			startRune, ok1 := utf16OffsetToRuneIndex(rawText, startU16)
			endRuneExclusive, ok2 := utf16OffsetToRuneIndex(rawText, endU16+1)
			if !ok1 || !ok2 {
				continue
			}

			adjStart := startRune - prefixRunes
			adjEndExclusive := endRuneExclusive - prefixRunes
			if adjStart < 0 || adjEndExclusive > strippedRuneLen || adjStart >= adjEndExclusive {
				continue
			}

			out = append(out, EmoteRange{ID: id, Start: adjStart, End: adjEndExclusive - 1})
		}
	}
	return out
}

// utf16OffsetToRuneIndex finds the rune index in s whose UTF-16 encoding
// begins at utf16Offset code units from the start of s. Returns false if
// utf16Offset does not land exactly on a rune boundary (e.g. splits a
// surrogate pair) or is out of range.
func utf16OffsetToRuneIndex(s string, utf16Offset int) (int, bool) {
	if utf16Offset < 0 {
		return 0, false
	}
	offset := 0
	i := 0
	for _, r := range s {
		if offset == utf16Offset {
			return i, true
		}
		offset += utf16.RuneLen(r)
		i++
	}
	if offset == utf16Offset {
		return i, true
	}
	return 0, false
}
