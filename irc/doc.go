// Package irc implements a Twitch chat client over IRCv3: wire-level
// message parsing (Parse/Stringify), a typed mapping of inbound
// commands onto ServerMessage variants, a single-socket Connection,
// a Pool that multiplexes an arbitrary number of channels across as
// many underlying Connections as needed, and a Client façade for
// programs that would rather register handlers than drain a channel.
package irc
