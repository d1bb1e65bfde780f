// Package chat is the Twitch IRC side of the relay.
//
// A Gateway joins the configured channels with a bot identity
// (go-twitch-irc), turns "!dat <command>" lines into calls on the
// relay registry, and implements relay.Sink so poll loops can post
// new records and successor guesses back into chat.
//
// Commands:
//   - bind <thread-url> [seconds]: follow a thread (broadcaster/moderator)
//   - unbind: stop following (broadcaster/moderator)
//   - next: rank candidate successor threads
//   - subject: show the current thread title
//   - status: show the binding for this channel
//   - help: list commands
//
// Lines longer than MaxMessageRunes are split; art posts are replaced by
// a short placeholder since IRC collapses their layout.
package chat
