// Package protocol defines the line-oriented text protocol spoken between the
// Prattle server and its clients: the slash-command grammar for inbound lines
// and the chat events fanned out to every connected user.  Every line is
// plain UTF-8 text terminated by a newline.
package protocol

import (
	"fmt"
	"strings"
)

// Kind identifies what a parsed line of client input asks the server to do.
type Kind int

const (
	// KindMessage is any line that is not a recognized slash command.
	// Unknown /commands and empty lines deliberately land here so that a
	// typo never disconnects anyone.
	KindMessage Kind = iota
	KindQuit
	KindHelp
	KindWho
	KindAction
)

// Command is one parsed line of client input.
type Command struct {
	Kind Kind
	// Text carries the message body for KindMessage and the action body for
	// KindAction.  It is empty for the other kinds.
	Text string
}

// Parse maps one newline-stripped line of client input to a Command.
//
// The line is trimmed of surrounding whitespace first.  Recognition is an
// exact, case-sensitive match for "/quit", "/help", and "/who", and the
// prefix "/action " (the trailing space is required; a bare "/action" is a
// plain message).  Everything else, including an empty line, parses to
// KindMessage with the trimmed text preserved as-is.
func Parse(input string) Command {
	trimmed := strings.TrimSpace(input)

	switch trimmed {
	case "/quit":
		return Command{Kind: KindQuit}
	case "/help":
		return Command{Kind: KindHelp}
	case "/who":
		return Command{Kind: KindWho}
	}

	if action, ok := strings.CutPrefix(trimmed, "/action "); ok {
		return Command{Kind: KindAction, Text: action}
	}
	return Command{Kind: KindMessage, Text: trimmed}
}

// HelpText is the response to /help, written verbatim to the requesting
// client.  It is surrounded by blank lines so it stands out in a scrolling
// transcript.
const HelpText = "\n" +
	"/quit             Leave the server\n" +
	"/help             Show this message\n" +
	"/who              List online users\n" +
	"/action <action>  Broadcast an action, e.g. /action waves\n" +
	"\n" +
	"[anything else]   Send a regular message\n" +
	"\n"

// ---------------------------------------------------------------------------
// Fixed wire lines
// ---------------------------------------------------------------------------

// UsernamePrompt is written, with no trailing newline, whenever the server
// asks for a username.  Clients detect the missing terminator to know the
// server is waiting on them.
const UsernamePrompt = "Choose a username: "

// Join-phase rejection lines.
const (
	NameEmptyLine   = "Username cannot be empty"
	NameTakenLine   = "Username taken"
	NameInvalidLine = "Invalid username"
)

// ShutdownNotice and GoodbyeLine are each the last line a client receives,
// for a server-initiated and a client-initiated close respectively.
const (
	ShutdownNotice = "Server is shutting down"
	GoodbyeLine    = "Goodbye for now!"
)

// WelcomeLine greets a freshly joined user.
func WelcomeLine(user string) string {
	return "Hi " + user + ", welcome to Prattle! (Send /help for help)"
}

// OnlineLine renders the /who response.
func OnlineLine(users []string) string {
	return "Currently online: " + strings.Join(users, ", ")
}

// LagWarning tells a slow reader how many events were dropped for it.
func LagWarning(missed uint64) string {
	return fmt.Sprintf("Warning: you missed %d message(s)", missed)
}

// ---------------------------------------------------------------------------
// Chat events
// ---------------------------------------------------------------------------

// EventKind tags a chat event.
type EventKind int

const (
	EventJoined EventKind = iota
	EventLeft
	EventMessage
	EventAction
)

// Event is one immutable chat event published on the broadcast bus.  Sessions
// render events to their own clients with Line; the bus itself never looks
// inside them.
type Event struct {
	Kind EventKind
	User string
	// Text is the message body for EventMessage and the action body for
	// EventAction.  It is empty for joins and leaves.
	Text string
}

// Joined builds the event announcing that user entered the server.
func Joined(user string) Event { return Event{Kind: EventJoined, User: user} }

// Left builds the event announcing that user left the server.
func Left(user string) Event { return Event{Kind: EventLeft, User: user} }

// Message builds a plain chat message event from user.
func Message(user, text string) Event {
	return Event{Kind: EventMessage, User: user, Text: text}
}

// Action builds a /action event from user.
func Action(user, text string) Event {
	return Event{Kind: EventAction, User: user, Text: text}
}

// Line renders the event exactly as it is written to clients, without the
// trailing newline.
func (e Event) Line() string {
	switch e.Kind {
	case EventJoined:
		return "* " + e.User + " joined the server"
	case EventLeft:
		return "* " + e.User + " left the server"
	case EventAction:
		return "* " + e.User + " " + e.Text
	default:
		return e.User + ": " + e.Text
	}
}
