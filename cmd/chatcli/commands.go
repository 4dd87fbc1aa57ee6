package main

import (
	"errors"
	"strings"
)

type command struct {
	name string
	args []string
	text string
}

var errUsage = errors.New("usage")

// argCounts is the minimum number of arguments per command.
var argCounts = map[string]int{
	"open":       1,
	"close":      0,
	"img":        1,
	"read":       0,
	"clear":      0,
	"edit":       2,
	"log":        0,
	"unread":     0,
	"online":     0,
	"pending":    0,
	"typing":     0,
	"connect":    0,
	"disconnect": 0,
	"help":       0,
	"quit":       0,
}

// parseCommand splits "/name arg rest of text". Input without a leading
// slash is a message for the open conversation.
func parseCommand(input string) (command, error) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return command{name: "say", text: input}, nil
	}

	fields := strings.Fields(input[1:])
	if len(fields) == 0 {
		return command{}, errUsage
	}
	name := fields[0]
	want, ok := argCounts[name]
	if !ok {
		return command{}, errors.New("unknown command /" + name)
	}
	args := fields[1:]
	if len(args) < want {
		return command{}, errUsage
	}

	cmd := command{name: name, args: args}
	if name == "edit" {
		// everything after the id is the new content
		cmd.text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(input[len("/edit"):]), args[0]))
	}
	return cmd, nil
}

const helpText = `Commands:
  <text>               send to the open conversation
  /open <user>         open a conversation
  /close               close the open conversation
  /img <media_ref>     send an image reference
  /read                mark the open conversation read
  /clear               clear the open conversation for you
  /edit <id> <text>    edit one of your messages
  /log                 print the open conversation
  /unread              print unread counters
  /online              print who is online
  /pending             print sends waiting for an ack
  /typing              tell the other side you are typing
  /connect /disconnect toggle the socket
  /quit                exit`
