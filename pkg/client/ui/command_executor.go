package ui

import (
	"strings"
)

type actionKind int

const (
	actionNone actionKind = iota
	actionSend
	actionSendFile
	actionFiles
	actionHelp
	actionClear
	actionQuit
	actionInvalid
)

const sendFileUsage = "Usage: /sendfile <username> <filepath>"

// inputAction is the parsed form of one submitted input line
type inputAction struct {
	kind      actionKind
	text      string
	recipient string
	path      string
}

// helpLines is shown by /help
var helpLines = []string{
	"Commands:",
	"  message              send to everyone",
	"  @user message        private message",
	"  /list                list online users",
	"  /sendfile user path  send a file (max 10MB)",
	"  /files               show recently received files",
	"  /clear               clear the screen",
	"  /quit                leave the chat",
}

// parseInput classifies an input line. Anything that is not a local
// command is sent to the server unchanged.
func parseInput(input string) inputAction {
	line := strings.TrimSpace(input)
	if line == "" {
		return inputAction{kind: actionNone}
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return inputAction{kind: actionQuit}
	case "/help":
		return inputAction{kind: actionHelp}
	case "/clear":
		return inputAction{kind: actionClear}
	case "/files":
		return inputAction{kind: actionFiles}
	case "/sendfile":
		if len(fields) < 3 {
			return inputAction{kind: actionInvalid, text: sendFileUsage}
		}
		// The path may contain spaces
		rest := strings.TrimSpace(strings.TrimPrefix(line, "/sendfile"))
		rest = strings.TrimSpace(strings.TrimPrefix(rest, fields[1]))
		return inputAction{kind: actionSendFile, recipient: fields[1], path: rest}
	}
	return inputAction{kind: actionSend, text: line}
}
