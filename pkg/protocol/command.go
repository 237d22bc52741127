package protocol

import (
	"strconv"
	"strings"
)

// CommandKind identifies which router pattern a message matched
type CommandKind int

const (
	KindBroadcast CommandKind = iota
	KindList
	KindPrivate
	KindPrivateMalformed
	KindSendFile
	KindSendFileUsage
	KindSendFileSize
	KindQuit
	KindAcceptFile
	KindRejectFile
)

func (k CommandKind) String() string {
	switch k {
	case KindBroadcast:
		return "broadcast"
	case KindList:
		return "list"
	case KindPrivate:
		return "private"
	case KindPrivateMalformed:
		return "private_malformed"
	case KindSendFile:
		return "sendfile"
	case KindSendFileUsage:
		return "sendfile_usage"
	case KindSendFileSize:
		return "sendfile_size"
	case KindQuit:
		return "quit"
	case KindAcceptFile:
		return "accept_file"
	case KindRejectFile:
		return "reject_file"
	default:
		return "unknown"
	}
}

// Command is a parsed client message
type Command struct {
	Kind     CommandKind
	Target   string // private target or file recipient
	Text     string // private body or broadcast text
	Filename string
	Size     int64
}

// ParseCommand classifies a trimmed message. Patterns are tried in order
// and the first match wins: an "@" message is never a broadcast and a
// "/sendfile" message is never plain text, even when malformed.
func ParseCommand(msg string) Command {
	switch {
	case msg == CmdList:
		return Command{Kind: KindList}

	case strings.HasPrefix(msg, PrivatePrefix):
		space := strings.IndexByte(msg[1:], ' ')
		if space < 0 {
			return Command{Kind: KindPrivateMalformed}
		}
		target := msg[1 : 1+space]
		text := msg[2+space:]
		if text == "" {
			return Command{Kind: KindPrivateMalformed}
		}
		return Command{Kind: KindPrivate, Target: target, Text: text}

	case strings.HasPrefix(msg, CmdSendFile):
		return parseSendFile(msg)

	case msg == CmdQuit:
		return Command{Kind: KindQuit}

	case msg == CmdAcceptFile:
		return Command{Kind: KindAcceptFile}

	case msg == CmdRejectFile:
		return Command{Kind: KindRejectFile}
	}

	return Command{Kind: KindBroadcast, Text: msg}
}

func parseSendFile(msg string) Command {
	parts := strings.Split(msg, " ")
	if len(parts) < 4 {
		return Command{Kind: KindSendFileUsage}
	}
	size, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Command{Kind: KindSendFileUsage}
	}
	cmd := Command{Kind: KindSendFile, Target: parts[1], Filename: parts[2], Size: size}
	if size <= 0 || size > MaxFileSize {
		cmd.Kind = KindSendFileSize
	}
	return cmd
}

// FileDataNotice is the parsed form of a /file_data ready notice
type FileDataNotice struct {
	Sender   string
	Filename string
	Size     int64
}

// ParseFileData parses "/file_data <sender> <filename> <size>".
func ParseFileData(msg string) (FileDataNotice, bool) {
	if !strings.HasPrefix(msg, CmdFileData) {
		return FileDataNotice{}, false
	}
	parts := strings.Split(msg, " ")
	if len(parts) < 4 {
		return FileDataNotice{}, false
	}
	size, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil || size <= 0 {
		return FileDataNotice{}, false
	}
	return FileDataNotice{Sender: parts[1], Filename: parts[2], Size: size}, true
}
