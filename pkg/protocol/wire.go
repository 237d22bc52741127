package protocol

import (
	"fmt"
	"strings"
)

const (
	// MaxFileSize is the largest payload a single relay may carry (10 MiB)
	MaxFileSize = 10 * 1024 * 1024

	// ChunkSize is the unit the relay reads from the sender and writes to the recipient
	ChunkSize = 8192

	// MaxHandleLength is the longest accepted handle
	MaxHandleLength = 20

	// NoUsersOnline is the list reply used when the directory is empty
	NoUsersOnline = "No users online"
)

// Commands recognized by the router. Prefix matching is done in ParseCommand.
const (
	CmdList       = "/list"
	CmdQuit       = "/quit"
	CmdSendFile   = "/sendfile"
	CmdAcceptFile = "/accept_file"
	CmdRejectFile = "/reject_file"
	CmdFileOffer  = "/file_offer"
	CmdFileData   = "/file_data"
	PrivatePrefix = "@"
)

// Server replies
const (
	// ErrorPrefix starts every error reply
	ErrorPrefix = "ERROR:"

	InvalidUsernameText    = "ERROR: Invalid username. Use only alphanumeric, _, and -"
	InvalidPrivateFormat   = "ERROR: Invalid format. Use: @username message"
	SendFileUsage          = "Usage: /sendfile <username> <filename> <file_size>"
	InvalidFileSizeText    = "ERROR: Invalid file size (max 10MB)"
	TransferCompleteText   = "[FILE] ✓ Transfer complete!"
	TransferFailedText     = "ERROR: File transfer failed"
	RateLimitExceededText  = "ERROR: Rate limit exceeded, slow down"
	MessageTooLongText     = "ERROR: Message too long"
	ServerShuttingDownText = "Server shutting down"
)

// UsernameTaken is sent when a handle is already registered.
func UsernameTaken(handle string) string {
	return "ERROR: Username '" + handle + "' is already taken"
}

// Welcome is the first line a freshly registered session receives.
func Welcome(handle string) string {
	return "Welcome " + handle + "! Type /list, /quit, @user msg, /sendfile user file"
}

// JoinNotice is broadcast to everyone else when a handle registers.
func JoinNotice(handle string) string {
	return handle + " joined the chat!"
}

// LeaveNotice is broadcast when an active session ends.
func LeaveNotice(handle string) string {
	return handle + " left the chat"
}

// ActiveUsers formats the /list reply. An empty slice yields NoUsersOnline.
func ActiveUsers(handles []string) string {
	if len(handles) == 0 {
		return NoUsersOnline
	}
	return "Active users: " + strings.Join(handles, ", ")
}

// PrivateToRecipient is the copy of a private message its recipient sees.
func PrivateToRecipient(from, text string) string {
	return "[PRIVATE] " + from + " -> You: " + text
}

// PrivateToSender echoes a delivered private message back to its author.
func PrivateToSender(to, text string) string {
	return "[PRIVATE] You -> " + to + ": " + text
}

// UserNotFound answers a private message to an unknown handle.
func UserNotFound(handle string) string {
	return "ERROR: User '" + handle + "' not found or offline"
}

// UserNotOnline answers /sendfile to an unknown handle.
func UserNotOnline(handle string) string {
	return "ERROR: User '" + handle + "' is not online"
}

// TransferRejected is sent to both sides of a declined or unanswered offer.
func TransferRejected(recipient string) string {
	return "ERROR: File transfer rejected by '" + recipient + "'"
}

// RecipientBusy is sent when the recipient already has an unanswered offer.
func RecipientBusy(handle string) string {
	return "ERROR: User '" + handle + "' has a pending transfer"
}

// Broadcast is a chat line as other users see it.
func Broadcast(handle, text string) string {
	return handle + ": " + text
}

// Goodbye is the last line a session receives after /quit.
func Goodbye(handle string) string {
	return "Goodbye " + handle + "!"
}

// FileOffer is the notice the recipient gets before a relay starts.
func FileOffer(sender, filename string, size int64) string {
	return fmt.Sprintf("%s from %s (%s, %s) - Accept? (y/n)", CmdFileOffer, sender, filename, FormatFileSize(size))
}

// FileData is the ready notice; exactly size raw bytes follow it on the wire.
func FileData(sender, filename string, size int64) string {
	return fmt.Sprintf("%s %s %s %d", CmdFileData, sender, filename, size)
}

// SendFileRequest is what a client sends to start a relay.
func SendFileRequest(recipient, filename string, size int64) string {
	return fmt.Sprintf("%s %s %s %d", CmdSendFile, recipient, filename, size)
}

// FormatFileSize renders a byte count the way offers display it:
// "512 B", "1.5 KB", "3.0 MB".
func FormatFileSize(size int64) string {
	switch {
	case size < 1024:
		return fmt.Sprintf("%d B", size)
	case size < 1024*1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024.0)
	default:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024.0*1024.0))
	}
}

// ValidHandle reports whether h is 1-20 characters of [A-Za-z0-9_-].
func ValidHandle(h string) bool {
	if len(h) == 0 || len(h) > MaxHandleLength {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

// IsError reports whether a server reply is an error line.
func IsError(msg string) bool {
	return strings.HasPrefix(msg, ErrorPrefix)
}

// Trim strips surrounding spaces and line terminators from a received message.
func Trim(s string) string {
	return strings.Trim(s, " \r\n")
}
