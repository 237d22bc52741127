package protocol

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// UsersDir is the root under which clients keep received files
const UsersDir = "Users"

// Extension returns the part of filename from its last '.' (inclusive),
// or "" when there is none. "a.b.tar.gz" yields ".gz".
func Extension(filename string) string {
	dot := strings.LastIndexByte(filename, '.')
	if dot < 0 {
		return ""
	}
	return filename[dot:]
}

// UserDir is the directory a client running as handle saves into.
func UserDir(root, handle string) string {
	if root == "" {
		root = UsersDir
	}
	return filepath.Join(root, handle)
}

// SavePath derives where a received file is written:
// <dir>/from_<sender>_<unix-timestamp><extension>.
func SavePath(dir, sender, filename string, at time.Time) string {
	name := "from_" + sender + "_" + strconv.FormatInt(at.Unix(), 10) + Extension(filename)
	return dir + "/" + name
}
