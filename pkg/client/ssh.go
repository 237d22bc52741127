package client

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// serverBannerPrefix is how a NetChat SSH acceptor identifies itself
const serverBannerPrefix = "SSH-2.0-NetChat"

var (
	ErrHostKeyUntrusted = errors.New("ssh host key not trusted")
	ErrHostKeyRejected  = errors.New("ssh host key rejected")
	ErrHostKeyChanged   = errors.New("ssh host key changed")
	ErrNotNetChat       = errors.New("not a netchat server")
)

// hostTrust checks SSH host keys against a single known_hosts file. An
// unknown key is put to confirm and, once the handshake shows a NetChat
// banner, appended to the file.
type hostTrust struct {
	path string

	// confirm asks the user about an unknown key; nil refuses it
	confirm func(hostname, fingerprint string) bool

	mu      sync.Mutex
	pending map[string]ssh.PublicKey
}

func newHostTrust(path string) *hostTrust {
	return &hostTrust{path: path, pending: make(map[string]ssh.PublicKey)}
}

func (h *hostTrust) warning() string {
	if _, err := os.Stat(h.path); err != nil {
		return fmt.Sprintf("no known_hosts at %s; new SSH host keys must be confirmed by hand", h.path)
	}
	return ""
}

// check is an ssh.HostKeyCallback
func (h *hostTrust) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	known, err := knownhosts.New(h.path)
	switch {
	case err == nil:
		err = known(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("%w: %s presented %s but %s:%d has %s",
				ErrHostKeyChanged, hostname, ssh.FingerprintSHA256(key),
				keyErr.Want[0].Filename, keyErr.Want[0].Line, ssh.FingerprintSHA256(keyErr.Want[0].Key))
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("reading %s: %w", h.path, err)
	}

	fingerprint := ssh.FingerprintSHA256(key)
	h.mu.Lock()
	prev, ok := h.pending[hostname]
	h.mu.Unlock()
	if ok && bytes.Equal(prev.Marshal(), key.Marshal()) {
		return nil
	}

	if h.confirm == nil {
		return fmt.Errorf("%w: %s (%s); add it to %s or connect from a terminal", ErrHostKeyUntrusted, hostname, fingerprint, h.path)
	}
	if !h.confirm(hostname, fingerprint) {
		return fmt.Errorf("%w: %s", ErrHostKeyRejected, hostname)
	}

	h.mu.Lock()
	h.pending[hostname] = key
	h.mu.Unlock()
	return nil
}

// commit writes the keys confirmed during this dial to known_hosts
func (h *hostTrust) commit(banner string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for hostname, key := range h.pending {
		if err := appendKnownHost(h.path, hostname, banner, key, time.Now()); err != nil {
			return err
		}
		delete(h.pending, hostname)
	}
	return nil
}

// dialSSH opens a session channel to a NetChat SSH acceptor. The server
// does not authenticate SSH users; the chat handle is claimed in-band.
func dialSSH(user, address string, trust *hostTrust) (net.Conn, error) {
	client, err := ssh.Dial("tcp", address, &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: trust.check,
		Timeout:         dialTimeout,
	})
	if err != nil {
		return nil, err
	}

	banner := string(client.ServerVersion())
	if !strings.HasPrefix(banner, serverBannerPrefix) {
		client.Close()
		return nil, fmt.Errorf("%w: %s announced %q", ErrNotNetChat, address, banner)
	}
	if err := trust.commit(banner); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not save SSH host key: %v\n", err)
	}

	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	go ssh.DiscardRequests(requests)

	return &sshConn{Channel: channel, client: client}, nil
}

// sshConn is a session channel used as the chat connection. SSH channels
// have no deadlines.
type sshConn struct {
	ssh.Channel
	client *ssh.Client
	once   sync.Once
}

func (c *sshConn) Close() error {
	var err error
	c.once.Do(func() {
		c.Channel.Close()
		err = c.client.Close()
	})
	return err
}

func (c *sshConn) LocalAddr() net.Addr              { return c.client.LocalAddr() }
func (c *sshConn) RemoteAddr() net.Addr             { return c.client.RemoteAddr() }
func (c *sshConn) SetDeadline(time.Time) error      { return nil }
func (c *sshConn) SetReadDeadline(time.Time) error  { return nil }
func (c *sshConn) SetWriteDeadline(time.Time) error { return nil }

func defaultSSHUser() string {
	for _, env := range []string{"NETCHAT_SSH_USER", "USER", "USERNAME"} {
		if user := os.Getenv(env); user != "" {
			return user
		}
	}
	return "anonymous"
}

// knownHostsPath is $NETCHAT_KNOWN_HOSTS or ~/.ssh/known_hosts
func knownHostsPath() string {
	if path := os.Getenv("NETCHAT_KNOWN_HOSTS"); path != "" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "known_hosts"
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func isInteractive() bool {
	info, err := os.Stdin.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

func confirmHostKey(in io.Reader, out io.Writer, hostname, fingerprint, path string) bool {
	fmt.Fprintf(out, "\nUnknown SSH host %s\nKey fingerprint: %s\n", hostname, fingerprint)
	fmt.Fprintf(out, "Trust it and add it to %s? (yes/no) [no]: ", path)

	answer, _ := bufio.NewReader(in).ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "yes" || answer == "y"
}

func appendKnownHost(path, hostname, banner string, key ssh.PublicKey, at time.Time) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	_, err = fmt.Fprintf(f, "%s %s added=%s\n", line, banner, at.Format(time.RFC3339))
	return err
}
