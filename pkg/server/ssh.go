package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshServerVersion is announced during the SSH handshake
const sshServerVersion = "SSH-2.0-NetChat"

const sshHandshakeTimeout = 30 * time.Second

// startSSHServer starts the SSH acceptor when ssh_port is set
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		log.Printf("SSH server disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	hostKey, err := ensureHostKey(s.config.SSHHostKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	addr := fmt.Sprintf(":%d", s.config.SSHPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	log.Printf("SSH server listening on %s (host key %s)", addr, ssh.FingerprintSHA256(hostKey.PublicKey()))
	s.serveSSH(listener, newSSHConfig(hostKey))
	return nil
}

// newSSHConfig builds the server config. SSH is only a transport here: the
// handle is still claimed in-band as the first message, so any client that
// completes the handshake gets a session.
func newSSHConfig(hostKey ssh.Signer) *ssh.ServerConfig {
	config := &ssh.ServerConfig{
		NoClientAuth:  true,
		ServerVersion: sshServerVersion,
	}
	config.AddHostKey(hostKey)
	return config
}

func (s *Server) serveSSH(listener net.Listener, config *ssh.ServerConfig) {
	s.sshListener = listener
	s.wg.Add(1)
	go s.acceptLoop(listener, "SSH", func(conn net.Conn) {
		s.wg.Add(1)
		go s.serveSSHConn(conn, config)
	})
}

// serveSSHConn runs one chat session per "session" channel the client opens
func (s *Server) serveSSHConn(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(sshHandshakeTimeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		debugLog.Printf("SSH handshake failed from %s: %v", conn.RemoteAddr(), err)
		return
	}
	conn.SetDeadline(time.Time{})
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	// Closing the transport on shutdown ends the channel loop
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shutdown:
			sshConn.Close()
		case <-done:
		}
	}()

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "netchat only serves session channels")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Printf("SSH channel from %s: %v", sshConn.RemoteAddr(), err)
			continue
		}
		go acceptTerminalRequests(requests)

		s.serve(&sshStream{Channel: channel, conn: sshConn}, "ssh")
	}
}

// acceptTerminalRequests says yes to what terminal clients ask for before
// they start typing, and no to everything else (exec, subsystems).
func acceptTerminalRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		ok := false
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			ok = true
		}
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

// sshStream presents a session channel as the net.Conn a Session reads.
// Channels have no deadlines; the SSH connection is closed instead.
type sshStream struct {
	ssh.Channel
	conn ssh.Conn
}

func (c *sshStream) LocalAddr() net.Addr              { return c.conn.LocalAddr() }
func (c *sshStream) RemoteAddr() net.Addr             { return c.conn.RemoteAddr() }
func (c *sshStream) SetDeadline(time.Time) error      { return nil }
func (c *sshStream) SetReadDeadline(time.Time) error  { return nil }
func (c *sshStream) SetWriteDeadline(time.Time) error { return nil }

// ensureHostKey reads the ed25519 host key at path, creating it on first
// start so the fingerprint stays stable across restarts.
func ensureHostKey(path string) (ssh.Signer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ssh host key path is empty; set [server].ssh_host_key or remove it to use the default (%s)", DefaultConfig().SSHHostKeyPath)
	}
	keyPath, err := expandHome(path)
	if err != nil {
		return nil, err
	}

	pemBytes, err := os.ReadFile(keyPath)
	switch {
	case err == nil:
		signer, err := ssh.ParsePrivateKey(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key %s: %w", keyPath, err)
		}
		return signer, nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	block, err := ssh.MarshalPrivateKey(priv, "netchat host key")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", filepath.Dir(keyPath), err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("failed to write host key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, err
	}
	log.Printf("Generated SSH host key %s at %s", ssh.FingerprintSHA256(signer.PublicKey()), keyPath)
	return signer, nil
}
