package client

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aeolun/netchat/pkg/transport"
)

const (
	defaultTCPPort  = "5000"
	defaultSSHPort  = "2222"
	defaultHTTPPort = "8080"

	dialTimeout = 3 * time.Second
)

type dialConfig struct {
	display  string // Display address with scheme
	raw      string // Raw host:port without scheme
	connType string // "tcp", "ssh" or "websocket"
	dial     func() (net.Conn, error)
	warning  string
}

// parseServerAddress turns "host[:port]", "tcp://", "ssh://[user@]" or
// "ws(s)://" addresses into a dialer.
func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		if u.User != nil {
			user = u.User.Username()
		}
		hostPort = u.Host
		if hostPort == "" {
			hostPort = strings.TrimPrefix(u.Path, "//")
		}
	}

	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display:  address,
			raw:      address,
			connType: "tcp",
			dial: func() (net.Conn, error) {
				return net.DialTimeout("tcp", address, dialTimeout)
			},
		}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return nil, err
		}
		if user == "" {
			user = defaultSSHUser()
		}
		trust := newHostTrust(knownHostsPath())
		if isInteractive() {
			trust.confirm = func(hostname, fingerprint string) bool {
				return confirmHostKey(os.Stdin, os.Stdout, hostname, fingerprint, trust.path)
			}
		}
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display:  fmt.Sprintf("ssh://%s@%s", user, address),
			raw:      fmt.Sprintf("%s@%s", user, address),
			connType: "ssh",
			dial: func() (net.Conn, error) {
				return dialSSH(user, address, trust)
			},
			warning: trust.warning(),
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultHTTPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		useTLS := scheme == "wss"
		return &dialConfig{
			display:  fmt.Sprintf("%s://%s", scheme, address),
			raw:      address,
			connType: "websocket",
			dial: func() (net.Conn, error) {
				return transport.DialWebSocket(address, useTLS)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]")
		return host, defaultPort, nil
	}
	return "", "", err
}

// hostOnly strips scheme, user and port from an address.
func hostOnly(addr string) string {
	if strings.Contains(addr, "://") {
		if u, err := url.Parse(addr); err == nil {
			return u.Hostname()
		}
	}
	if at := strings.LastIndexByte(addr, '@'); at >= 0 {
		addr = addr[at+1:]
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
