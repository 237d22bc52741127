package client

import (
	"log"
	"net"
	"strings"
)

// ResolveConnectionMethod prefixes a scheme-less address with the scheme
// that last worked for that server, so a client that fell back to
// WebSocket goes straight there next time.
func ResolveConnectionMethod(address string, state StateInterface, logger *log.Logger) string {
	if strings.Contains(address, "://") || state == nil {
		return address
	}

	for _, candidate := range buildLookupAddresses(address) {
		method, err := state.GetLastSuccessfulMethod(candidate)
		if err != nil || method == "" {
			continue
		}
		if logger != nil {
			logger.Printf("Found connection history for %s: %s", candidate, method)
		}
		switch method {
		case "ssh":
			return "ssh://" + address
		case "ws", "websocket":
			return "ws://" + webSocketAddress(address)
		case "wss":
			return "wss://" + webSocketAddress(address)
		default:
			return address
		}
	}
	return address
}

// webSocketAddress drops the chat TCP port, which a WebSocket fallback
// never used.
func webSocketAddress(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err == nil && port == defaultTCPPort {
		return host
	}
	return address
}

// buildLookupAddresses lists the history keys an address may have been
// stored under: itself first, then the bare host and the default ports.
func buildLookupAddresses(address string) []string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return []string{
			address,
			net.JoinHostPort(address, defaultTCPPort),
			net.JoinHostPort(address, defaultHTTPPort),
		}
	}

	switch port {
	case defaultTCPPort:
		return []string{address, host, net.JoinHostPort(host, defaultHTTPPort)}
	case defaultHTTPPort:
		return []string{address, host, net.JoinHostPort(host, defaultTCPPort)}
	default:
		return []string{
			address,
			host,
			net.JoinHostPort(host, defaultHTTPPort),
			net.JoinHostPort(host, defaultTCPPort),
		}
	}
}

// historyKey is the address a successful connection is remembered under
func historyKey(c *Connection) string {
	raw := c.GetRawAddress()
	if at := strings.LastIndexByte(raw, '@'); at >= 0 {
		raw = raw[at+1:]
	}
	return raw
}

// historyMethod is the scheme name stored for a connection
func historyMethod(c *Connection) string {
	switch c.GetConnectionType() {
	case "websocket":
		if strings.HasPrefix(c.GetAddress(), "wss://") {
			return "wss"
		}
		return "ws"
	default:
		return c.GetConnectionType()
	}
}

// RememberConnection stores how c reached its server
func RememberConnection(state StateInterface, c *Connection) error {
	return state.SaveSuccessfulConnection(historyKey(c), historyMethod(c))
}
