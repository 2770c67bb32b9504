// Package config loads and validates the YAML configuration that describes
// every listener this process should run, translating it into the
// ProtocolParams the core dataplane consumes.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects one of the three acceptance flows a listener can run.
type Mode int

const (
	// ModeSimpleClient terminates a local plaintext client and obfuscates
	// onto the wire toward TargetAddr.
	ModeSimpleClient Mode = iota
	// ModeSimpleServer terminates an obfuscated remote peer and relays
	// plaintext toward TargetAddr.
	ModeSimpleServer
	// ModeSocksClient terminates a local SOCKS client, learns the target
	// address from the SOCKS handshake, and obfuscates onto the wire.
	ModeSocksClient
)

func (m Mode) String() string {
	switch m {
	case ModeSimpleClient:
		return "simple-client"
	case ModeSimpleServer:
		return "simple-server"
	case ModeSocksClient:
		return "socks-client"
	default:
		return "unknown"
	}
}

func parseMode(s string) (Mode, error) {
	switch s {
	case "simple-client":
		return ModeSimpleClient, nil
	case "simple-server":
		return ModeSimpleServer, nil
	case "socks-client":
		return ModeSocksClient, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want simple-client, simple-server, or socks-client)", s)
	}
}

// ProtocolParams is the immutable-after-load configuration for one listener.
// Ownership of a *ProtocolParams transfers to a *listener.Listener on
// successful bind.
type ProtocolParams struct {
	Mode       Mode
	ListenAddr string
	TargetAddr string // empty for ModeSocksClient
	Protocol   string
	Key        []byte
}

// proxyEntry is the on-disk YAML shape for one listener.
type proxyEntry struct {
	Mode     string `yaml:"mode"`
	Listen   string `yaml:"listen"`
	Target   string `yaml:"target"`
	Protocol string `yaml:"protocol"`
	Key      string `yaml:"key"` // hex-encoded
}

// Config is the top-level YAML configuration.
type Config struct {
	Proxies []proxyEntry `yaml:"proxies"`
}

// LoadConfig reads and validates the YAML configuration file at path,
// returning one ProtocolParams per configured listener.
func LoadConfig(path string) ([]*ProtocolParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Proxies) == 0 {
		return nil, fmt.Errorf("config: at least one proxy entry is required")
	}

	seenListen := make(map[string]struct{}, len(cfg.Proxies))
	out := make([]*ProtocolParams, 0, len(cfg.Proxies))

	for i, p := range cfg.Proxies {
		mode, err := parseMode(p.Mode)
		if err != nil {
			return nil, fmt.Errorf("config: proxies[%d]: %w", i, err)
		}

		if err := validateAddr(p.Listen); err != nil {
			return nil, fmt.Errorf("config: proxies[%d]: listen: %w", i, err)
		}
		if _, ok := seenListen[p.Listen]; ok {
			return nil, fmt.Errorf("config: proxies[%d]: duplicate listen address %q", i, p.Listen)
		}
		seenListen[p.Listen] = struct{}{}

		if mode != ModeSocksClient {
			if err := validateAddr(p.Target); err != nil {
				return nil, fmt.Errorf("config: proxies[%d]: target: %w", i, err)
			}
		} else if p.Target != "" {
			return nil, fmt.Errorf("config: proxies[%d]: target must be empty for socks-client mode", i)
		}

		if p.Protocol == "" {
			return nil, fmt.Errorf("config: proxies[%d]: protocol is required", i)
		}

		var key []byte
		if p.Key != "" {
			key, err = hex.DecodeString(p.Key)
			if err != nil {
				return nil, fmt.Errorf("config: proxies[%d]: key must be hex-encoded: %w", i, err)
			}
		}

		out = append(out, &ProtocolParams{
			Mode:       mode,
			ListenAddr: p.Listen,
			TargetAddr: p.Target,
			Protocol:   p.Protocol,
			Key:        key,
		})
	}

	return out, nil
}

// validateAddr checks that addr is a host:port pair with a non-empty port.
// The port string itself is not checked to be numeric.
func validateAddr(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if port == "" {
		return fmt.Errorf("invalid address %q: missing port", addr)
	}
	if host != "" && net.ParseIP(host) == nil {
		// Bare hostnames are allowed for target addresses (resolved later);
		// only reject strings that look like a malformed IP literal, e.g.
		// a bracketed IPv6 address with a typo.
		if strings.Contains(host, ":") || strings.ContainsAny(host, "[]") {
			return fmt.Errorf("invalid address %q: malformed IPv6 literal", addr)
		}
	}
	return nil
}
