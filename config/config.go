// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package config loads and validates the YAML server configuration. The
// connection plane itself is schema-agnostic: these types only
// parameterise it.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"slipway.dev/network"
)

type Config struct {
	Admin     *Admin     `yaml:"admin"`
	Listeners []Listener `yaml:"listeners"`
	Clusters  []Cluster  `yaml:"clusters"`

	StatsFlushIntervalMs int `yaml:"stats_flush_interval_ms"`
}

type Admin struct {
	Address string `yaml:"address"`
}

type Listener struct {
	Address string   `yaml:"address"` // tcp://ip:port
	Filters []Filter `yaml:"filters"`

	SSLContext *SSLContext `yaml:"ssl_context"`

	BindToPort                    *bool `yaml:"bind_to_port"`
	UseProxyProto                 bool  `yaml:"use_proxy_proto"`
	UseOriginalDst                bool  `yaml:"use_original_dst"`
	PerConnectionBufferLimitBytes int   `yaml:"per_connection_buffer_limit_bytes"`
}

// Options translates the listener block into the network-level record.
func (l *Listener) Options() network.ListenerOptions {
	bind := true
	if l.BindToPort != nil {
		bind = *l.BindToPort
	}
	return network.ListenerOptions{
		BindToPort:                    bind,
		UseProxyProto:                 l.UseProxyProto,
		UseOriginalDst:                l.UseOriginalDst,
		PerConnectionBufferLimitBytes: l.PerConnectionBufferLimitBytes,
	}
}

type Filter struct {
	Name   string         `yaml:"name"`
	Config map[string]any `yaml:"config"`
}

type SSLContext struct {
	CertChainFile  string `yaml:"cert_chain_file"`
	PrivateKeyFile string `yaml:"private_key_file"`
	CACertFile     string `yaml:"ca_cert_file"`
	ALPNProtocols  string `yaml:"alpn_protocols"`
	CipherSuites   string `yaml:"cipher_suites"`
}

type Cluster struct {
	Name             string   `yaml:"name"`
	ConnectTimeoutMs int      `yaml:"connect_timeout_ms"`
	Hosts            []string `yaml:"hosts"` // tcp://ip:port

	MaxConnections           uint64 `yaml:"max_connections"`
	MaxPendingRequests       uint64 `yaml:"max_pending_requests"`
	MaxRequestsPerConnection uint64 `yaml:"max_requests_per_connection"`
}

func (c *Cluster) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := new(Config)
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the server would fail to start with.
// Filter names are checked by the caller against its registry.
func (cfg *Config) Validate() error {
	if len(cfg.Listeners) == 0 {
		return fmt.Errorf("no listeners configured")
	}
	for i, l := range cfg.Listeners {
		if _, err := network.ParseTCPAddress(l.Address); err != nil {
			return fmt.Errorf("listener %d: %w", i, err)
		}
		if len(l.Filters) == 0 {
			return fmt.Errorf("listener %d (%s): no filters configured", i, l.Address)
		}
		if sc := l.SSLContext; sc != nil {
			if sc.CertChainFile == "" || sc.PrivateKeyFile == "" {
				return fmt.Errorf("listener %d (%s): ssl_context requires cert_chain_file and private_key_file", i, l.Address)
			}
		}
	}
	for i, c := range cfg.Clusters {
		if c.Name == "" {
			return fmt.Errorf("cluster %d: missing name", i)
		}
		if len(c.Hosts) == 0 {
			return fmt.Errorf("cluster %q: no hosts", c.Name)
		}
		for _, h := range c.Hosts {
			if _, err := network.ParseTCPAddress(h); err != nil {
				return fmt.Errorf("cluster %q: %w", c.Name, err)
			}
		}
	}
	return nil
}
