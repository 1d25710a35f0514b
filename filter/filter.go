// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

// Package filter holds the built-in network filters and the registry the
// listener configuration resolves names against.
package filter

import (
	"fmt"

	"slipway.dev/config"
	"slipway.dev/network"
)

// Factory instantiates one filter from its listener config block and
// installs it on the connection.
type Factory func(cfg *config.Filter) (InstallFunc, error)

// InstallFunc adds the configured filter to a new connection.
type InstallFunc func(conn *network.Connection)

var registry = map[string]Factory{}

// Register makes a filter available to listener configs by name. Called
// from init.
func Register(name string, f Factory) {
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("duplicate network filter %q", name))
	}
	registry[name] = f
}

// Resolve builds the install functions for a listener's filter list.
func Resolve(filters []config.Filter) ([]InstallFunc, error) {
	installs := make([]InstallFunc, 0, len(filters))
	for i := range filters {
		f := &filters[i]
		factory, ok := registry[f.Name]
		if !ok {
			return nil, fmt.Errorf("unknown network filter %q", f.Name)
		}
		install, err := factory(f)
		if err != nil {
			return nil, fmt.Errorf("filter %q: %w", f.Name, err)
		}
		installs = append(installs, install)
	}
	return installs, nil
}

// NewChainFactory bundles resolved filters into the factory the handler
// consults for every accepted connection.
func NewChainFactory(installs []InstallFunc) network.FilterChainFactory {
	return network.FilterChainFactoryFunc(func(conn *network.Connection) bool {
		for _, install := range installs {
			install(conn)
		}
		return len(installs) > 0
	})
}
