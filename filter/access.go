// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package filter

import (
	"bytes"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/google/cel-go/cel"
	"slipway.dev/config"
	"slipway.dev/network"
)

func init() {
	Register("access", newAccessFactory)
}

// access evaluates a CEL expression over the connection's addresses before
// any byte is read. A false result closes the connection.
type access struct {
	conn    *network.Connection
	program cel.Program
}

func newAccessFactory(cfg *config.Filter) (InstallFunc, error) {
	expr, _ := cfg.Config["expression"].(string)
	if expr == "" {
		return nil, fmt.Errorf("access filter requires an expression")
	}

	env, err := cel.NewEnv(
		cel.Variable("source", cel.DynType),
		cel.Variable("destination", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create env: %w", err)
	}

	ast, iss := env.Compile(expr)
	if err := iss.Err(); err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	if got, want := ast.OutputType(), cel.BoolType; !reflect.DeepEqual(got, want) {
		return nil, fmt.Errorf("invalid output type: got %v, want %v", got, want)
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("create program: %w", err)
	}

	return func(conn *network.Connection) {
		conn.AddReadFilter(&access{conn: conn, program: program})
	}, nil
}

func (a *access) allowed() bool {
	source := ""
	if addr := a.conn.RemoteAddr(); addr != nil {
		source = addr.String()
	}
	destination := ""
	if addr := a.conn.LocalAddr(); addr != nil {
		destination = addr.String()
	}

	ret, _, err := a.program.Eval(map[string]any{
		"source":      map[string]any{"address": source},
		"destination": map[string]any{"address": destination},
	})
	if err != nil {
		slog.Warn("access expression failed, denying", "connection", a.conn, "err", err)
		return false
	}
	allowed, ok := ret.Value().(bool)
	return ok && allowed
}

func (a *access) OnNewConnection() network.FilterStatus {
	if !a.allowed() {
		slog.Debug("access denied", "connection", a.conn)
		a.conn.Close(network.CloseNoFlush)
		return network.FilterStopIteration
	}
	return network.FilterContinue
}

func (a *access) OnData(*bytes.Buffer) network.FilterStatus {
	return network.FilterContinue
}
