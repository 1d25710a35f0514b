// Copyright (c) Slipway Authors.
// SPDX-License-Identifier: BSD-3-Clause

package hotrestart

import (
	"encoding/binary"
	"fmt"
)

type RPCType uint64

const (
	RPCDrainListenersRequest  RPCType = 1
	RPCGetListenSocketRequest RPCType = 2
	RPCGetListenSocketReply   RPCType = 3
	RPCShutdownAdminRequest   RPCType = 4
	RPCShutdownAdminReply     RPCType = 5
	RPCTerminateRequest       RPCType = 6
	RPCUnknownRequestReply    RPCType = 7
	RPCGetStatsRequest        RPCType = 8
	RPCGetStatsReply          RPCType = 9
)

const (
	rpcHeaderLen  = 16 // type + length, both u64 little-endian
	rpcAddressLen = 256
	rpcBufferLen  = 4096
)

// Message is the in-memory form of one fixed-layout RPC record. Only the
// fields relevant to Type are meaningful.
type Message struct {
	Type RPCType

	Address string // GetListenSocketRequest
	Fd      int    // GetListenSocketReply; passed out of band via SCM_RIGHTS

	OriginalStartTime uint64 // ShutdownAdminReply, unix seconds

	MemoryAllocated uint64 // GetStatsReply
	NumConnections  uint64 // GetStatsReply
}

func payloadLen(t RPCType) (int, error) {
	switch t {
	case RPCDrainListenersRequest, RPCShutdownAdminRequest, RPCTerminateRequest,
		RPCUnknownRequestReply, RPCGetStatsRequest:
		return 0, nil
	case RPCGetListenSocketRequest:
		return rpcAddressLen, nil
	case RPCGetListenSocketReply, RPCShutdownAdminReply:
		return 8, nil
	case RPCGetStatsReply:
		return 16, nil
	}
	return 0, fmt.Errorf("unknown rpc type %d", t)
}

func encodeRPC(msg *Message) ([]byte, error) {
	// Types this binary doesn't know encode header-only; the receiver is
	// expected to answer UnknownRequestReply.
	plen, err := payloadLen(msg.Type)
	if err != nil {
		plen = 0
	}
	buf := make([]byte, rpcHeaderLen+plen)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(msg.Type))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(len(buf)))

	body := buf[rpcHeaderLen:]
	switch msg.Type {
	case RPCGetListenSocketRequest:
		if len(msg.Address) >= rpcAddressLen {
			return nil, fmt.Errorf("listener address %q too long", msg.Address)
		}
		copy(body, msg.Address)
	case RPCGetListenSocketReply:
		binary.LittleEndian.PutUint64(body, uint64(int64(msg.Fd)))
	case RPCShutdownAdminReply:
		binary.LittleEndian.PutUint64(body, msg.OriginalStartTime)
	case RPCGetStatsReply:
		binary.LittleEndian.PutUint64(body[0:8], msg.MemoryAllocated)
		binary.LittleEndian.PutUint64(body[8:16], msg.NumConnections)
	}
	return buf, nil
}

func decodeRPC(buf []byte) (*Message, error) {
	if len(buf) < rpcHeaderLen {
		return nil, fmt.Errorf("rpc too short: %d bytes", len(buf))
	}
	msg := &Message{Type: RPCType(binary.LittleEndian.Uint64(buf[0:8]))}
	length := binary.LittleEndian.Uint64(buf[8:16])
	if length != uint64(len(buf)) {
		return nil, fmt.Errorf("rpc length mismatch: header says %d, datagram has %d", length, len(buf))
	}

	plen, err := payloadLen(msg.Type)
	if err != nil {
		// Forward compatibility: the sender may be a newer generation. The
		// caller answers UnknownRequestReply instead of failing.
		return msg, nil
	}
	if len(buf) != rpcHeaderLen+plen {
		return nil, fmt.Errorf("rpc type %d: unexpected payload size %d", msg.Type, len(buf)-rpcHeaderLen)
	}

	body := buf[rpcHeaderLen:]
	switch msg.Type {
	case RPCGetListenSocketRequest:
		n := 0
		for n < len(body) && body[n] != 0 {
			n++
		}
		msg.Address = string(body[:n])
	case RPCGetListenSocketReply:
		msg.Fd = int(int64(binary.LittleEndian.Uint64(body)))
	case RPCShutdownAdminReply:
		msg.OriginalStartTime = binary.LittleEndian.Uint64(body)
	case RPCGetStatsReply:
		msg.MemoryAllocated = binary.LittleEndian.Uint64(body[0:8])
		msg.NumConnections = binary.LittleEndian.Uint64(body[8:16])
	}
	return msg, nil
}
