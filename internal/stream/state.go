// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

package stream

import (
	"fmt"

	"github.com/dkrotov/streamsync/internal/logging"
	"github.com/dkrotov/streamsync/internal/metrics"
)

// State is the connection lifecycle state of the manager.
//
// Legal transitions:
//
//	Disconnected -> Connecting -> Open -> Disconnected (failure)
//	Open -> Closing -> Disconnected (explicit shutdown)
//	Connecting -> Disconnected (dial failure)
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// transition is the single place connection state changes. Every caller
// holds m.mu. Centralizing the mutation keeps the log stream and the
// state gauge consistent with the actual state under concurrency.
func (m *Manager) transition(to State, reason string) {
	from := m.state
	if from == to {
		return
	}
	m.state = to

	metrics.ConnectionState.Set(float64(to))
	metrics.ConnectionTransitions.WithLabelValues(from.String(), to.String()).Inc()

	logging.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Str("reason", reason).
		Uint64("epoch", m.epoch).
		Msg("connection_state_changed")
}
