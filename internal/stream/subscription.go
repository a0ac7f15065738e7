// Streamsync - Real-Time Market Data Ingestion and Synchronization
// Copyright 2026 Dmitri K. (dkrotov)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/dkrotov/streamsync

package stream

import (
	"github.com/dkrotov/streamsync/internal/logging"
	"github.com/dkrotov/streamsync/internal/models"
)

// SubscriptionID identifies one registered callback so it can be
// removed without disturbing other subscribers of the same stream.
type SubscriptionID uint64

// Callback receives validated messages for a subscribed stream, in
// arrival order. Callbacks run on the dispatch goroutine; slow work
// should be handed off.
type Callback func(models.InboundMessage)

type subscription struct {
	id SubscriptionID
	cb Callback
}

// Subscribe registers a callback for a stream and returns its handle.
//
// The first subscriber of a stream triggers a subscribe send when the
// connection is open; otherwise the stream is queued and flushed once
// the connection comes up. Repeated Subscribe calls for the same stream
// add callbacks without re-sending the wire message.
func (m *Manager) Subscribe(streamID string, cb Callback) SubscriptionID {
	m.mu.Lock()

	m.nextSubID++
	id := m.nextSubID
	first := len(m.subs[streamID]) == 0
	m.subs[streamID] = append(m.subs[streamID], subscription{id: id, cb: cb})

	open := m.state == StateOpen
	m.mu.Unlock()

	logging.Debug().
		Str("stream", streamID).
		Uint64("subscription_id", uint64(id)).
		Bool("first", first).
		Msg("subscription added")

	if first && open {
		m.sendSubscribe(streamID)
	}
	return id
}

// Unsubscribe removes one callback. When the last callback for a stream
// is removed the stream leaves the resubscribe set and, if connected,
// an unsubscribe message is sent.
func (m *Manager) Unsubscribe(streamID string, id SubscriptionID) {
	m.mu.Lock()

	subs := m.subs[streamID]
	for i, s := range subs {
		if s.id == id {
			m.subs[streamID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}

	last := len(m.subs[streamID]) == 0
	if last {
		delete(m.subs, streamID)
	}
	open := m.state == StateOpen
	m.mu.Unlock()

	if last && open {
		m.sendUnsubscribe(streamID)
	}
}

// Subscriptions returns the number of live streams.
func (m *Manager) Subscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// liveStreamsLocked returns every stream with at least one callback.
// Caller holds m.mu.
func (m *Manager) liveStreamsLocked() []string {
	streams := make([]string, 0, len(m.subs))
	for id := range m.subs {
		streams = append(streams, id)
	}
	return streams
}

// callbacksFor snapshots the callbacks of one stream so dispatch never
// holds the registry lock while user code runs.
func (m *Manager) callbacksFor(streamID string) []subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subs[streamID]
	if len(subs) == 0 {
		return nil
	}
	out := make([]subscription, len(subs))
	copy(out, subs)
	return out
}
