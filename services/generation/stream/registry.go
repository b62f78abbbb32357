// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stream

import (
	"errors"
	"sync"

	"github.com/ajaypag/guest-post-workflow/services/generation/datatypes"
	"github.com/google/uuid"
)

// ErrRegistryClosed is returned by Register after CloseAll.
var ErrRegistryClosed = errors.New("stream registry closed")

// Subscription is one subscriber's relay state. It lives in process memory
// only.
type Subscription struct {
	ID        string
	SessionID string
	Transport string

	events    chan datatypes.StreamEvent
	done      chan struct{}
	closeOnce sync.Once
}

// Done is closed when the subscription is deregistered or the registry
// shuts down.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) stop() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Registry tracks open subscriptions per session.
//
// # Description
//
// One Registry is owned by one Bridge and lives as long as the process
// serves streams. CloseAll at shutdown stops every relay.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	subs   map[string]map[string]*Subscription
	count  int
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]map[string]*Subscription)}
}

// Register adds a subscription for sessionID.
func (r *Registry) Register(sessionID, transport string, buffer int) (*Subscription, error) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Transport: transport,
		events:    make(chan datatypes.StreamEvent, buffer),
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRegistryClosed
	}
	bySession, ok := r.subs[sessionID]
	if !ok {
		bySession = make(map[string]*Subscription)
		r.subs[sessionID] = bySession
	}
	bySession[sub.ID] = sub
	r.count++
	return sub, nil
}

// Deregister removes sub. Calling it twice is harmless.
func (r *Registry) Deregister(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.stop()

	r.mu.Lock()
	defer r.mu.Unlock()
	bySession, ok := r.subs[sub.SessionID]
	if !ok {
		return
	}
	if _, ok := bySession[sub.ID]; !ok {
		return
	}
	delete(bySession, sub.ID)
	r.count--
	if len(bySession) == 0 {
		delete(r.subs, sub.SessionID)
	}
}

// Count returns the number of open subscriptions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// CountFor returns the number of open subscriptions for sessionID.
func (r *Registry) CountFor(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[sessionID])
}

// CloseAll stops every subscription and rejects new ones. Relays observe
// Done and deregister themselves.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	var all []*Subscription
	for _, bySession := range r.subs {
		for _, sub := range bySession {
			all = append(all, sub)
		}
	}
	r.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
}
