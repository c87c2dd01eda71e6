// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import "sync"

type subscription struct {
	ch        chan Event
	closeOnce sync.Once
}

// Subscribe returns a channel that receives every event appended to
// tenantID after the call, and a cancel function that closes it.
//
// Delivery is best effort: when the buffer is full the event is dropped
// for that subscriber. Appends never wait on a slow reader. Subscribers
// that need a complete history read Events and dedupe by Seq.
func (l *Ledger) Subscribe(tenantID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscription{ch: make(chan Event, buffer)}

	l.subsMu.Lock()
	if l.closed.Load() {
		l.subsMu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	set, ok := l.subs[tenantID]
	if !ok {
		set = make(map[*subscription]struct{})
		l.subs[tenantID] = set
	}
	set[sub] = struct{}{}
	l.subsMu.Unlock()

	cancel := func() {
		l.subsMu.Lock()
		if set, ok := l.subs[tenantID]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(l.subs, tenantID)
			}
		}
		l.subsMu.Unlock()
		sub.closeOnce.Do(func() { close(sub.ch) })
	}
	return sub.ch, cancel
}

func (l *Ledger) publish(ev Event) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for sub := range l.subs[ev.TenantID] {
		select {
		case sub.ch <- ev:
		default:
			l.opts.Logger.Warn("ledger.feed.dropped", "tenant_id", ev.TenantID, "seq", ev.Seq)
		}
	}
}
