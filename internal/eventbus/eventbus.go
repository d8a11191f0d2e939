// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package eventbus implements a typed publish/subscribe broadcast: a
// bounded-buffer, non-blocking bus where a slow subscriber is skipped
// (dropped) without affecting other subscribers, plus two specialized
// un-deduplicated channels (every StatusReport, every Response).
//
// Built on github.com/moby/pubsub's bounded, timeout-based Publisher,
// which gives exactly that "slow subscriber gets skipped" semantic for
// free.
package eventbus

import (
	"time"

	"github.com/moby/pubsub"
)

// DefaultBuffer is the default per-subscriber channel buffer.
const DefaultBuffer = 100

// publishTimeout bounds how long Publish() waits on a single slow
// subscriber before moving on and dropping that event for it.
const publishTimeout = 5 * time.Millisecond

type EventType string

const (
	StatusChanged           EventType = "StatusChanged"
	PositionChanged         EventType = "PositionChanged"
	SpindleChanged          EventType = "SpindleChanged"
	FeedChanged             EventType = "FeedChanged"
	OverridesChanged        EventType = "OverridesChanged"
	CoordinateSystemChanged EventType = "CoordinateSystemChanged"
	ProgramStateChanged     EventType = "ProgramStateChanged"
	ProgressChanged         EventType = "ProgressChanged"
	ErrorOccurred           EventType = "ErrorOccurred"
	ConnectionChanged       EventType = "ConnectionChanged"
	ResponseReceived        EventType = "ResponseReceived"
)

// Event is the deduplicated broadcast payload. Not every field applies
// to every Type; callers switch on Type first.
type Event struct {
	Type      EventType
	Message   string
	Kind      string
	Code      int
	Connected bool
	Response  any // concrete type: protocol.Response, set when Type == ResponseReceived
}

// Bus is the process-wide set of channels: the deduplicated event bus
// plus the raw StatusReport and Response feeds.
type Bus struct {
	events    *pubsub.Publisher
	statusraw *pubsub.Publisher
	respraw   *pubsub.Publisher
}

func New() *Bus {
	return &Bus{
		events:    pubsub.NewPublisher(publishTimeout, DefaultBuffer),
		statusraw: pubsub.NewPublisher(publishTimeout, DefaultBuffer),
		respraw:   pubsub.NewPublisher(publishTimeout, DefaultBuffer),
	}
}

// Publish broadcasts a deduplicated state-change event to all subscribers.
func (b *Bus) Publish(ev Event) {
	b.events.Publish(ev)
}

// Subscribe returns a channel of Event, in publish order; a subscriber
// that falls behind has events dropped for it, never for others.
func (b *Bus) Subscribe() chan any {
	return b.events.Subscribe()
}

func (b *Bus) Unsubscribe(ch chan any) {
	b.events.Evict(ch)
}

// PublishStatusReport feeds the raw, non-deduplicated StatusReport
// channel — used by the state model (every report, to stay fresh) and
// by raw observers (consoles).
func (b *Bus) PublishStatusReport(report any) {
	b.statusraw.Publish(report)
}

func (b *Bus) SubscribeStatusReport() chan any {
	return b.statusraw.Subscribe()
}

func (b *Bus) UnsubscribeStatusReport(ch chan any) {
	b.statusraw.Evict(ch)
}

// PublishResponse feeds the raw Response channel — every parsed
// response, used by consoles.
func (b *Bus) PublishResponse(resp any) {
	b.respraw.Publish(resp)
}

func (b *Bus) SubscribeResponse() chan any {
	return b.respraw.Subscribe()
}

func (b *Bus) UnsubscribeResponse(ch chan any) {
	b.respraw.Evict(ch)
}

// Close releases the underlying publishers. Idempotent in the sense
// that calling it on an already-closed Bus does not panic callers that
// merely stop subscribing.
func (b *Bus) Close() {
	b.events.Close()
	b.statusraw.Close()
	b.respraw.Close()
}
