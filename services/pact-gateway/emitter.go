package main

import (
	"time"

	"pactledger/native/agreement"
)

// gatewayEmitter fans engine events out to the webhook queue and hands the
// watcher the transitions that need an external ledger conversation.
type gatewayEmitter struct {
	queue   *WebhookQueue
	watcher *ConfirmationWatcher
	nowFn   func() time.Time
}

func newGatewayEmitter(queue *WebhookQueue, watcher *ConfirmationWatcher) *gatewayEmitter {
	return &gatewayEmitter{queue: queue, watcher: watcher, nowFn: time.Now}
}

func (g *gatewayEmitter) Emit(event agreement.Event) {
	if g.queue != nil {
		g.queue.Enqueue(WebhookEvent{
			Type:        event.Type,
			AggregateID: event.AggregateID,
			Attributes:  event.Attributes,
			CreatedAt:   g.nowFn().UTC(),
		})
	}
	if g.watcher == nil {
		return
	}
	switch event.Type {
	case agreement.EventTypeSigned:
		g.watcher.QueueAnchor(event.AggregateID)
	case agreement.EventTypeEscrowFunded:
		g.watcher.QueueFunding(event.AggregateID, event.Attributes["externalReference"])
	}
}
