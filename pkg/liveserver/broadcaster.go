package liveserver

import "p2p_energy_market/internal/core"

// Broadcaster adapts a Hub to core.IWebSocketBroadcaster so domain code never
// depends on gorilla/websocket or the wire message format directly.
type Broadcaster struct {
	hub *Hub
}

// NewBroadcaster wraps a Hub for use as the domain's IWebSocketBroadcaster.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

var _ core.IWebSocketBroadcaster = (*Broadcaster)(nil)

func (b *Broadcaster) BroadcastOrderCreated(order *core.Order) {
	b.hub.Broadcast(NewOrderCreatedMessage(order))
}

func (b *Broadcaster) BroadcastOrderUpdated(order *core.Order) {
	b.hub.Broadcast(NewOrderUpdatedMessage(order))
}

func (b *Broadcaster) BroadcastOrderMatched(match *core.OrderMatch) {
	b.hub.Broadcast(NewOrderMatchedMessage(match))
}

func (b *Broadcaster) BroadcastTradeExecuted(settlement *core.Settlement) {
	b.hub.Broadcast(NewTradeExecutedMessage(settlement))
}

func (b *Broadcaster) BroadcastP2POrderUpdate(order *core.Order) {
	b.hub.Broadcast(NewP2POrderUpdateMessage(order))
}

func (b *Broadcaster) BroadcastEpochTransition(event core.EpochTransitionEvent) {
	b.hub.Broadcast(NewEpochTransitionMessage(event))
}
