package dms

import (
	"context"

	"github.com/sehyukpark/peppermint/pkg/crypto"
)

// Peer identifies a remote node for targeted exchanges.
type Peer struct {
	Address   string           `json:"address"`
	PublicKey crypto.PublicKey `json:"public_key"`
}

// NetworkConfig carries the local identity used for outbound traffic.
// PrivateKey may be nil for an observer that never originates messages.
type NetworkConfig struct {
	PrivateKey *crypto.PrivateKey
}

// Handlers are the inbound hooks a GossipNetwork calls into.
type Handlers struct {
	// OnMessage receives a gossiped envelope payload.
	OnMessage func(payload []byte)
	// OnSnapshot returns every envelope in the local set, for serving
	// anti-entropy requests from peers.
	OnSnapshot func() [][]byte
}

// GossipNetwork is the transport under the distributed message set. It
// moves opaque envelope payloads; validation and dedup stay above it.
type GossipNetwork interface {
	Broadcast(ctx context.Context, config NetworkConfig, peers []Peer, payload []byte) error
	// FetchAll requests the peer's full envelope set.
	FetchAll(ctx context.Context, config NetworkConfig, peer Peer) ([][]byte, error)
	SetHandlers(h Handlers)
}
