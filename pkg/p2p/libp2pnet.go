// Package p2p is the libp2p-backed gossip substrate under the distributed
// message set: a gossipsub topic for broadcasts and a request/response
// stream protocol for anti-entropy.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/sehyukpark/peppermint/pkg/dms"
)

const (
	topicConsensus = "peppermint-consensus"
	protocolSync   = protocol.ID("/peppermint/dms-sync/1.0.0")

	// maxSyncBytes bounds an anti-entropy response.
	maxSyncBytes = 64 << 20
)

type Libp2pNet struct {
	h   host.Host
	ps  *pubsub.PubSub
	log *zap.SugaredLogger

	topic *pubsub.Topic
	sub   *pubsub.Subscription

	muH      sync.RWMutex
	handlers dms.Handlers
}

type Libp2pConfig struct {
	ListenAddr string
	Bootstrap  []string
	Logger     *zap.SugaredLogger
}

func NewLibp2pNet(ctx context.Context, cfg Libp2pConfig) (*Libp2pNet, error) {
	var opts []libp2p.Option
	if cfg.ListenAddr != "" {
		maddr, err := ma.NewMultiaddr(cfg.ListenAddr)
		if err != nil {
			return nil, err
		}
		opts = append(opts, libp2p.ListenAddrs(maddr))
	}
	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	net := &Libp2pNet{h: h, ps: ps, log: cfg.Logger}

	for _, bs := range cfg.Bootstrap {
		if err := connectMultiaddr(ctx, h, bs); err != nil && cfg.Logger != nil {
			cfg.Logger.Warnw("bootstrap_connect_failed", "addr", bs, "err", err)
		}
	}

	if net.topic, err = ps.Join(topicConsensus); err != nil {
		return nil, err
	}
	if net.sub, err = net.topic.Subscribe(); err != nil {
		return nil, err
	}

	h.SetStreamHandler(protocolSync, net.handleSyncStream)
	go net.handleGossip(ctx)

	if cfg.Logger != nil {
		cfg.Logger.Infow("libp2p_ready", "peer", h.ID().String(), "listen", cfg.ListenAddr)
	}
	return net, nil
}

func connectMultiaddr(ctx context.Context, h host.Host, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return err
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return err
	}
	return h.Connect(ctx, *info)
}

func (n *Libp2pNet) Host() host.Host { return n.h }

// Addr returns the full dialable multiaddr of this node, for peers'
// bootstrap lists.
func (n *Libp2pNet) Addr() string {
	addrs := n.h.Addrs()
	if len(addrs) == 0 {
		return ""
	}
	return fmt.Sprintf("%s/p2p/%s", addrs[0], n.h.ID())
}

func (n *Libp2pNet) Close() error { return n.h.Close() }

// implement dms.GossipNetwork

func (n *Libp2pNet) SetHandlers(h dms.Handlers) {
	n.muH.Lock()
	n.handlers = h
	n.muH.Unlock()
}

func (n *Libp2pNet) Broadcast(ctx context.Context, _ dms.NetworkConfig, _ []dms.Peer, payload []byte) error {
	return n.topic.Publish(ctx, payload)
}

// FetchAll asks one peer for its full envelope set over the sync protocol.
func (n *Libp2pNet) FetchAll(ctx context.Context, _ dms.NetworkConfig, p dms.Peer) ([][]byte, error) {
	m, err := ma.NewMultiaddr(p.Address)
	if err != nil {
		return nil, fmt.Errorf("parse peer addr: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return nil, fmt.Errorf("parse peer info: %w", err)
	}
	if err := n.h.Connect(ctx, *info); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	stream, err := n.h.NewStream(ctx, info.ID, protocolSync)
	if err != nil {
		return nil, fmt.Errorf("open sync stream: %w", err)
	}
	defer stream.Close()

	data, err := io.ReadAll(io.LimitReader(stream, maxSyncBytes))
	if err != nil {
		return nil, fmt.Errorf("read sync response: %w", err)
	}
	var payloads [][]byte
	if err := json.Unmarshal(data, &payloads); err != nil {
		return nil, fmt.Errorf("decode sync response: %w", err)
	}
	return payloads, nil
}

// inbound

func (n *Libp2pNet) handleGossip(ctx context.Context) {
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.h.ID() {
			continue
		}
		n.muH.RLock()
		h := n.handlers
		n.muH.RUnlock()
		if h.OnMessage != nil {
			h.OnMessage(msg.Data)
		}
	}
}

// handleSyncStream serves a peer's anti-entropy request with the full
// local set.
func (n *Libp2pNet) handleSyncStream(s network.Stream) {
	defer s.Close()

	n.muH.RLock()
	h := n.handlers
	n.muH.RUnlock()
	if h.OnSnapshot == nil {
		return
	}
	data, err := json.Marshal(h.OnSnapshot())
	if err != nil {
		return
	}
	if _, err := s.Write(data); err != nil && n.log != nil {
		n.log.Debugw("sync_write_failed", "err", err)
	}
}

var _ dms.GossipNetwork = (*Libp2pNet)(nil)
