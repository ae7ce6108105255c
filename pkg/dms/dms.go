// Package dms implements a gossip-replicated, content-addressed set of
// signed messages with anti-entropy. Admission is gated by a caller-supplied
// filter; accepted messages are persisted and re-broadcast on request.
// Membership only grows, and iteration order is the content-hash order, so
// every replica yields the same deterministic sequence.
package dms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sehyukpark/peppermint/pkg/crypto"
	"github.com/sehyukpark/peppermint/pkg/storage"
)

const setFileName = "messages.json"

// MessageFilter decides whether a candidate message may enter the set. The
// returned error is a short reason for logging; it never aborts the node.
type MessageFilter interface {
	Filter(msg Message) error
}

// DistributedMessageSet is the local replica of the set.
type DistributedMessageSet struct {
	network GossipNetwork
	storage storage.Storage
	log     *zap.SugaredLogger

	mu       sync.Mutex
	messages map[crypto.Hash256]Message
	filter   MessageFilter
}

// New loads the persisted set (if any) and wires the inbound handlers.
func New(ctx context.Context, network GossipNetwork, store storage.Storage, log *zap.SugaredLogger) (*DistributedMessageSet, error) {
	d := &DistributedMessageSet{
		network:  network,
		storage:  store,
		log:      log,
		messages: make(map[crypto.Hash256]Message),
	}
	if err := d.load(ctx); err != nil {
		return nil, err
	}
	network.SetHandlers(Handlers{
		OnMessage:  d.receive,
		OnSnapshot: d.snapshot,
	})
	return d, nil
}

// SetFilter installs the admission predicate. Messages already in the set
// are not re-screened.
func (d *DistributedMessageSet) SetFilter(filter MessageFilter) {
	d.mu.Lock()
	d.filter = filter
	d.mu.Unlock()
}

// ReadMessages returns the full set ordered by content hash.
func (d *DistributedMessageSet) ReadMessages(ctx context.Context) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Message, 0, len(d.messages))
	for _, m := range d.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].hash[:], out[j].hash[:]) < 0
	})
	return out, nil
}

// AddMessage admits a locally originated message and broadcasts it. The
// local insert goes through the same filter as gossiped candidates.
func (d *DistributedMessageSet) AddMessage(ctx context.Context, config NetworkConfig, peers []Peer, msg Message) error {
	if err := d.admit(ctx, msg); err != nil {
		return err
	}
	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := d.network.Broadcast(ctx, config, peers, payload); err != nil {
		return fmt.Errorf("broadcast message: %w", err)
	}
	return nil
}

// Fetch performs an anti-entropy exchange with every peer. A peer failing
// does not stop the sweep; the joined errors are returned at the end.
func (d *DistributedMessageSet) Fetch(ctx context.Context, config NetworkConfig, peers []Peer) error {
	var errs []error
	for _, peer := range peers {
		payloads, err := d.network.FetchAll(ctx, config, peer)
		if err != nil {
			errs = append(errs, fmt.Errorf("fetch from %s: %w", peer.Address, err))
			continue
		}
		for _, payload := range payloads {
			d.receiveWithContext(ctx, payload)
		}
	}
	return errors.Join(errs...)
}

// receive is the gossip inbound path.
func (d *DistributedMessageSet) receive(payload []byte) {
	d.receiveWithContext(context.Background(), payload)
}

func (d *DistributedMessageSet) receiveWithContext(ctx context.Context, payload []byte) {
	msg, err := DecodeMessage(payload)
	if err != nil {
		d.log.Debugw("message_rejected", "reason", err.Error())
		return
	}
	if err := d.admit(ctx, msg); err != nil {
		d.log.Debugw("message_rejected", "hash", msg.ContentHash().Short(), "reason", err.Error())
	}
}

// admit runs the filter, inserts, and persists. Duplicates are a no-op.
func (d *DistributedMessageSet) admit(ctx context.Context, msg Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.messages[msg.hash]; ok {
		return nil
	}
	if d.filter != nil {
		if err := d.filter.Filter(msg); err != nil {
			return err
		}
	}
	d.messages[msg.hash] = msg
	if err := d.persistLocked(ctx); err != nil {
		delete(d.messages, msg.hash)
		return err
	}
	return nil
}

// snapshot serves anti-entropy requests from peers.
func (d *DistributedMessageSet) snapshot() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, 0, len(d.messages))
	for _, m := range d.messages {
		payload, err := m.Encode()
		if err != nil {
			continue
		}
		out = append(out, payload)
	}
	return out
}

func (d *DistributedMessageSet) load(ctx context.Context) error {
	data, err := d.storage.ReadFile(ctx, setFileName)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load message set: %w", err)
	}
	var envelopes []json.RawMessage
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return fmt.Errorf("decode message set: %w", err)
	}
	for _, raw := range envelopes {
		msg, err := DecodeMessage(raw)
		if err != nil {
			return fmt.Errorf("decode stored message: %w", err)
		}
		d.messages[msg.hash] = msg
	}
	return nil
}

func (d *DistributedMessageSet) persistLocked(ctx context.Context) error {
	hashes := make([]crypto.Hash256, 0, len(d.messages))
	for h := range d.messages {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
	envelopes := make([]json.RawMessage, 0, len(hashes))
	for _, h := range hashes {
		payload, err := d.messages[h].Encode()
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		envelopes = append(envelopes, payload)
	}
	data, err := json.Marshal(envelopes)
	if err != nil {
		return fmt.Errorf("encode message set: %w", err)
	}
	if err := d.storage.AddOrOverwriteFile(ctx, setFileName, data); err != nil {
		return fmt.Errorf("persist message set: %w", err)
	}
	return nil
}
