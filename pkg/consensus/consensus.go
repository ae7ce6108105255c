// Package consensus drives a single height of BFT consensus to finality.
// It adapts between the distributed message set (arbitrary, duplicated,
// reordered delivery) and the deterministic inner engine (digested events,
// exactly once), checkpointing its own state after each advance.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sehyukpark/peppermint/pkg/crypto"
	"github.com/sehyukpark/peppermint/pkg/dms"
	"github.com/sehyukpark/peppermint/pkg/storage"
	"github.com/sehyukpark/peppermint/pkg/vetomint"
)

const stateFileName = "state.json"

var (
	// ErrFinalized is returned by every mutating operation once the
	// height is decided.
	ErrFinalized = errors.New("operation on finalized state")
	// ErrUnknownBlock is returned when a hash was never registered as
	// verified.
	ErrUnknownBlock = errors.New("block not verified")
	// ErrKeyMismatch is returned by Open when the supplied private key
	// does not belong to this node's validator slot.
	ErrKeyMismatch = errors.New("private key does not match")
	// ErrNotValidator is returned when an engine response requires a
	// broadcast but this node holds no private key.
	ErrNotValidator = errors.New("this node is not a validator")
)

// Consensus is a coordinator instance scoped to one height. It is
// single-writer: the caller serializes all mutating operations. Status and
// VerifiedBlocks read a published snapshot and are safe from any
// goroutine.
type Consensus struct {
	dms     *dms.DistributedMessageSet
	storage storage.Storage
	state   *State
	// view is the filter-shared projection of state.VerifiedBlockHashes.
	view        *VerifiedHashView
	signerIndex map[crypto.PublicKey]int
	key         *crypto.PrivateKey
	log         *zap.SugaredLogger
	// published is a snapshot refreshed after every successful persist.
	published atomic.Value // snapshot
}

// Exists reports whether a height blob is already present in the storage.
func Exists(ctx context.Context, store storage.Storage) (bool, error) {
	_, err := store.ReadFile(ctx, stateFileName)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create initializes a fresh height: a new engine with the supplied
// context, empty message/hash/veto sets, and persists the blob. It does not
// return an instance; Open does.
func Create(ctx context.Context, store storage.Storage, validatorSet []Validator, thisNodeIndex *int, timestamp int64, params vetomint.ConsensusParams) error {
	if thisNodeIndex != nil && (*thisNodeIndex < 0 || *thisNodeIndex >= len(validatorSet)) {
		return fmt.Errorf("node index %d out of range for %d validators", *thisNodeIndex, len(validatorSet))
	}
	powers := make([]vetomint.VotingPower, len(validatorSet))
	for i, v := range validatorSet {
		powers[i] = v.VotingPower
	}
	info := vetomint.HeightInfo{
		Validators:            powers,
		ThisNodeIndex:         thisNodeIndex,
		Timestamp:             timestamp,
		ConsensusParams:       params,
		InitialBlockCandidate: vetomint.NoBlockCandidate,
	}
	state := &State{
		Engine:                 vetomint.New(info),
		ConsumedMessageDigests: NewHashSet(),
		ValidatorSet:           append([]Validator(nil), validatorSet...),
		ThisNodeIndex:          thisNodeIndex,
	}
	data, err := encodeState(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := store.AddOrOverwriteFile(ctx, stateFileName, data); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// Open loads a previously created height, checks the key against this
// node's validator slot, and installs the admission filter into the message
// set. A nil key opens the instance as an observer, valid only when the
// state holds no node index.
func Open(ctx context.Context, set *dms.DistributedMessageSet, store storage.Storage, key *crypto.PrivateKey, log *zap.SugaredLogger) (*Consensus, error) {
	data, err := store.ReadFile(ctx, stateFileName)
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	state, err := decodeState(data)
	if err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	if state.ThisNodeIndex != nil {
		index := *state.ThisNodeIndex
		if index < 0 || index >= len(state.ValidatorSet) {
			return nil, fmt.Errorf("node index %d out of range for %d validators", index, len(state.ValidatorSet))
		}
		if key == nil {
			return nil, fmt.Errorf("%w: private key is required", ErrKeyMismatch)
		}
		if key.PublicKey() != state.ValidatorSet[index].PublicKey {
			return nil, ErrKeyMismatch
		}
	}

	view := newVerifiedHashView(state.VerifiedBlockHashes)
	validators := make(map[crypto.PublicKey]struct{}, len(state.ValidatorSet))
	signerIndex := make(map[crypto.PublicKey]int, len(state.ValidatorSet))
	for i, v := range state.ValidatorSet {
		validators[v.PublicKey] = struct{}{}
		signerIndex[v.PublicKey] = i
	}
	set.SetFilter(&ConsensusMessageFilter{view: view, validators: validators})

	c := &Consensus{
		dms:         set,
		storage:     store,
		state:       state,
		view:        view,
		signerIndex: signerIndex,
		key:         key,
		log:         log,
	}
	c.publishSnapshot()
	return c, nil
}

// RegisterVerifiedBlock appends a hash to the verified sequence; its
// position becomes the block's immutable index. Registering the same hash
// twice yields two indices, so callers deduplicate.
func (c *Consensus) RegisterVerifiedBlock(ctx context.Context, hash crypto.Hash256) error {
	if err := c.abortIfFinalized(); err != nil {
		return err
	}
	c.state.VerifiedBlockHashes = append(c.state.VerifiedBlockHashes, hash)
	if err := c.persist(ctx); err != nil {
		c.state.VerifiedBlockHashes = c.state.VerifiedBlockHashes[:len(c.state.VerifiedBlockHashes)-1]
		return err
	}
	c.view.insert(hash)
	c.log.Debugw("block_registered", "hash", hash.Short(), "index", len(c.state.VerifiedBlockHashes)-1)
	return nil
}

// SetProposalCandidate tells the engine which verified block this node
// proposes when it leads a round.
func (c *Consensus) SetProposalCandidate(ctx context.Context, config dms.NetworkConfig, peers []dms.Peer, hash crypto.Hash256, timestamp int64) ([]ProgressResult, error) {
	if err := c.abortIfFinalized(); err != nil {
		return nil, err
	}
	index, err := blockIndexOf(c.state.VerifiedBlockHashes, hash)
	if err != nil {
		return nil, err
	}
	return c.localEvent(ctx, config, peers, vetomint.BlockCandidateUpdated{Proposal: index}, timestamp)
}

// VetoBlock marks a block as unfavored. It changes only the favor bit of
// future inbound proposal translations; no engine event, no broadcast.
func (c *Consensus) VetoBlock(ctx context.Context, hash crypto.Hash256) error {
	if err := c.abortIfFinalized(); err != nil {
		return err
	}
	c.state.VetoedBlockHashes = append(c.state.VetoedBlockHashes, hash)
	if err := c.persist(ctx); err != nil {
		c.state.VetoedBlockHashes = c.state.VetoedBlockHashes[:len(c.state.VetoedBlockHashes)-1]
		return err
	}
	c.log.Infow("block_vetoed", "hash", hash.Short())
	return nil
}

// VetoRound asks the engine to abandon the given round.
func (c *Consensus) VetoRound(ctx context.Context, config dms.NetworkConfig, peers []dms.Peer, round uint64, timestamp int64) ([]ProgressResult, error) {
	if err := c.abortIfFinalized(); err != nil {
		return nil, err
	}
	return c.localEvent(ctx, config, peers, vetomint.SkipRound{Round: round}, timestamp)
}

// Progress is the main drive step: it folds every not-yet-consumed message
// from the distributed set into the engine and carries out the responses.
// The engine advances on a shadow copy; only when every translation and
// broadcast succeeded are the shadow, the consumed digests, and the blob
// committed. On failure the live state is untouched and the same messages
// remain eligible for the next attempt.
func (c *Consensus) Progress(ctx context.Context, config dms.NetworkConfig, peers []dms.Peer, timestamp int64) ([]ProgressResult, error) {
	if err := c.abortIfFinalized(); err != nil {
		return nil, err
	}
	all, err := c.dms.ReadMessages(ctx)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	var fresh []dms.Message
	for _, m := range all {
		if !c.state.ConsumedMessageDigests.Contains(m.ContentHash()) {
			fresh = append(fresh, m)
		}
	}

	shadow := c.state.Engine.Clone()
	var responses []vetomint.Response
	for _, m := range fresh {
		signer, ok := c.signerIndex[m.Signature().Signer]
		if !ok {
			panic(fmt.Sprintf("consensus: message %s from unknown signer passed the filter", m.ContentHash()))
		}
		wire, err := DecodeConsensusMessage(m.Data())
		if err != nil {
			panic(fmt.Sprintf("consensus: undecodable message %s passed the filter: %v", m.ContentHash(), err))
		}
		event, err := messageToEvent(wire, signer, c.state.VerifiedBlockHashes, c.state.VetoedBlockHashes)
		if err != nil {
			panic(fmt.Sprintf("consensus: message %s references unverified block: %v", m.ContentHash(), err))
		}
		responses = append(responses, shadow.Progress(event, timestamp)...)
	}

	results, finalizes, err := c.processResponses(ctx, config, peers, responses, timestamp)
	if err != nil {
		return nil, err
	}

	consumed := c.state.ConsumedMessageDigests.Clone()
	for _, m := range fresh {
		consumed.Insert(m.ContentHash())
	}
	if err := c.commit(ctx, shadow, consumed, finalizes); err != nil {
		return nil, err
	}
	if len(fresh) > 0 {
		c.log.Debugw("progress", "messages", len(fresh), "outcomes", len(results))
	}
	return results, nil
}

// Fetch runs an anti-entropy exchange with the given peers. No engine
// interaction; newly learned messages surface at the next Progress.
func (c *Consensus) Fetch(ctx context.Context, config dms.NetworkConfig, peers []dms.Peer) error {
	return c.dms.Fetch(ctx, config, peers)
}

// localEvent drives the engine with an operator-initiated event under the
// same shadow-and-commit discipline as Progress.
func (c *Consensus) localEvent(ctx context.Context, config dms.NetworkConfig, peers []dms.Peer, event vetomint.Event, timestamp int64) ([]ProgressResult, error) {
	shadow := c.state.Engine.Clone()
	responses := shadow.Progress(event, timestamp)
	results, finalizes, err := c.processResponses(ctx, config, peers, responses, timestamp)
	if err != nil {
		return nil, err
	}
	if err := c.commit(ctx, shadow, c.state.ConsumedMessageDigests, finalizes); err != nil {
		return nil, err
	}
	return results, nil
}

// processResponses translates engine responses and performs the required
// broadcasts, in response order. Any failure aborts the batch before
// anything is committed.
func (c *Consensus) processResponses(ctx context.Context, config dms.NetworkConfig, peers []dms.Peer, responses []vetomint.Response, timestamp int64) ([]ProgressResult, bool, error) {
	results := make([]ProgressResult, 0, len(responses))
	finalizes := false
	for _, resp := range responses {
		action, err := responseToAction(resp, c.state.VerifiedBlockHashes, c.state.ValidatorSet, timestamp)
		if err != nil {
			return nil, false, err
		}
		if action.broadcast != nil {
			if err := c.broadcast(ctx, config, peers, action.broadcast); err != nil {
				return nil, false, err
			}
		}
		if action.finalizes {
			finalizes = true
		}
		results = append(results, action.result)
	}
	return results, finalizes, nil
}

func (c *Consensus) broadcast(ctx context.Context, config dms.NetworkConfig, peers []dms.Peer, m ConsensusMessage) error {
	if c.key == nil {
		return ErrNotValidator
	}
	payload, err := EncodeConsensusMessage(m)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(payload, c.key)
	if err != nil {
		return fmt.Errorf("sign message: %w", err)
	}
	msg, err := dms.NewMessage(payload, sig)
	if err != nil {
		return fmt.Errorf("assemble message: %w", err)
	}
	if err := c.dms.AddMessage(ctx, config, peers, msg); err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

// commit swaps the advanced state in and persists it; a write failure
// restores the previous state, leaving the batch un-consumed.
func (c *Consensus) commit(ctx context.Context, engine *vetomint.Vetomint, consumed HashSet, finalizes bool) error {
	next := *c.state
	next.Engine = engine
	next.ConsumedMessageDigests = consumed
	if finalizes {
		next.Finalized = true
	}
	prev := c.state
	c.state = &next
	if err := c.persist(ctx); err != nil {
		c.state = prev
		return err
	}
	if finalizes {
		c.log.Infow("height_finalized")
	}
	return nil
}

func (c *Consensus) persist(ctx context.Context) error {
	data, err := encodeState(c.state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := c.storage.AddOrOverwriteFile(ctx, stateFileName, data); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	c.publishSnapshot()
	return nil
}

func (c *Consensus) abortIfFinalized() error {
	if c.state.Finalized {
		return ErrFinalized
	}
	return nil
}
