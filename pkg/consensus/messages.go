package consensus

import (
	"encoding/json"
	"fmt"

	"github.com/sehyukpark/peppermint/pkg/crypto"
)

// ConsensusMessage is the wire vocabulary of the protocol, carried as the
// UTF-8 JSON payload of a signed envelope in the distributed message set.
type ConsensusMessage interface{ isConsensusMessage() }

type MsgProposal struct {
	Round      uint64
	ValidRound *uint64
	BlockHash  crypto.Hash256
}

type MsgNonNilPreVoted struct {
	Round     uint64
	BlockHash crypto.Hash256
}

type MsgNonNilPreCommitted struct {
	Round     uint64
	BlockHash crypto.Hash256
}

type MsgNilPreVoted struct {
	Round uint64
}

type MsgNilPreCommitted struct {
	Round uint64
}

func (MsgProposal) isConsensusMessage()           {}
func (MsgNonNilPreVoted) isConsensusMessage()     {}
func (MsgNonNilPreCommitted) isConsensusMessage() {}
func (MsgNilPreVoted) isConsensusMessage()        {}
func (MsgNilPreCommitted) isConsensusMessage()    {}

const (
	wireProposal           = "Proposal"
	wireNonNilPreVoted     = "NonNilPreVoted"
	wireNonNilPreCommitted = "NonNilPreCommitted"
	wireNilPreVoted        = "NilPreVoted"
	wireNilPreCommitted    = "NilPreCommitted"
)

// wireMessage is the tagged JSON form.
type wireMessage struct {
	Type       string          `json:"type"`
	Round      uint64          `json:"round"`
	ValidRound *uint64         `json:"valid_round,omitempty"`
	BlockHash  *crypto.Hash256 `json:"block_hash,omitempty"`
}

// EncodeConsensusMessage serializes a message to its canonical JSON payload.
// The encoding is deterministic, which keeps content hashes stable across
// nodes and replays.
func EncodeConsensusMessage(m ConsensusMessage) (string, error) {
	var w wireMessage
	switch msg := m.(type) {
	case MsgProposal:
		h := msg.BlockHash
		w = wireMessage{Type: wireProposal, Round: msg.Round, ValidRound: msg.ValidRound, BlockHash: &h}
	case MsgNonNilPreVoted:
		h := msg.BlockHash
		w = wireMessage{Type: wireNonNilPreVoted, Round: msg.Round, BlockHash: &h}
	case MsgNonNilPreCommitted:
		h := msg.BlockHash
		w = wireMessage{Type: wireNonNilPreCommitted, Round: msg.Round, BlockHash: &h}
	case MsgNilPreVoted:
		w = wireMessage{Type: wireNilPreVoted, Round: msg.Round}
	case MsgNilPreCommitted:
		w = wireMessage{Type: wireNilPreCommitted, Round: msg.Round}
	default:
		return "", fmt.Errorf("unknown consensus message %T", m)
	}
	data, err := json.Marshal(w)
	if err != nil {
		return "", fmt.Errorf("encode consensus message: %w", err)
	}
	return string(data), nil
}

// DecodeConsensusMessage parses a JSON payload into a ConsensusMessage.
func DecodeConsensusMessage(payload string) (ConsensusMessage, error) {
	var w wireMessage
	if err := json.Unmarshal([]byte(payload), &w); err != nil {
		return nil, fmt.Errorf("decode consensus message: %w", err)
	}
	needHash := func() (crypto.Hash256, error) {
		if w.BlockHash == nil {
			return crypto.Hash256{}, fmt.Errorf("%s requires a block hash", w.Type)
		}
		return *w.BlockHash, nil
	}
	switch w.Type {
	case wireProposal:
		h, err := needHash()
		if err != nil {
			return nil, err
		}
		return MsgProposal{Round: w.Round, ValidRound: w.ValidRound, BlockHash: h}, nil
	case wireNonNilPreVoted:
		h, err := needHash()
		if err != nil {
			return nil, err
		}
		return MsgNonNilPreVoted{Round: w.Round, BlockHash: h}, nil
	case wireNonNilPreCommitted:
		h, err := needHash()
		if err != nil {
			return nil, err
		}
		return MsgNonNilPreCommitted{Round: w.Round, BlockHash: h}, nil
	case wireNilPreVoted:
		return MsgNilPreVoted{Round: w.Round}, nil
	case wireNilPreCommitted:
		return MsgNilPreCommitted{Round: w.Round}, nil
	default:
		return nil, fmt.Errorf("unknown consensus message type %q", w.Type)
	}
}

// ProgressResult is an observable outcome of driving the consensus forward.
type ProgressResult interface{ isProgressResult() }

type Proposed struct {
	Round     uint64         `json:"round"`
	BlockHash crypto.Hash256 `json:"block_hash"`
	Timestamp int64          `json:"timestamp"`
}

type NonNilPreVoted struct {
	Round     uint64         `json:"round"`
	BlockHash crypto.Hash256 `json:"block_hash"`
	Timestamp int64          `json:"timestamp"`
}

type NonNilPreCommitted struct {
	Round     uint64         `json:"round"`
	BlockHash crypto.Hash256 `json:"block_hash"`
	Timestamp int64          `json:"timestamp"`
}

type NilPreVoted struct {
	Round     uint64 `json:"round"`
	Timestamp int64  `json:"timestamp"`
}

type NilPreCommitted struct {
	Round     uint64 `json:"round"`
	Timestamp int64  `json:"timestamp"`
}

type Finalized struct {
	BlockHash crypto.Hash256 `json:"block_hash"`
	Timestamp int64          `json:"timestamp"`
}

type ViolationReported struct {
	Violator    crypto.PublicKey `json:"violator"`
	Description string           `json:"description"`
	Timestamp   int64            `json:"timestamp"`
}

func (Proposed) isProgressResult()           {}
func (NonNilPreVoted) isProgressResult()     {}
func (NonNilPreCommitted) isProgressResult() {}
func (NilPreVoted) isProgressResult()        {}
func (NilPreCommitted) isProgressResult()    {}
func (Finalized) isProgressResult()          {}
func (ViolationReported) isProgressResult()  {}
