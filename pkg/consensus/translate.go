package consensus

import (
	"fmt"

	"github.com/sehyukpark/peppermint/pkg/crypto"
	"github.com/sehyukpark/peppermint/pkg/vetomint"
)

// This file is the pure boundary between wire syntax and engine semantics.
// Nothing here touches I/O or coordinator state; both directions are plain
// functions of their arguments.

// blockIndexOf resolves a hash to its immutable index in the verified
// sequence.
func blockIndexOf(hashes []crypto.Hash256, h crypto.Hash256) (int, error) {
	for i, cand := range hashes {
		if cand == h {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownBlock, h)
}

func containsHash(hashes []crypto.Hash256, h crypto.Hash256) bool {
	for _, cand := range hashes {
		if cand == h {
			return true
		}
	}
	return false
}

// messageToEvent digests a wire message into an engine event. The admission
// filter guarantees every referenced hash is verified, so a resolution
// failure here is a broken invariant, surfaced as an error for the caller
// to treat as fatal.
func messageToEvent(m ConsensusMessage, signer int, verified, vetoed []crypto.Hash256) (vetomint.Event, error) {
	switch msg := m.(type) {
	case MsgProposal:
		index, err := blockIndexOf(verified, msg.BlockHash)
		if err != nil {
			return nil, err
		}
		return vetomint.BlockProposalReceived{
			Proposal: index,
			// Block semantic validity is established upstream, before the
			// hash is registered as verified.
			Valid:      true,
			ValidRound: msg.ValidRound,
			Proposer:   signer,
			Round:      msg.Round,
			Favor:      !containsHash(vetoed, msg.BlockHash),
		}, nil
	case MsgNonNilPreVoted:
		index, err := blockIndexOf(verified, msg.BlockHash)
		if err != nil {
			return nil, err
		}
		return vetomint.Prevote{Proposal: &index, Signer: signer, Round: msg.Round}, nil
	case MsgNonNilPreCommitted:
		index, err := blockIndexOf(verified, msg.BlockHash)
		if err != nil {
			return nil, err
		}
		return vetomint.Precommit{Proposal: &index, Signer: signer, Round: msg.Round}, nil
	case MsgNilPreVoted:
		return vetomint.Prevote{Proposal: nil, Signer: signer, Round: msg.Round}, nil
	case MsgNilPreCommitted:
		return vetomint.Precommit{Proposal: nil, Signer: signer, Round: msg.Round}, nil
	default:
		return nil, fmt.Errorf("unknown consensus message %T", m)
	}
}

// responseAction is the digested form of an engine response: an optional
// message to broadcast, the outcome to surface, and whether the height is
// now decided.
type responseAction struct {
	broadcast ConsensusMessage // nil when nothing goes on the wire
	result    ProgressResult
	finalizes bool
}

// responseToAction translates an engine response into wire + outcome form.
// Index resolution failures are broken invariants; they are returned as
// errors, and the caller abandons the batch without committing it.
func responseToAction(resp vetomint.Response, verified []crypto.Hash256, validators []Validator, timestamp int64) (responseAction, error) {
	hashAt := func(index int) (crypto.Hash256, error) {
		if index < 0 || index >= len(verified) {
			return crypto.Hash256{}, fmt.Errorf("engine referenced unregistered block index %d", index)
		}
		return verified[index], nil
	}

	switch r := resp.(type) {
	case vetomint.BroadcastProposal:
		h, err := hashAt(r.Proposal)
		if err != nil {
			return responseAction{}, err
		}
		return responseAction{
			broadcast: MsgProposal{Round: r.Round, ValidRound: r.ValidRound, BlockHash: h},
			result:    Proposed{Round: r.Round, BlockHash: h, Timestamp: timestamp},
		}, nil
	case vetomint.BroadcastPrevote:
		if r.Proposal == nil {
			return responseAction{
				broadcast: MsgNilPreVoted{Round: r.Round},
				result:    NilPreVoted{Round: r.Round, Timestamp: timestamp},
			}, nil
		}
		h, err := hashAt(*r.Proposal)
		if err != nil {
			return responseAction{}, err
		}
		return responseAction{
			broadcast: MsgNonNilPreVoted{Round: r.Round, BlockHash: h},
			result:    NonNilPreVoted{Round: r.Round, BlockHash: h, Timestamp: timestamp},
		}, nil
	case vetomint.BroadcastPrecommit:
		if r.Proposal == nil {
			return responseAction{
				broadcast: MsgNilPreCommitted{Round: r.Round},
				result:    NilPreCommitted{Round: r.Round, Timestamp: timestamp},
			}, nil
		}
		h, err := hashAt(*r.Proposal)
		if err != nil {
			return responseAction{}, err
		}
		return responseAction{
			broadcast: MsgNonNilPreCommitted{Round: r.Round, BlockHash: h},
			result:    NonNilPreCommitted{Round: r.Round, BlockHash: h, Timestamp: timestamp},
		}, nil
	case vetomint.FinalizeBlock:
		h, err := hashAt(r.Proposal)
		if err != nil {
			return responseAction{}, err
		}
		return responseAction{
			result:    Finalized{BlockHash: h, Timestamp: timestamp},
			finalizes: true,
		}, nil
	case vetomint.ViolationReport:
		if r.Violator < 0 || r.Violator >= len(validators) {
			return responseAction{}, fmt.Errorf("engine reported unknown validator index %d", r.Violator)
		}
		return responseAction{
			result: ViolationReported{
				Violator:    validators[r.Violator].PublicKey,
				Description: r.Description,
				Timestamp:   timestamp,
			},
		}, nil
	default:
		return responseAction{}, fmt.Errorf("unknown engine response %T", resp)
	}
}
