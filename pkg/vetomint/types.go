// Package vetomint is a deterministic BFT state machine for a single height
// of consensus. It consumes digested events (proposals, prevotes, precommits,
// candidate updates, round skips) and emits responses (messages to broadcast,
// a finalization, or Byzantine evidence). It performs no I/O, holds no
// timers, and its entire state is plain serializable data, so a driver can
// snapshot, clone, and replay it freely.
package vetomint

// VotingPower is the weight of a validator's vote.
type VotingPower uint64

// ConsensusParams configures one height. TimeoutMS is carried for the
// operator's pacing decisions; the state machine itself is purely
// event-driven.
type ConsensusParams struct {
	TimeoutMS              uint64 `json:"timeout_ms"`
	RepeatRoundForNilBlock bool   `json:"repeat_round_for_nil_block"`
}

// NoBlockCandidate marks the absence of a proposal candidate.
const NoBlockCandidate = -1

// HeightInfo is the immutable context of a height: the validators' voting
// powers in committee order, this node's index (nil for an observer), the
// height start timestamp, and the parameters.
type HeightInfo struct {
	Validators            []VotingPower   `json:"validators"`
	ThisNodeIndex         *int            `json:"this_node_index"`
	Timestamp             int64           `json:"timestamp"`
	ConsensusParams       ConsensusParams `json:"consensus_params"`
	InitialBlockCandidate int             `json:"initial_block_candidate"`
}

// Event is an input to the state machine.
type Event interface{ isEvent() }

// BlockProposalReceived is a proposal relayed from the network, already
// digested: the block is referenced by index and the favor bit reflects the
// local operator's veto decision.
type BlockProposalReceived struct {
	Proposal   int
	Valid      bool
	ValidRound *uint64
	Proposer   int
	Round      uint64
	Favor      bool
}

// BlockCandidateUpdated sets the block this node wants to propose when it
// is the round's proposer.
type BlockCandidateUpdated struct {
	Proposal int
}

// SkipRound is the local operator's refusal to continue the given round.
type SkipRound struct {
	Round uint64
}

// Prevote is a prevote from a validator. A nil Proposal is a nil-vote.
type Prevote struct {
	Proposal *int
	Signer   int
	Round    uint64
}

// Precommit is a precommit from a validator. A nil Proposal is a nil-vote.
type Precommit struct {
	Proposal *int
	Signer   int
	Round    uint64
}

func (BlockProposalReceived) isEvent() {}
func (BlockCandidateUpdated) isEvent() {}
func (SkipRound) isEvent()             {}
func (Prevote) isEvent()               {}
func (Precommit) isEvent()             {}

// Response is an output of the state machine. Broadcast* responses are only
// emitted by participants; FinalizeBlock and ViolationReport are emitted by
// observers too.
type Response interface{ isResponse() }

type BroadcastProposal struct {
	Proposal   int
	ValidRound *uint64
	Round      uint64
}

type BroadcastPrevote struct {
	Proposal *int
	Round    uint64
}

type BroadcastPrecommit struct {
	Proposal *int
	Round    uint64
}

type FinalizeBlock struct {
	Proposal int
}

type ViolationReport struct {
	Violator    int
	Description string
}

func (BroadcastProposal) isResponse()  {}
func (BroadcastPrevote) isResponse()   {}
func (BroadcastPrecommit) isResponse() {}
func (FinalizeBlock) isResponse()      {}
func (ViolationReport) isResponse()    {}
