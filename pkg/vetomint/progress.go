package vetomint

import (
	"fmt"
	"sort"
)

// Progress feeds one event into the state machine and returns the responses
// it enables, in a deterministic order. The timestamp is echoed into no
// response here; it is the driver's concern. Progress on a finalized machine
// returns nothing.
func (m *Vetomint) Progress(event Event, _ int64) []Response {
	if m.Finalized {
		return nil
	}

	var out []Response
	out = append(out, m.apply(event)...)
	out = append(out, m.evaluate()...)
	return out
}

// apply records an event. Only violation reports (equivocation, or a
// proposal from a validator that does not lead the round) are produced here;
// all protocol actions come out of evaluate.
func (m *Vetomint) apply(event Event) []Response {
	switch ev := event.(type) {
	case BlockCandidateUpdated:
		m.BlockCandidate = ev.Proposal
	case SkipRound:
		if ev.Round >= m.Round {
			m.Round = ev.Round + 1
		}
	case BlockProposalReceived:
		if ev.Proposer != m.proposerOf(ev.Round) {
			return []Response{ViolationReport{
				Violator:    ev.Proposer,
				Description: fmt.Sprintf("proposal for round %d from non-proposer", ev.Round),
			}}
		}
		if prev, ok := m.Proposals[ev.Round]; ok {
			if prev.Proposal != ev.Proposal {
				return []Response{ViolationReport{
					Violator:    ev.Proposer,
					Description: fmt.Sprintf("conflicting proposals in round %d", ev.Round),
				}}
			}
			return nil
		}
		m.Proposals[ev.Round] = &proposal{
			Proposal:   ev.Proposal,
			Proposer:   ev.Proposer,
			ValidRound: ev.ValidRound,
			Favor:      ev.Favor,
			Valid:      ev.Valid,
		}
	case Prevote:
		return m.recordVote(m.Prevotes, "prevote", ev.Round, ev.Signer, ev.Proposal)
	case Precommit:
		return m.recordVote(m.Precommits, "precommit", ev.Round, ev.Signer, ev.Proposal)
	}
	return nil
}

func (m *Vetomint) recordVote(tally map[uint64]map[int]vote, kind string, round uint64, signer int, prop *int) []Response {
	if signer < 0 || signer >= len(m.Info.Validators) {
		return nil
	}
	votes, ok := tally[round]
	if !ok {
		votes = make(map[int]vote)
		tally[round] = votes
	}
	if prev, ok := votes[signer]; ok {
		if !sameVote(prev.Proposal, prop) {
			return []Response{ViolationReport{
				Violator:    signer,
				Description: fmt.Sprintf("double %s in round %d", kind, round),
			}}
		}
		return nil
	}
	v := vote{}
	if prop != nil {
		p := *prop
		v.Proposal = &p
	}
	votes[signer] = v
	return nil
}

func sameVote(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// evaluate runs the protocol rules to a fixpoint. The rules read the
// accumulated tallies together with the current round, the lock, and the
// per-round proposed/prevoted/precommitted flags, so the emitted sequence
// can depend on the order events arrived in; a fixed event order always
// yields the same sequence.
func (m *Vetomint) evaluate() []Response {
	var out []Response
	for {
		if resp, done := m.step(); resp != nil {
			out = append(out, resp...)
			if done {
				return out
			}
			continue
		}
		return out
	}
}

// step fires at most one rule. The bool result reports finalization.
func (m *Vetomint) step() ([]Response, bool) {
	r := m.Round

	// Finalization first: a late quorum of precommits in any round decides
	// the height, participant or not.
	for _, round := range m.sortedVoteRounds(m.Precommits) {
		if v, ok := m.quorumValue(m.Precommits[round]); ok && v != nil {
			m.Finalized = true
			return []Response{FinalizeBlock{Proposal: *v}}, true
		}
	}

	if m.isParticipant() {
		me := *m.Info.ThisNodeIndex

		if m.proposerOf(r) == me && !m.Proposed[r] && m.proposalChoice() != NoBlockCandidate {
			m.Proposed[r] = true
			resp := BroadcastProposal{Proposal: m.proposalChoice(), Round: r}
			if m.ValidRound >= 0 {
				vr := uint64(m.ValidRound)
				resp.ValidRound = &vr
			}
			return []Response{resp}, false
		}

		if p, ok := m.Proposals[r]; ok && !m.Prevoted[r] {
			m.Prevoted[r] = true
			var voteFor *int
			if m.acceptable(p) {
				v := p.Proposal
				voteFor = &v
			}
			return []Response{BroadcastPrevote{Proposal: voteFor, Round: r}}, false
		}

		if !m.Precommitted[r] {
			if v, ok := m.quorumValue(m.Prevotes[r]); ok {
				if v != nil {
					if p, has := m.Proposals[r]; has && p.Proposal == *v {
						m.Precommitted[r] = true
						m.LockedValue = *v
						m.LockedRound = int64(r)
						m.ValidValue = *v
						m.ValidRound = int64(r)
						c := *v
						return []Response{BroadcastPrecommit{Proposal: &c, Round: r}}, false
					}
				} else {
					m.Precommitted[r] = true
					return []Response{BroadcastPrecommit{Proposal: nil, Round: r}}, false
				}
			}
		}
	}

	// A quorum of prevotes for a value marks it valid even if we are past
	// precommitting; later proposers re-propose it.
	for _, round := range m.sortedVoteRounds(m.Prevotes) {
		if int64(round) <= m.ValidRound {
			continue
		}
		if v, ok := m.quorumValue(m.Prevotes[round]); ok && v != nil {
			m.ValidValue = *v
			m.ValidRound = int64(round)
			return []Response{}, false
		}
	}

	// A quorum of nil precommits in the current round exhausts it.
	if v, ok := m.quorumValue(m.Precommits[r]); ok && v == nil {
		m.Round = r + 1
		return []Response{}, false
	}

	return nil, false
}

// proposalChoice is the block this node proposes: a value already proven
// valid by a prevote quorum wins over the fresh candidate.
func (m *Vetomint) proposalChoice() int {
	if m.ValidValue != NoBlockCandidate {
		return m.ValidValue
	}
	return m.BlockCandidate
}

// acceptable applies the prevote rule: the proposal must be valid and
// favored, and must not conflict with an earlier lock unless it carries a
// valid round newer than the lock.
func (m *Vetomint) acceptable(p *proposal) bool {
	if !p.Valid || !p.Favor {
		return false
	}
	if m.LockedValue == NoBlockCandidate || m.LockedValue == p.Proposal {
		return true
	}
	return p.ValidRound != nil && int64(*p.ValidRound) > m.LockedRound
}

// quorumValue returns the vote value holding more than 2/3 of the total
// voting power, if any. Non-nil values are checked in ascending block index
// order, then the nil vote.
func (m *Vetomint) quorumValue(votes map[int]vote) (*int, bool) {
	if len(votes) == 0 {
		return nil, false
	}
	threshold := m.totalPower() * 2 / 3

	byValue := make(map[int]VotingPower)
	var nilPower VotingPower
	for signer, v := range votes {
		power := m.Info.Validators[signer]
		if v.Proposal == nil {
			nilPower += power
		} else {
			byValue[*v.Proposal] += power
		}
	}

	values := make([]int, 0, len(byValue))
	for v := range byValue {
		values = append(values, v)
	}
	sort.Ints(values)
	for _, v := range values {
		if byValue[v] > threshold {
			c := v
			return &c, true
		}
	}
	if nilPower > threshold {
		return nil, true
	}
	return nil, false
}

func (m *Vetomint) sortedVoteRounds(tally map[uint64]map[int]vote) []uint64 {
	rounds := make([]uint64, 0, len(tally))
	for r := range tally {
		rounds = append(rounds, r)
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i] < rounds[j] })
	return rounds
}
