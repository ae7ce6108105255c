package vetomint

import (
	"encoding/json"
	"reflect"
	"testing"
)

func fourValidators(thisNode int) HeightInfo {
	idx := thisNode
	info := HeightInfo{
		Validators:            []VotingPower{1, 1, 1, 1},
		Timestamp:             0,
		ConsensusParams:       ConsensusParams{TimeoutMS: 6000},
		InitialBlockCandidate: NoBlockCandidate,
	}
	if thisNode >= 0 {
		info.ThisNodeIndex = &idx
	}
	return info
}

func intp(v int) *int { return &v }

func TestHappyPathFinalization(t *testing.T) {
	m := New(fourValidators(0))

	// We lead round 0: candidate registration triggers a proposal.
	resps := m.Progress(BlockCandidateUpdated{Proposal: 0}, 1)
	if len(resps) != 1 {
		t.Fatalf("responses = %v, want one proposal", resps)
	}
	if bp, ok := resps[0].(BroadcastProposal); !ok || bp.Proposal != 0 || bp.Round != 0 {
		t.Fatalf("response = %#v, want BroadcastProposal{0, round 0}", resps[0])
	}

	// Our own proposal comes back from the message set.
	resps = m.Progress(BlockProposalReceived{Proposal: 0, Valid: true, Proposer: 0, Round: 0, Favor: true}, 2)
	if len(resps) != 1 {
		t.Fatalf("responses = %v, want one prevote", resps)
	}
	if pv, ok := resps[0].(BroadcastPrevote); !ok || pv.Proposal == nil || *pv.Proposal != 0 {
		t.Fatalf("response = %#v, want non-nil BroadcastPrevote", resps[0])
	}

	// Prevotes from the other three validators give a quorum.
	var all []Response
	for signer := 1; signer <= 3; signer++ {
		all = append(all, m.Progress(Prevote{Proposal: intp(0), Signer: signer, Round: 0}, 3)...)
	}
	if len(all) != 1 {
		t.Fatalf("responses = %v, want one precommit", all)
	}
	if pc, ok := all[0].(BroadcastPrecommit); !ok || pc.Proposal == nil || *pc.Proposal != 0 {
		t.Fatalf("response = %#v, want non-nil BroadcastPrecommit", all[0])
	}
	if m.LockedValue != 0 {
		t.Errorf("LockedValue = %d, want 0", m.LockedValue)
	}

	// Precommits from the other three validators finalize.
	all = nil
	for signer := 1; signer <= 3; signer++ {
		all = append(all, m.Progress(Precommit{Proposal: intp(0), Signer: signer, Round: 0}, 4)...)
	}
	if len(all) != 1 {
		t.Fatalf("responses = %v, want one finalization", all)
	}
	if fb, ok := all[0].(FinalizeBlock); !ok || fb.Proposal != 0 {
		t.Fatalf("response = %#v, want FinalizeBlock{0}", all[0])
	}
	if !m.Finalized {
		t.Error("machine not finalized")
	}
	if got := m.Progress(Prevote{Proposal: intp(0), Signer: 1, Round: 1}, 5); got != nil {
		t.Errorf("progress after finalization = %v, want nil", got)
	}
}

func TestUnfavoredProposalGetsNilPrevote(t *testing.T) {
	m := New(fourValidators(1))

	// Round 0 is led by validator 0; favor=false reflects a local veto.
	resps := m.Progress(BlockProposalReceived{Proposal: 0, Valid: true, Proposer: 0, Round: 0, Favor: false}, 1)
	if len(resps) != 1 {
		t.Fatalf("responses = %v, want one prevote", resps)
	}
	pv, ok := resps[0].(BroadcastPrevote)
	if !ok || pv.Proposal != nil {
		t.Fatalf("response = %#v, want nil BroadcastPrevote", resps[0])
	}
}

func TestNilPrecommitQuorumAdvancesRound(t *testing.T) {
	m := New(fourValidators(0))

	for signer := 1; signer <= 3; signer++ {
		m.Progress(Precommit{Proposal: nil, Signer: signer, Round: 0}, 1)
	}
	if m.Round != 1 {
		t.Fatalf("round = %d, want 1", m.Round)
	}
}

func TestSkipRound(t *testing.T) {
	m := New(fourValidators(0))

	m.Progress(SkipRound{Round: 2}, 1)
	if m.Round != 3 {
		t.Fatalf("round = %d, want 3", m.Round)
	}

	// Stale skips do not rewind.
	m.Progress(SkipRound{Round: 1}, 2)
	if m.Round != 3 {
		t.Fatalf("round = %d, want 3 after stale skip", m.Round)
	}
}

func TestSkipRoundIntoOwnProposerSlot(t *testing.T) {
	m := New(fourValidators(0))
	m.Progress(BlockCandidateUpdated{Proposal: 0}, 1)

	// Rounds 0 and 4 are ours; skipping past 3 makes us propose again.
	resps := m.Progress(SkipRound{Round: 3}, 2)
	if len(resps) != 1 {
		t.Fatalf("responses = %v, want one proposal", resps)
	}
	if bp, ok := resps[0].(BroadcastProposal); !ok || bp.Round != 4 {
		t.Fatalf("response = %#v, want BroadcastProposal in round 4", resps[0])
	}
}

func TestDoubleVoteIsReported(t *testing.T) {
	m := New(fourValidators(0))

	m.Progress(Prevote{Proposal: intp(0), Signer: 2, Round: 0}, 1)
	resps := m.Progress(Prevote{Proposal: intp(1), Signer: 2, Round: 0}, 2)
	if len(resps) != 1 {
		t.Fatalf("responses = %v, want one violation", resps)
	}
	vr, ok := resps[0].(ViolationReport)
	if !ok || vr.Violator != 2 {
		t.Fatalf("response = %#v, want ViolationReport{violator 2}", resps[0])
	}

	// A repeat of the same vote is not equivocation.
	if got := m.Progress(Prevote{Proposal: intp(0), Signer: 2, Round: 0}, 3); len(got) != 0 {
		t.Errorf("responses = %v, want none for duplicate vote", got)
	}
}

func TestNonProposerProposalIsReported(t *testing.T) {
	m := New(fourValidators(0))

	resps := m.Progress(BlockProposalReceived{Proposal: 0, Valid: true, Proposer: 2, Round: 0, Favor: true}, 1)
	if len(resps) != 1 {
		t.Fatalf("responses = %v, want one violation", resps)
	}
	if vr, ok := resps[0].(ViolationReport); !ok || vr.Violator != 2 {
		t.Fatalf("response = %#v, want ViolationReport{violator 2}", resps[0])
	}
}

func TestObserverNeverBroadcasts(t *testing.T) {
	m := New(fourValidators(-1))

	var all []Response
	all = append(all, m.Progress(BlockProposalReceived{Proposal: 0, Valid: true, Proposer: 0, Round: 0, Favor: true}, 1)...)
	for signer := 0; signer <= 2; signer++ {
		all = append(all, m.Progress(Prevote{Proposal: intp(0), Signer: signer, Round: 0}, 2)...)
	}
	for signer := 0; signer <= 2; signer++ {
		all = append(all, m.Progress(Precommit{Proposal: intp(0), Signer: signer, Round: 0}, 3)...)
	}

	var finalized bool
	for _, r := range all {
		switch r.(type) {
		case BroadcastProposal, BroadcastPrevote, BroadcastPrecommit:
			t.Fatalf("observer emitted broadcast response %#v", r)
		case FinalizeBlock:
			finalized = true
		}
	}
	if !finalized {
		t.Error("observer did not finalize")
	}
}

func TestLockRefusesConflictingProposal(t *testing.T) {
	m := New(fourValidators(1))

	// Lock on block 0 in round 0.
	m.Progress(BlockProposalReceived{Proposal: 0, Valid: true, Proposer: 0, Round: 0, Favor: true}, 1)
	for signer := 0; signer <= 3; signer++ {
		if signer == 1 {
			continue
		}
		m.Progress(Prevote{Proposal: intp(0), Signer: signer, Round: 0}, 2)
	}
	if m.LockedValue != 0 {
		t.Fatalf("LockedValue = %d, want 0", m.LockedValue)
	}

	// Exhaust round 0, then round 1 proposes a different block without a
	// newer valid round: prevote must be nil.
	for signer := 0; signer <= 3; signer++ {
		if signer == 1 {
			continue
		}
		m.Progress(Precommit{Proposal: nil, Signer: signer, Round: 0}, 3)
	}
	if m.Round != 1 {
		t.Fatalf("round = %d, want 1", m.Round)
	}
	// Round 1 carries a different block without a newer valid round.
	resps := m.Progress(BlockProposalReceived{Proposal: 1, Valid: true, Proposer: 1, Round: 1, Favor: true}, 4)
	foundNil := false
	for _, r := range resps {
		if pv, ok := r.(BroadcastPrevote); ok {
			if pv.Proposal != nil {
				t.Fatalf("prevote = %#v, want nil while locked elsewhere", pv)
			}
			foundNil = true
		}
	}
	if !foundNil {
		t.Fatalf("responses = %v, want a nil prevote", resps)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	m := New(fourValidators(0))
	m.Progress(BlockCandidateUpdated{Proposal: 0}, 1)
	m.Progress(Prevote{Proposal: intp(0), Signer: 1, Round: 0}, 2)

	c := m.Clone()
	c.Progress(Prevote{Proposal: intp(0), Signer: 2, Round: 0}, 3)
	c.Progress(SkipRound{Round: 5}, 4)

	if len(m.Prevotes[0]) != 1 {
		t.Errorf("original prevote count = %d, want 1", len(m.Prevotes[0]))
	}
	if m.Round != 0 {
		t.Errorf("original round = %d, want 0", m.Round)
	}
}

func TestDeterministicReplayAfterJSONRoundTrip(t *testing.T) {
	run := func(m *Vetomint) []Response {
		var all []Response
		all = append(all, m.Progress(BlockProposalReceived{Proposal: 0, Valid: true, Proposer: 0, Round: 0, Favor: true}, 1)...)
		for signer := 0; signer <= 3; signer++ {
			if signer == 1 {
				continue
			}
			all = append(all, m.Progress(Prevote{Proposal: intp(0), Signer: signer, Round: 0}, 2)...)
		}
		for signer := 0; signer <= 3; signer++ {
			if signer == 1 {
				continue
			}
			all = append(all, m.Progress(Precommit{Proposal: intp(0), Signer: signer, Round: 0}, 3)...)
		}
		return all
	}

	m1 := New(fourValidators(1))
	data, err := json.Marshal(m1)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m2 Vetomint
	if err := json.Unmarshal(data, &m2); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	r1 := run(m1)
	r2 := run(&m2)
	if !reflect.DeepEqual(r1, r2) {
		t.Errorf("replay diverged:\n%v\n%v", r1, r2)
	}
}

func TestValidRoundCarriedIntoReproposal(t *testing.T) {
	m := New(fourValidators(0))
	m.Progress(BlockCandidateUpdated{Proposal: 1}, 1)

	// A prevote quorum for block 0 in round 0 marks it valid even though our
	// own prevote was nil.
	m.Progress(BlockProposalReceived{Proposal: 0, Valid: true, Proposer: 0, Round: 0, Favor: false}, 1)
	for signer := 1; signer <= 3; signer++ {
		m.Progress(Prevote{Proposal: intp(0), Signer: signer, Round: 0}, 2)
	}
	if m.ValidValue != 0 || m.ValidRound != 0 {
		t.Fatalf("valid value/round = %d/%d, want 0/0", m.ValidValue, m.ValidRound)
	}

	// When we lead round 4, we re-propose the proven value, not the fresh
	// candidate, carrying the valid round along.
	resps := m.Progress(SkipRound{Round: 3}, 3)
	var bp *BroadcastProposal
	for _, r := range resps {
		if got, ok := r.(BroadcastProposal); ok {
			bp = &got
		}
	}
	if bp == nil {
		t.Fatalf("responses = %v, want a proposal", resps)
	}
	if bp.Proposal != 0 {
		t.Errorf("re-proposed block = %d, want 0", bp.Proposal)
	}
	if bp.ValidRound == nil || *bp.ValidRound != 0 {
		t.Errorf("valid round = %v, want 0", bp.ValidRound)
	}
}
