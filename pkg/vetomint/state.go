package vetomint

import "encoding/json"

// vote is a recorded prevote or precommit; a nil Proposal is a nil-vote.
type vote struct {
	Proposal *int `json:"proposal"`
}

// proposal is the recorded proposal of one round.
type proposal struct {
	Proposal   int     `json:"proposal"`
	Proposer   int     `json:"proposer"`
	ValidRound *uint64 `json:"valid_round"`
	Favor      bool    `json:"favor"`
	Valid      bool    `json:"valid"`
}

// Vetomint is the state machine. All fields are exported so the whole value
// serializes to JSON and back without loss; use Clone for an independent
// copy.
type Vetomint struct {
	Info HeightInfo `json:"height_info"`

	Round          uint64 `json:"round"`
	BlockCandidate int    `json:"block_candidate"`

	LockedValue int   `json:"locked_value"` // NoBlockCandidate when unlocked
	LockedRound int64 `json:"locked_round"` // -1 when unlocked
	ValidValue  int   `json:"valid_value"`  // NoBlockCandidate when unset
	ValidRound  int64 `json:"valid_round"`  // -1 when unset

	Proposals  map[uint64]*proposal    `json:"proposals"`
	Prevotes   map[uint64]map[int]vote `json:"prevotes"`
	Precommits map[uint64]map[int]vote `json:"precommits"`

	Proposed     map[uint64]bool `json:"proposed"`
	Prevoted     map[uint64]bool `json:"prevoted"`
	Precommitted map[uint64]bool `json:"precommitted"`

	Finalized bool `json:"finalized"`
}

// New creates a fresh state machine for one height.
func New(info HeightInfo) *Vetomint {
	return &Vetomint{
		Info:           info,
		BlockCandidate: info.InitialBlockCandidate,
		LockedValue:    NoBlockCandidate,
		LockedRound:    -1,
		ValidValue:     NoBlockCandidate,
		ValidRound:     -1,
		Proposals:      make(map[uint64]*proposal),
		Prevotes:       make(map[uint64]map[int]vote),
		Precommits:     make(map[uint64]map[int]vote),
		Proposed:       make(map[uint64]bool),
		Prevoted:       make(map[uint64]bool),
		Precommitted:   make(map[uint64]bool),
	}
}

// Clone returns a deep, independent copy.
func (m *Vetomint) Clone() *Vetomint {
	c := *m
	c.Info.Validators = append([]VotingPower(nil), m.Info.Validators...)
	if m.Info.ThisNodeIndex != nil {
		i := *m.Info.ThisNodeIndex
		c.Info.ThisNodeIndex = &i
	}
	c.Proposals = make(map[uint64]*proposal, len(m.Proposals))
	for r, p := range m.Proposals {
		cp := *p
		if p.ValidRound != nil {
			vr := *p.ValidRound
			cp.ValidRound = &vr
		}
		c.Proposals[r] = &cp
	}
	c.Prevotes = cloneVotes(m.Prevotes)
	c.Precommits = cloneVotes(m.Precommits)
	c.Proposed = cloneFlags(m.Proposed)
	c.Prevoted = cloneFlags(m.Prevoted)
	c.Precommitted = cloneFlags(m.Precommitted)
	return &c
}

func cloneVotes(src map[uint64]map[int]vote) map[uint64]map[int]vote {
	out := make(map[uint64]map[int]vote, len(src))
	for r, votes := range src {
		inner := make(map[int]vote, len(votes))
		for signer, v := range votes {
			cv := vote{}
			if v.Proposal != nil {
				p := *v.Proposal
				cv.Proposal = &p
			}
			inner[signer] = cv
		}
		out[r] = inner
	}
	return out
}

func cloneFlags(src map[uint64]bool) map[uint64]bool {
	out := make(map[uint64]bool, len(src))
	for r, b := range src {
		out[r] = b
	}
	return out
}

// UnmarshalJSON decodes the state and restores non-nil maps, so a state
// machine round-tripped through JSON behaves identically to the original.
func (m *Vetomint) UnmarshalJSON(data []byte) error {
	type alias Vetomint
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = Vetomint(a)
	m.normalize()
	return nil
}

func (m *Vetomint) normalize() {
	if m.Proposals == nil {
		m.Proposals = make(map[uint64]*proposal)
	}
	if m.Prevotes == nil {
		m.Prevotes = make(map[uint64]map[int]vote)
	}
	if m.Precommits == nil {
		m.Precommits = make(map[uint64]map[int]vote)
	}
	if m.Proposed == nil {
		m.Proposed = make(map[uint64]bool)
	}
	if m.Prevoted == nil {
		m.Prevoted = make(map[uint64]bool)
	}
	if m.Precommitted == nil {
		m.Precommitted = make(map[uint64]bool)
	}
}

func (m *Vetomint) totalPower() VotingPower {
	var total VotingPower
	for _, p := range m.Info.Validators {
		total += p
	}
	return total
}

func (m *Vetomint) isParticipant() bool { return m.Info.ThisNodeIndex != nil }

func (m *Vetomint) proposerOf(round uint64) int {
	return int(round % uint64(len(m.Info.Validators)))
}
