package consensus

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/sehyukpark/peppermint/pkg/crypto"
	"github.com/sehyukpark/peppermint/pkg/vetomint"
)

// Validator is one committee member: its key and its weight.
type Validator struct {
	PublicKey   crypto.PublicKey     `json:"public_key"`
	VotingPower vetomint.VotingPower `json:"voting_power"`
}

// HashSet is a set of 256-bit digests that serializes as a sorted array, so
// the persisted blob is byte-stable for equal sets.
type HashSet map[crypto.Hash256]struct{}

func NewHashSet() HashSet { return make(HashSet) }

func (s HashSet) Contains(h crypto.Hash256) bool {
	_, ok := s[h]
	return ok
}

func (s HashSet) Insert(h crypto.Hash256) { s[h] = struct{}{} }

func (s HashSet) Clone() HashSet {
	out := make(HashSet, len(s))
	for h := range s {
		out[h] = struct{}{}
	}
	return out
}

func (s HashSet) sorted() []crypto.Hash256 {
	out := make([]crypto.Hash256, 0, len(s))
	for h := range s {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

func (s HashSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.sorted())
}

func (s *HashSet) UnmarshalJSON(data []byte) error {
	var hashes []crypto.Hash256
	if err := json.Unmarshal(data, &hashes); err != nil {
		return err
	}
	out := make(HashSet, len(hashes))
	for _, h := range hashes {
		out[h] = struct{}{}
	}
	*s = out
	return nil
}

// State is the coordinator's full persisted state for one height.
type State struct {
	// Engine is the inner BFT state machine.
	Engine *vetomint.Vetomint `json:"engine"`
	// ConsumedMessageDigests holds the content hashes of messages already
	// folded into the engine. It only grows.
	ConsumedMessageDigests HashSet `json:"consumed_message_digests"`
	// VerifiedBlockHashes is append-only; a block's position in it is the
	// immutable index the engine speaks in.
	VerifiedBlockHashes []crypto.Hash256 `json:"verified_block_hashes"`
	// VetoedBlockHashes are blocks the local operator refuses to favor.
	VetoedBlockHashes []crypto.Hash256 `json:"vetoed_block_hashes"`
	// ValidatorSet is the committee for this height, in index order.
	ValidatorSet []Validator `json:"validator_set"`
	// ThisNodeIndex is nil for an observer.
	ThisNodeIndex *int `json:"this_node_index"`
	// Finalized is terminal: once set, every mutating operation fails.
	Finalized bool `json:"finalized"`
}

func encodeState(s *State) ([]byte, error) {
	return json.Marshal(s)
}

func decodeState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.ConsumedMessageDigests == nil {
		s.ConsumedMessageDigests = NewHashSet()
	}
	return &s, nil
}
