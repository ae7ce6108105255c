package consensus

import (
	"errors"
	"sync"

	"github.com/sehyukpark/peppermint/pkg/crypto"
	"github.com/sehyukpark/peppermint/pkg/dms"
)

// VerifiedHashView is the membership projection of the verified block hash
// sequence, shared by reference with the admission filter. The coordinator
// is the only writer; filter invocations from the gossip layer read it
// concurrently.
type VerifiedHashView struct {
	mu     sync.RWMutex
	hashes map[crypto.Hash256]struct{}
}

func newVerifiedHashView(hashes []crypto.Hash256) *VerifiedHashView {
	v := &VerifiedHashView{hashes: make(map[crypto.Hash256]struct{}, len(hashes))}
	for _, h := range hashes {
		v.hashes[h] = struct{}{}
	}
	return v
}

func (v *VerifiedHashView) Contains(h crypto.Hash256) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.hashes[h]
	return ok
}

func (v *VerifiedHashView) insert(h crypto.Hash256) {
	v.mu.Lock()
	v.hashes[h] = struct{}{}
	v.mu.Unlock()
}

// ConsensusMessageFilter is the admission predicate installed into the
// distributed message set. Rejections are eventually permissive: a message
// turned away for an unverified block may be re-offered and accepted once
// the block is registered.
type ConsensusMessageFilter struct {
	view       *VerifiedHashView
	validators map[crypto.PublicKey]struct{}
}

func (f *ConsensusMessageFilter) Filter(msg dms.Message) error {
	m, err := DecodeConsensusMessage(msg.Data())
	if err != nil {
		return err
	}
	if _, ok := f.validators[msg.Signature().Signer]; !ok {
		return errors.New("the signer is not in the validator set")
	}
	if h, ok := referencedBlockHash(m); ok && !f.view.Contains(h) {
		return errors.New("the block hash is not verified yet")
	}
	return nil
}

// referencedBlockHash extracts the block hash a message speaks about, if
// any. Nil votes reference none.
func referencedBlockHash(m ConsensusMessage) (crypto.Hash256, bool) {
	switch msg := m.(type) {
	case MsgProposal:
		return msg.BlockHash, true
	case MsgNonNilPreVoted:
		return msg.BlockHash, true
	case MsgNonNilPreCommitted:
		return msg.BlockHash, true
	default:
		return crypto.Hash256{}, false
	}
}

var _ dms.MessageFilter = (*ConsensusMessageFilter)(nil)
