package consensus

import (
	"context"
	"errors"
	"time"

	"github.com/sehyukpark/peppermint/pkg/crypto"
	"github.com/sehyukpark/peppermint/pkg/dms"
	"github.com/sehyukpark/peppermint/pkg/util"
)

// Status is a read-only snapshot of the coordinator for operator surfaces.
type Status struct {
	Round            uint64 `json:"round"`
	Finalized        bool   `json:"finalized"`
	VerifiedBlocks   int    `json:"verified_blocks"`
	ConsumedMessages int    `json:"consumed_messages"`
	Validators       int    `json:"validators"`
	ThisNodeIndex    *int   `json:"this_node_index"`
}

// snapshot is the read-shared projection published after every persist.
type snapshot struct {
	status Status
	blocks []crypto.Hash256
}

func (c *Consensus) publishSnapshot() {
	c.published.Store(snapshot{
		status: Status{
			Round:            c.state.Engine.Round,
			Finalized:        c.state.Finalized,
			VerifiedBlocks:   len(c.state.VerifiedBlockHashes),
			ConsumedMessages: len(c.state.ConsumedMessageDigests),
			Validators:       len(c.state.ValidatorSet),
			ThisNodeIndex:    c.state.ThisNodeIndex,
		},
		blocks: append([]crypto.Hash256(nil), c.state.VerifiedBlockHashes...),
	})
}

// Status reports the last persisted state. Safe from any goroutine.
func (c *Consensus) Status() Status {
	return c.published.Load().(snapshot).status
}

// VerifiedBlocks returns a copy of the verified hash sequence, in index
// order. Safe from any goroutine.
func (c *Consensus) VerifiedBlocks() []crypto.Hash256 {
	return c.published.Load().(snapshot).blocks
}

// Serve interleaves Fetch and Progress on a timer until the height
// finalizes or the context ends, streaming outcomes to the returned
// channel. The serving goroutine becomes the instance's single writer;
// callers must not invoke mutating operations while it runs, except
// RegisterVerifiedBlock/SetProposalCandidate-style calls coordinated
// through their own serialization with it.
func (c *Consensus) Serve(ctx context.Context, config dms.NetworkConfig, peers []dms.Peer, interval time.Duration, clock util.Clock) <-chan ProgressResult {
	out := make(chan ProgressResult, 64)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-clock.After(interval):
			}
			if err := c.Fetch(ctx, config, peers); err != nil {
				c.log.Warnw("fetch_failed", "err", err)
			}
			results, err := c.Progress(ctx, config, peers, clock.Now().UnixMilli())
			if err != nil {
				if errors.Is(err, ErrFinalized) {
					return
				}
				// Progress failures leave the batch un-consumed; the next
				// tick retries.
				c.log.Warnw("progress_failed", "err", err)
				continue
			}
			for _, r := range results {
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
			if c.state.Finalized {
				return
			}
		}
	}()
	return out
}
