package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/sehyukpark/peppermint/pkg/crypto"
	"github.com/sehyukpark/peppermint/pkg/dms"
)

type fakeClock struct {
	ticks chan time.Time
}

func (f fakeClock) After(time.Duration) <-chan time.Time { return f.ticks }
func (f fakeClock) Now() time.Time                       { return time.Unix(0, 0) }

func TestServeDrivesToFinalization(t *testing.T) {
	f := newFixture(t, testKeys(t), nil)
	h1 := crypto.HashOfString("block-1")
	if err := f.c.RegisterVerifiedBlock(f.ctx, h1); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.gossip(0, MsgProposal{Round: 0, BlockHash: h1})
	for signer := 0; signer <= 2; signer++ {
		f.gossip(signer, MsgNonNilPreVoted{Round: 0, BlockHash: h1})
		f.gossip(signer, MsgNonNilPreCommitted{Round: 0, BlockHash: h1})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clock := fakeClock{ticks: make(chan time.Time, 1)}
	out := f.c.Serve(ctx, dms.NetworkConfig{}, nil, time.Second, clock)
	clock.ticks <- time.Unix(1, 0)

	var finalized bool
	for r := range out {
		if _, ok := r.(Finalized); ok {
			finalized = true
		}
	}
	if !finalized {
		t.Fatal("serve loop did not surface finalization")
	}
	if !f.c.state.Finalized {
		t.Error("state not finalized after serve")
	}
}

func TestServeStopsOnContextCancel(t *testing.T) {
	f := newFixture(t, testKeys(t), intp(0))
	ctx, cancel := context.WithCancel(context.Background())
	clock := fakeClock{ticks: make(chan time.Time)}
	out := f.c.Serve(ctx, dms.NetworkConfig{}, nil, time.Second, clock)
	cancel()
	for range out {
	}
}
