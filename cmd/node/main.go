package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sehyukpark/peppermint/params"
	"github.com/sehyukpark/peppermint/pkg/api"
	"github.com/sehyukpark/peppermint/pkg/consensus"
	"github.com/sehyukpark/peppermint/pkg/crypto"
	"github.com/sehyukpark/peppermint/pkg/dms"
	"github.com/sehyukpark/peppermint/pkg/p2p"
	"github.com/sehyukpark/peppermint/pkg/storage"
	"github.com/sehyukpark/peppermint/pkg/util"
	"github.com/sehyukpark/peppermint/pkg/vetomint"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	var store storage.Storage
	if os.Getenv("STORAGE") == "pebble" {
		ps, err := storage.NewPebbleStorage(filepath.Join(cfg.Node.DataDir, "db"))
		if err != nil {
			sugar.Fatalw("storage_init_failed", "err", err)
		}
		defer ps.Close()
		store = ps
	} else {
		fs, err := storage.NewFileStorage(cfg.Node.DataDir)
		if err != nil {
			sugar.Fatalw("storage_init_failed", "err", err)
		}
		store = fs
	}

	// ---- Validator set ----
	if len(cfg.Consensus.Validators) == 0 {
		sugar.Fatalw("no_validators_configured")
	}
	validators := make([]consensus.Validator, len(cfg.Consensus.Validators))
	for i, hex := range cfg.Consensus.Validators {
		pub, err := crypto.PublicKeyFromHex(hex)
		if err != nil {
			sugar.Fatalw("bad_validator_key", "index", i, "err", err)
		}
		power := vetomint.VotingPower(1)
		if i < len(cfg.Consensus.Powers) {
			power = vetomint.VotingPower(cfg.Consensus.Powers[i])
		}
		validators[i] = consensus.Validator{PublicKey: pub, VotingPower: power}
	}
	var thisNode *int
	if cfg.Node.NodeIndex >= 0 {
		idx := cfg.Node.NodeIndex
		thisNode = &idx
	}

	var key *crypto.PrivateKey
	if cfg.Node.PrivateKeyHex != "" {
		if key, err = crypto.PrivateKeyFromHex(cfg.Node.PrivateKeyHex); err != nil {
			sugar.Fatalw("bad_private_key", "err", err)
		}
	}

	// ---- Gossip ----
	net, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
		ListenAddr: cfg.Node.ListenAddr,
		Bootstrap:  cfg.Node.Bootstrap,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("libp2p_init_failed", "err", err)
	}
	defer net.Close()

	set, err := dms.New(ctx, net, store, sugar)
	if err != nil {
		sugar.Fatalw("dms_init_failed", "err", err)
	}

	// ---- Consensus ----
	// First boot writes a fresh height; restarts resume from the blob.
	exists, err := consensus.Exists(ctx, store)
	if err != nil {
		sugar.Fatalw("state_read_failed", "err", err)
	}
	if !exists {
		timestamp := util.RealClock{}.Now().UnixMilli()
		createParams := vetomint.ConsensusParams{TimeoutMS: cfg.Consensus.TimeoutMS}
		if err := consensus.Create(ctx, store, validators, thisNode, timestamp, createParams); err != nil {
			sugar.Fatalw("create_failed", "err", err)
		}
		sugar.Infow("height_created", "validators", len(validators))
	}

	coord, err := consensus.Open(ctx, set, store, key, sugar)
	if err != nil {
		sugar.Fatalw("open_failed", "err", err)
	}

	// ---- API ----
	var apiServer *api.Server
	if cfg.Node.APIAddr != "" {
		apiServer = api.NewServer(sugar)
		apiServer.PublishStatus(coord.Status(), coord.VerifiedBlocks())
		go func() {
			if err := apiServer.Start(cfg.Node.APIAddr); err != nil {
				sugar.Warnw("api_stopped", "err", err)
			}
		}()
	}

	peers := make([]dms.Peer, len(cfg.Node.Bootstrap))
	for i, addr := range cfg.Node.Bootstrap {
		peers[i] = dms.Peer{Address: addr}
	}
	netCfg := dms.NetworkConfig{PrivateKey: key}

	sugar.Infow("node_started",
		"listen", cfg.Node.ListenAddr,
		"addr", net.Addr(),
		"observer", key == nil,
	)

	outcomes := coord.Serve(ctx, netCfg, peers, cfg.Consensus.ProgressInterval, util.RealClock{})
	for outcome := range outcomes {
		if apiServer != nil {
			apiServer.PublishOutcome(outcome)
			apiServer.PublishStatus(coord.Status(), coord.VerifiedBlocks())
		}
		switch o := outcome.(type) {
		case consensus.Finalized:
			sugar.Infow("finalized", "block", o.BlockHash.String(), "t", o.Timestamp)
		case consensus.ViolationReported:
			sugar.Warnw("violation", "validator", crypto.Fingerprint(o.Violator), "desc", o.Description)
		default:
			sugar.Infow("outcome", "value", o)
		}
	}
	sugar.Infow("node_stopped")
}
