package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Consensus struct {
	// Validators are hex-encoded compressed public keys, in committee
	// order. Voting power is read pairwise from Powers; missing entries
	// default to 1.
	Validators []string
	Powers     []uint64
	// TimeoutMS is handed to the engine's parameters.
	TimeoutMS uint64
	// ProgressInterval paces the serve loop's fetch+progress ticks.
	ProgressInterval time.Duration
}

type Node struct {
	// DataDir holds the state blob and the message set.
	DataDir string
	// ListenAddr is the libp2p listen multiaddr.
	ListenAddr string
	// Bootstrap are multiaddrs of known peers, also used for anti-entropy.
	Bootstrap []string
	// PrivateKeyHex is empty for an observer node.
	PrivateKeyHex string
	// NodeIndex is this node's slot in the validator set; -1 for an
	// observer.
	NodeIndex int
	// APIAddr is the REST/WebSocket listen address; empty disables it.
	APIAddr string
	LogFile string
}

type Config struct {
	Consensus Consensus
	Node      Node
}

func Default() Config {
	return Config{
		Consensus: Consensus{
			TimeoutMS:        6000,
			ProgressInterval: 200 * time.Millisecond,
		},
		Node: Node{
			DataDir:    "data",
			ListenAddr: "/ip4/0.0.0.0/tcp/26656",
			NodeIndex:  -1,
			APIAddr:    ":8080",
			LogFile:    "data/node.log",
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and
// environment variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("LISTEN"); v != "" {
		cfg.Node.ListenAddr = v
	}
	if v := os.Getenv("BOOTSTRAP"); v != "" {
		cfg.Node.Bootstrap = splitList(v)
	}
	if v := os.Getenv("PRIVATE_KEY"); v != "" {
		cfg.Node.PrivateKeyHex = v
	}
	if v := os.Getenv("NODE_INDEX"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Node.NodeIndex = i
		}
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}

	if v := os.Getenv("CONSENSUS_VALIDATORS"); v != "" {
		cfg.Consensus.Validators = splitList(v)
	}
	if v := os.Getenv("CONSENSUS_POWERS"); v != "" {
		for _, s := range splitList(v) {
			p, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				p = 1
			}
			cfg.Consensus.Powers = append(cfg.Consensus.Powers, p)
		}
	}
	if v := os.Getenv("CONSENSUS_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Consensus.TimeoutMS = ms
		}
	}
	if v := os.Getenv("PROGRESS_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Consensus.ProgressInterval = time.Duration(ms) * time.Millisecond
		}
	}

	return cfg
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
