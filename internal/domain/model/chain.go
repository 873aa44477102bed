package model

import (
	"strings"
	"time"
)

// TransferCategory classifies a transfer the way the chain provider does.
type TransferCategory string

// Transfer categories.
const (
	CategoryExternal TransferCategory = "external"
	CategoryInternal TransferCategory = "internal"
	CategoryERC20    TransferCategory = "erc20"
	CategoryERC721   TransferCategory = "erc721"
	CategoryERC1155  TransferCategory = "erc1155"
	CategorySpecial  TransferCategory = "specialnft"
)

// NetworkKey builds the "chain:network" key, e.g. "ethereum:mainnet".
func NetworkKey(chain, network string) string {
	return strings.ToLower(chain) + ":" + strings.ToLower(network)
}

// IsTestnetName reports whether a network name denotes a testnet.
func IsTestnetName(name string) bool {
	return strings.Contains(strings.ToLower(name), "sepolia")
}

// ChainData is a per-user snapshot of on-chain activity keyed by network.
type ChainData struct {
	Networks  map[string]NetworkData `json:"networks"`
	Total     ChainStats             `json:"total"`
	FetchedAt time.Time              `json:"fetchedAt"`
}

// NetworkData holds one network's result. A failed network carries a
// zero-valued payload with Status FAILED.
type NetworkData struct {
	Network   string     `json:"network"`
	Testnet   bool       `json:"testnet"`
	Status    Status     `json:"status"`
	Error     string     `json:"error,omitempty"`
	Contracts []Contract `json:"contracts"`
	Transfers []Transfer `json:"transfers"`
	Stats     ChainStats `json:"stats"`
}

// Contract is a contract deployed by one of the user's addresses.
type Contract struct {
	Address     string    `json:"address"`
	Deployer    string    `json:"deployer"`
	TxHash      string    `json:"txHash"`
	Network     string    `json:"network"`
	BlockNumber uint64    `json:"blockNumber"`
	DeployedAt  time.Time `json:"deployedAt"`
	// DeployedAtSynthetic marks a deployment time substituted after the
	// block lookup exhausted its retries.
	DeployedAtSynthetic bool    `json:"deployedAtSynthetic,omitempty"`
	UniqueUsers         int     `json:"uniqueUsers"`
	TVL                 float64 `json:"tvl"`
	Transactions        int     `json:"transactions"`
	Testnet             bool    `json:"testnet"`
}

// Transfer is one asset movement touching a user's address.
type Transfer struct {
	Hash        string           `json:"hash"`
	From        string           `json:"from"`
	To          string           `json:"to,omitempty"`
	Category    TransferCategory `json:"category"`
	Asset       string           `json:"asset,omitempty"`
	Value       float64          `json:"value"`
	RawContract string           `json:"rawContract,omitempty"`
	BlockNumber uint64           `json:"blockNumber"`
	Network     string           `json:"network"`
	Testnet     bool             `json:"testnet"`
}

// ChainStats are derived aggregate statistics.
type ChainStats struct {
	MainnetContracts int                      `json:"mainnetContracts"`
	TestnetContracts int                      `json:"testnetContracts"`
	TVL              float64                  `json:"tvl"`
	UniqueUsers      int                      `json:"uniqueUsers"`
	Transactions     int                      `json:"transactions"`
	MainnetTransfers int                      `json:"mainnetTransfers"`
	TestnetTransfers int                      `json:"testnetTransfers"`
	ByCategory       map[TransferCategory]int `json:"byCategory"`
}

// Add accumulates o into s.
func (s *ChainStats) Add(o ChainStats) {
	s.MainnetContracts += o.MainnetContracts
	s.TestnetContracts += o.TestnetContracts
	s.TVL += o.TVL
	s.UniqueUsers += o.UniqueUsers
	s.Transactions += o.Transactions
	s.MainnetTransfers += o.MainnetTransfers
	s.TestnetTransfers += o.TestnetTransfers
	if len(o.ByCategory) > 0 && s.ByCategory == nil {
		s.ByCategory = make(map[TransferCategory]int, len(o.ByCategory))
	}
	for k, v := range o.ByCategory {
		s.ByCategory[k] += v
	}
}

// Failed lists the networks whose fetch failed.
func (c *ChainData) Failed() []string {
	var out []string
	for k, n := range c.Networks {
		if n.Status == StatusFailed {
			out = append(out, k)
		}
	}
	return out
}
