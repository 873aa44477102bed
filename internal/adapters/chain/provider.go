package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	"github.com/okian/klyro/internal/config"
	"github.com/okian/klyro/internal/domain/model"
	"github.com/okian/klyro/pkg/retry"
	"github.com/okian/klyro/pkg/rotator"
)

const transfersPerPage = 1000

// TransferQuery selects asset transfers. Exactly one of FromAddress and
// ToAddress is normally set. ToBlock zero means latest.
type TransferQuery struct {
	FromBlock   uint64
	ToBlock     uint64
	FromAddress string
	ToAddress   string
	Categories  []model.TransferCategory
}

// RawTransfer is a provider transfer with its exact on-chain amount.
type RawTransfer struct {
	Hash        string
	From        string
	To          string // empty for contract creation
	Category    model.TransferCategory
	Asset       string
	Contract    string // token contract, empty for native transfers
	Amount      decimal.Decimal
	BlockNumber uint64
}

// Provider is the chain-data API for one network.
type Provider interface {
	// AssetTransfers returns every page of matching transfers.
	AssetTransfers(ctx context.Context, q TransferQuery) ([]RawTransfer, error)
	// ContractAddress returns the contract created by txHash, or "" if none.
	ContractAddress(ctx context.Context, txHash string) (string, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTime(ctx context.Context, number uint64) (time.Time, error)
}

// RPCProvider talks Alchemy-compatible JSON-RPC. Each request draws a key
// from the chain pool and substitutes it into the URL template.
type RPCProvider struct {
	network config.Network
	keys    *rotator.Rotator

	mu      sync.Mutex
	clients map[string]*rpc.Client
}

// NewRPCProvider creates a provider for network. keys may be nil when the
// URL carries no {key} placeholder.
func NewRPCProvider(network config.Network, keys *rotator.Rotator) *RPCProvider {
	return &RPCProvider{network: network, keys: keys, clients: make(map[string]*rpc.Client)}
}

func (p *RPCProvider) client(ctx context.Context) (*rpc.Client, error) {
	url := p.network.RPCURL
	if strings.Contains(url, config.KeyPlaceholder) {
		if p.keys == nil {
			return nil, retry.Permanent(fmt.Errorf("%s: %w", p.network.Key(), rotator.ErrUnknownPool))
		}
		key, err := p.keys.Next(rotator.PoolChain)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		url = strings.ReplaceAll(url, config.KeyPlaceholder, key)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[url]; ok {
		return c, nil
	}
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.network.Key(), err)
	}
	p.clients[url] = c
	return c, nil
}

// Close releases every dialed client.
func (p *RPCProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, c := range p.clients {
		c.Close()
		delete(p.clients, k)
	}
}

type transferParams struct {
	FromBlock        string   `json:"fromBlock"`
	ToBlock          string   `json:"toBlock"`
	FromAddress      string   `json:"fromAddress,omitempty"`
	ToAddress        string   `json:"toAddress,omitempty"`
	Category         []string `json:"category"`
	WithMetadata     bool     `json:"withMetadata"`
	ExcludeZeroValue bool     `json:"excludeZeroValue"`
	MaxCount         string   `json:"maxCount"`
	PageKey          string   `json:"pageKey,omitempty"`
}

type transfersResult struct {
	Transfers []assetTransfer `json:"transfers"`
	PageKey   string          `json:"pageKey"`
}

type assetTransfer struct {
	BlockNum    string   `json:"blockNum"`
	Hash        string   `json:"hash"`
	From        string   `json:"from"`
	To          *string  `json:"to"`
	Value       *float64 `json:"value"`
	Asset       *string  `json:"asset"`
	Category    string   `json:"category"`
	RawContract struct {
		Value   *string `json:"value"`
		Address *string `json:"address"`
		Decimal *string `json:"decimal"`
	} `json:"rawContract"`
}

func (p *RPCProvider) AssetTransfers(ctx context.Context, q TransferQuery) ([]RawTransfer, error) {
	c, err := p.client(ctx)
	if err != nil {
		return nil, err
	}
	params := transferParams{
		FromBlock:        hexutil.EncodeUint64(q.FromBlock),
		ToBlock:          "latest",
		FromAddress:      q.FromAddress,
		ToAddress:        q.ToAddress,
		ExcludeZeroValue: false,
		MaxCount:         hexutil.EncodeUint64(transfersPerPage),
	}
	if q.ToBlock > 0 {
		params.ToBlock = hexutil.EncodeUint64(q.ToBlock)
	}
	for _, cat := range q.Categories {
		params.Category = append(params.Category, string(cat))
	}

	var out []RawTransfer
	for {
		var res transfersResult
		if err := c.CallContext(ctx, &res, "alchemy_getAssetTransfers", params); err != nil {
			return nil, classifyRPC(err)
		}
		for _, t := range res.Transfers {
			out = append(out, toRawTransfer(t))
		}
		if res.PageKey == "" {
			return out, nil
		}
		params.PageKey = res.PageKey
	}
}

func (p *RPCProvider) ContractAddress(ctx context.Context, txHash string) (string, error) {
	c, err := p.client(ctx)
	if err != nil {
		return "", err
	}
	var receipt *struct {
		ContractAddress *common.Address `json:"contractAddress"`
	}
	if err := c.CallContext(ctx, &receipt, "eth_getTransactionReceipt", common.HexToHash(txHash)); err != nil {
		return "", classifyRPC(err)
	}
	if receipt == nil {
		return "", fmt.Errorf("%w: %s", ErrNoReceipt, txHash)
	}
	if receipt.ContractAddress == nil || *receipt.ContractAddress == (common.Address{}) {
		return "", nil
	}
	return strings.ToLower(receipt.ContractAddress.Hex()), nil
}

func (p *RPCProvider) BlockNumber(ctx context.Context) (uint64, error) {
	c, err := p.client(ctx)
	if err != nil {
		return 0, err
	}
	n, err := ethclient.NewClient(c).BlockNumber(ctx)
	if err != nil {
		return 0, classifyRPC(err)
	}
	return n, nil
}

func (p *RPCProvider) BlockTime(ctx context.Context, number uint64) (time.Time, error) {
	c, err := p.client(ctx)
	if err != nil {
		return time.Time{}, err
	}
	var block *struct {
		Timestamp hexutil.Uint64 `json:"timestamp"`
	}
	if err := c.CallContext(ctx, &block, "eth_getBlockByNumber", hexutil.EncodeBig(new(big.Int).SetUint64(number)), false); err != nil {
		return time.Time{}, classifyRPC(err)
	}
	if block == nil {
		return time.Time{}, fmt.Errorf("block %d not found", number)
	}
	return time.Unix(int64(block.Timestamp), 0).UTC(), nil
}

func toRawTransfer(t assetTransfer) RawTransfer {
	rt := RawTransfer{
		Hash:     strings.ToLower(t.Hash),
		From:     strings.ToLower(t.From),
		Category: model.TransferCategory(t.Category),
	}
	if t.To != nil {
		rt.To = strings.ToLower(*t.To)
	}
	if t.Asset != nil {
		rt.Asset = *t.Asset
	}
	if t.RawContract.Address != nil {
		rt.Contract = strings.ToLower(*t.RawContract.Address)
	}
	if n, err := hexutil.DecodeUint64(t.BlockNum); err == nil {
		rt.BlockNumber = n
	}
	rt.Amount = amountOf(t)
	return rt
}

// amountOf prefers the exact raw value scaled by the token decimals and falls
// back to the provider's float value.
func amountOf(t assetTransfer) decimal.Decimal {
	if t.RawContract.Value != nil && t.RawContract.Decimal != nil {
		raw, errV := hexutil.DecodeBig(trimHexZeros(*t.RawContract.Value))
		dec, errD := hexutil.DecodeUint64(*t.RawContract.Decimal)
		if errV == nil && errD == nil {
			return decimal.NewFromBigInt(raw, -int32(dec))
		}
	}
	if t.Value != nil {
		return decimal.NewFromFloat(*t.Value)
	}
	return decimal.Zero
}

// trimHexZeros strips leading zeros, which hexutil rejects.
func trimHexZeros(s string) string {
	if !strings.HasPrefix(s, "0x") {
		return s
	}
	body := strings.TrimLeft(s[2:], "0")
	if body == "" {
		body = "0"
	}
	return "0x" + body
}

// classifyRPC attaches an HTTP status to transport errors so rate limits get
// the cooldown treatment.
func classifyRPC(err error) error {
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) {
		return fmt.Errorf("%w: %w", &retry.StatusError{Status: httpErr.StatusCode, Body: string(httpErr.Body)}, err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == 429 {
		return fmt.Errorf("%w: %w", &retry.StatusError{Status: 429, Body: rpcErr.Error()}, err)
	}
	var jsonErr *json.SyntaxError
	if errors.As(err, &jsonErr) {
		return retry.Permanent(err)
	}
	return err
}
