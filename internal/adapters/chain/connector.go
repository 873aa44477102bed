// Package chain is the chain-data connector. For each enabled network it
// collects the transfers touching a user's addresses and the contracts those
// addresses deployed, then values contract balances in USD.
package chain

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/okian/klyro/internal/config"
	"github.com/okian/klyro/internal/domain/model"
	"github.com/okian/klyro/pkg/logger"
	"github.com/okian/klyro/pkg/metrics"
	"github.com/okian/klyro/pkg/retry"
	"github.com/okian/klyro/pkg/rotator"
)

// contractConcurrency bounds per-network contract inspection.
const contractConcurrency = 4

var (
	mainnetCategories = []model.TransferCategory{ //nolint:gochecknoglobals // fixed enumeration
		model.CategoryExternal, model.CategoryInternal, model.CategoryERC20,
		model.CategoryERC721, model.CategoryERC1155, model.CategorySpecial,
	}
	testnetCategories = []model.TransferCategory{ //nolint:gochecknoglobals // fixed enumeration
		model.CategoryExternal, model.CategoryERC20,
		model.CategoryERC721, model.CategoryERC1155, model.CategorySpecial,
	}
)

// Categories returns the transfer categories queried on a network. Testnets
// skip internal transfers because providers rarely trace them.
func Categories(testnet bool) []model.TransferCategory {
	if testnet {
		return slices.Clone(testnetCategories)
	}
	return slices.Clone(mainnetCategories)
}

// PriceSource converts token amounts to USD. It must not fail.
type PriceSource interface {
	USD(ctx context.Context, symbol string, amount decimal.Decimal) decimal.Decimal
}

// ProviderFactory returns the provider for a network.
type ProviderFactory func(n config.Network) Provider

// Connector fans out over networks. A failed network yields a zero-valued
// FAILED entry while the others are kept.
type Connector struct {
	networks    []config.Network
	providers   map[string]Provider
	prices      PriceSource
	policy      retry.Policy
	blockPolicy retry.Policy
	fallback    retry.FallbackPolicy
	now         func() time.Time
	log         logger.Logger
}

// Option configures a Connector.
type Option func(*Connector)

// WithProviderFactory replaces the JSON-RPC providers.
func WithProviderFactory(f ProviderFactory) Option {
	return func(c *Connector) {
		for _, n := range c.networks {
			c.providers[n.Key()] = f(n)
		}
	}
}

// WithRetryPolicies sets the general and single-block retry policies.
func WithRetryPolicies(general, block retry.Policy) Option {
	return func(c *Connector) {
		c.policy = general
		c.blockPolicy = block
	}
}

// WithBlockTimeFallback sets what happens when a block-time lookup exhausts its retries.
func WithBlockTimeFallback(fb retry.FallbackPolicy) Option {
	return func(c *Connector) { c.fallback = fb }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Connector) { c.now = now }
}

// NewConnector builds a connector over networks with JSON-RPC providers
// keyed from the chain pool.
func NewConnector(networks []config.Network, keys *rotator.Rotator, prices PriceSource, opts ...Option) *Connector {
	c := &Connector{
		networks:    slices.Clone(networks),
		providers:   make(map[string]Provider, len(networks)),
		prices:      prices,
		policy:      retry.Default("chain"),
		blockPolicy: retry.BlockLookup("chain.block_time"),
		fallback:    retry.FallbackSynthetic,
		now:         time.Now,
		log:         logger.Get().Named("chain"),
	}
	for _, n := range networks {
		c.providers[n.Key()] = NewRPCProvider(n, keys)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases JSON-RPC clients.
func (c *Connector) Close() {
	for _, p := range c.providers {
		if rp, ok := p.(*RPCProvider); ok {
			rp.Close()
		}
	}
}

// Fetch collects chain data for addresses on every network enabled in cfg.
// The returned data is always usable; the error lists failed networks.
func (c *Connector) Fetch(ctx context.Context, addresses []string, cfg *config.PlatformConfig) (*model.ChainData, error) {
	if cfg == nil {
		cfg = config.DefaultPlatform()
	}
	addresses = model.NormalizeAddresses(addresses)

	var enabled []config.Network
	for _, n := range c.networks {
		if cfg.ChainEnabled(n.Key()) {
			enabled = append(enabled, n)
		}
	}

	data := &model.ChainData{Networks: make(map[string]model.NetworkData, len(enabled))}
	if len(enabled) == 0 {
		data.FetchedAt = c.now().UTC()
		return data, ErrNoNetworks
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, n := range enabled {
		g.Go(func() error {
			start := c.now()
			nd, err := c.fetchNetwork(ctx, n, addresses, cfg)
			if err != nil {
				c.log.Error(ctx, "network fetch failed",
					logger.String("network", n.Key()),
					logger.Error(err),
				)
				metrics.RecordDomainFetch("chain:"+n.Key(), "failed", c.now().Sub(start))
				nd = model.NetworkData{
					Network:   n.Key(),
					Testnet:   n.IsTestnet(),
					Status:    model.StatusFailed,
					Error:     err.Error(),
					Contracts: []model.Contract{},
					Transfers: []model.Transfer{},
				}
			} else {
				metrics.RecordDomainFetch("chain:"+n.Key(), "completed", c.now().Sub(start))
			}
			mu.Lock()
			data.Networks[n.Key()] = nd
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	keys := make([]string, 0, len(data.Networks))
	for k := range data.Networks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		data.Total.Add(data.Networks[k].Stats)
	}
	data.FetchedAt = c.now().UTC()

	if failed := data.Failed(); len(failed) > 0 {
		sort.Strings(failed)
		return data, fmt.Errorf("%w: %s", ErrNetworksFailed, strings.Join(failed, ", "))
	}
	return data, nil
}

func (c *Connector) fetchNetwork(ctx context.Context, n config.Network, addresses []string, cfg *config.PlatformConfig) (model.NetworkData, error) {
	p, ok := c.providers[n.Key()]
	if !ok {
		return model.NetworkData{}, fmt.Errorf("no provider for %s", n.Key())
	}
	testnet := n.IsTestnet()
	key := n.Key()

	latest, err := retry.Do(ctx, c.named("block_number"), p.BlockNumber)
	if err != nil {
		return model.NetworkData{}, fmt.Errorf("block number: %w", err)
	}
	half := latest / 2
	cats := Categories(testnet)

	nd := model.NetworkData{
		Network:   key,
		Testnet:   testnet,
		Status:    model.StatusCompleted,
		Contracts: []model.Contract{},
		Transfers: []model.Transfer{},
	}
	seen := make(map[string]struct{})
	var creations []RawTransfer

	for _, addr := range addresses {
		out, err := c.transfers(ctx, p, TransferQuery{FromBlock: half, FromAddress: addr, Categories: cats})
		if err != nil {
			return model.NetworkData{}, fmt.Errorf("outbound transfers: %w", err)
		}
		in, err := c.transfers(ctx, p, TransferQuery{FromBlock: half, ToAddress: addr, Categories: cats})
		if err != nil {
			return model.NetworkData{}, fmt.Errorf("inbound transfers: %w", err)
		}
		for _, t := range append(out, in...) {
			id := t.Hash + "|" + string(t.Category) + "|" + t.From + "|" + t.To + "|" + t.Contract
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			nd.Transfers = append(nd.Transfers, toModelTransfer(t, key, testnet))
		}
		for _, t := range out {
			if t.Category == model.CategoryExternal && t.To == "" {
				creations = append(creations, t)
			}
		}
	}

	contracts, err := c.contracts(ctx, p, n, creations, cfg)
	if err != nil {
		return model.NetworkData{}, err
	}
	nd.Contracts = contracts
	nd.Stats = networkStats(nd)
	return nd, nil
}

func (c *Connector) transfers(ctx context.Context, p Provider, q TransferQuery) ([]RawTransfer, error) {
	return retry.Do(ctx, c.named("asset_transfers"), func(ctx context.Context) ([]RawTransfer, error) {
		return p.AssetTransfers(ctx, q)
	})
}

// contracts resolves creation transactions to contract addresses and
// inspects each contract's inbound activity.
func (c *Connector) contracts(ctx context.Context, p Provider, n config.Network, creations []RawTransfer, cfg *config.PlatformConfig) ([]model.Contract, error) {
	out := make([]model.Contract, len(creations))
	found := make([]bool, len(creations))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(contractConcurrency)
	for i, tx := range creations {
		g.Go(func() error {
			addr, err := retry.Do(gctx, c.named("receipt"), func(ctx context.Context) (string, error) {
				return p.ContractAddress(ctx, tx.Hash)
			})
			if err != nil {
				return fmt.Errorf("receipt %s: %w", tx.Hash, err)
			}
			if addr == "" {
				return nil
			}
			ct, err := c.inspectContract(gctx, p, n, addr, tx, cfg)
			if err != nil {
				return err
			}
			out[i], found[i] = ct, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	contracts := make([]model.Contract, 0, len(out))
	for i, ct := range out {
		if found[i] {
			contracts = append(contracts, ct)
		}
	}
	return contracts, nil
}

func (c *Connector) inspectContract(ctx context.Context, p Provider, n config.Network, addr string, creation RawTransfer, cfg *config.PlatformConfig) (model.Contract, error) {
	key := n.Key()
	testnet := n.IsTestnet()

	inbound, err := c.transfers(ctx, p, TransferQuery{
		FromBlock:  creation.BlockNumber,
		ToAddress:  addr,
		Categories: Categories(testnet),
	})
	if err != nil {
		return model.Contract{}, fmt.Errorf("contract %s transfers: %w", addr, err)
	}

	deployedAt, synthetic, err := retry.DoWithFallback(ctx, c.blockPolicy, c.fallback,
		func(ctx context.Context) (time.Time, error) { return p.BlockTime(ctx, creation.BlockNumber) },
		func() time.Time { return c.now().UTC() },
	)
	if err != nil {
		return model.Contract{}, fmt.Errorf("contract %s block time: %w", addr, err)
	}

	senders := make(map[string]struct{})
	txs := make(map[string]struct{})
	tvl := decimal.Zero
	legit := legitTokens(n, cfg)
	for _, t := range inbound {
		senders[t.From] = struct{}{}
		txs[t.Hash] = struct{}{}
		if sym, ok := legit.symbolFor(t); ok {
			tvl = tvl.Add(c.prices.USD(ctx, sym, t.Amount))
		}
	}

	return model.Contract{
		Address:             addr,
		Deployer:            creation.From,
		TxHash:              creation.Hash,
		Network:             key,
		BlockNumber:         creation.BlockNumber,
		DeployedAt:          deployedAt,
		DeployedAtSynthetic: synthetic,
		UniqueUsers:         len(senders),
		TVL:                 tvl.Round(2).InexactFloat64(),
		Transactions:        len(txs),
		Testnet:             testnet,
	}, nil
}

// tokenSet maps allow-listed token contracts to their price symbols.
type tokenSet struct {
	native    string
	contracts map[string]string
}

// legitTokens returns the TVL allow-list for n. The native asset always
// counts; testnets count nothing else.
func legitTokens(n config.Network, cfg *config.PlatformConfig) tokenSet {
	ts := tokenSet{native: strings.ToUpper(n.NativeSymbol), contracts: make(map[string]string)}
	if ts.native == "" {
		ts.native = "ETH"
	}
	if n.IsTestnet() {
		return ts
	}
	for _, tok := range cfg.TVLTokens[n.Key()] {
		if tok.Address == "" {
			continue
		}
		ts.contracts[strings.ToLower(tok.Address)] = strings.ToUpper(tok.Symbol)
	}
	return ts
}

func (ts tokenSet) symbolFor(t RawTransfer) (string, bool) {
	switch t.Category {
	case model.CategoryExternal, model.CategoryInternal:
		if t.Contract == "" {
			return ts.native, true
		}
	case model.CategoryERC20:
		if sym, ok := ts.contracts[t.Contract]; ok {
			return sym, true
		}
	}
	return "", false
}

func networkStats(nd model.NetworkData) model.ChainStats {
	s := model.ChainStats{ByCategory: make(map[model.TransferCategory]int)}
	for _, ct := range nd.Contracts {
		if ct.Testnet {
			s.TestnetContracts++
		} else {
			s.MainnetContracts++
		}
		s.TVL += ct.TVL
		s.UniqueUsers += ct.UniqueUsers
		s.Transactions += ct.Transactions
	}
	for _, t := range nd.Transfers {
		if t.Testnet {
			s.TestnetTransfers++
		} else {
			s.MainnetTransfers++
		}
		s.ByCategory[t.Category]++
	}
	return s
}

func toModelTransfer(t RawTransfer, network string, testnet bool) model.Transfer {
	return model.Transfer{
		Hash:        t.Hash,
		From:        t.From,
		To:          t.To,
		Category:    t.Category,
		Asset:       t.Asset,
		Value:       t.Amount.InexactFloat64(),
		RawContract: t.Contract,
		BlockNumber: t.BlockNumber,
		Network:     network,
		Testnet:     testnet,
	}
}

func (c *Connector) named(op string) retry.Policy {
	p := c.policy
	p.Name = "chain." + op
	return p
}
