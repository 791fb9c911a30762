package fetcher

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"market-sampler/internal/failure"
)

const (
	chainlinkName = "chainlink"

	aggregatorABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`
)

var (
	aggregatorABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ChainlinkOptions parameterise the on-chain price feed provider.
type ChainlinkOptions struct {
	RPCURL  string
	Timeout time.Duration
	// Feeds maps a symbol id to its aggregator contract address.
	Feeds map[string]string
}

// Chainlink reads prices from Chainlink aggregator contracts over Ethereum RPC.
// Feeds carry price only.
type Chainlink struct {
	opts      ChainlinkOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	decimalsMux sync.Mutex
	decimals    map[common.Address]int32
}

// NewChainlink builds a new on-chain price provider.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	return &Chainlink{
		opts:     opts,
		logger:   logger.With().Str("component", "chainlink_fetcher").Logger(),
		decimals: make(map[common.Address]int32),
	}
}

// Name identifies the provider.
func (c *Chainlink) Name() string { return chainlinkName }

// FetchCurrent reads the latest round answer of the symbol's feed.
func (c *Chainlink) FetchCurrent(ctx context.Context, symbol string) (Quote, error) {
	if c.opts.RPCURL == "" {
		return Quote{}, c.invalid(errors.New("ethereum rpc url not configured"))
	}
	feed, ok := c.opts.Feeds[symbol]
	if !ok || feed == "" {
		return Quote{}, c.invalid(fmt.Errorf("no aggregator mapped for %q", symbol))
	}
	if !common.IsHexAddress(feed) {
		return Quote{}, c.invalid(fmt.Errorf("invalid aggregator address %q", feed))
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return Quote{}, failure.FromTransport(chainlinkName, err)
	}

	addr := common.HexToAddress(feed)
	scale, err := c.feedDecimals(ctx, client, addr)
	if err != nil {
		return Quote{}, err
	}

	outputs, err := c.call(ctx, client, addr, "latestRoundData")
	if err != nil {
		return Quote{}, err
	}
	if len(outputs) != 5 {
		return Quote{}, c.malformed(errors.New("unexpected latestRoundData response"))
	}
	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return Quote{}, c.malformed(errors.New("failed to decode answer"))
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return Quote{}, c.malformed(errors.New("failed to decode updatedAt"))
	}

	quote := Quote{Provider: chainlinkName, Symbol: symbol, Timestamp: time.Now().UTC()}
	if answer.Sign() > 0 {
		price := decimal.NewFromBigInt(answer, -scale)
		quote.Price = floatPtr(price.InexactFloat64())
	}
	if updatedAt.Sign() > 0 {
		quote.Timestamp = time.Unix(updatedAt.Int64(), 0).UTC()
	}
	return quote, nil
}

// FetchRange is not supported by aggregator feeds.
func (c *Chainlink) FetchRange(ctx context.Context, symbol string, from, to time.Time) ([]Quote, error) {
	return nil, ErrRangeUnsupported
}

// HealthCheck reads the current block number.
func (c *Chainlink) HealthCheck(ctx context.Context) error {
	if c.opts.RPCURL == "" {
		return errors.New("ethereum rpc url not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return err
	}
	_, err = client.BlockNumber(ctx)
	return err
}

func (c *Chainlink) feedDecimals(ctx context.Context, client *ethclient.Client, addr common.Address) (int32, error) {
	c.decimalsMux.Lock()
	scale, ok := c.decimals[addr]
	c.decimalsMux.Unlock()
	if ok {
		return scale, nil
	}

	outputs, err := c.call(ctx, client, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, c.malformed(errors.New("unexpected decimals response"))
	}
	raw, ok := outputs[0].(uint8)
	if !ok {
		return 0, c.malformed(errors.New("failed to decode decimals"))
	}

	c.decimalsMux.Lock()
	c.decimals[addr] = int32(raw)
	c.decimalsMux.Unlock()
	return int32(raw), nil
}

func (c *Chainlink) call(ctx context.Context, client *ethclient.Client, addr common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, c.invalid(err)
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, failure.FromTransport(chainlinkName, err)
	}
	outputs, err := aggregatorABI.Unpack(method, res)
	if err != nil {
		return nil, c.malformed(err)
	}
	return outputs, nil
}

func (c *Chainlink) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

func (c *Chainlink) timeout() time.Duration {
	if c.opts.Timeout <= 0 {
		return 10 * time.Second
	}
	return c.opts.Timeout
}

func (c *Chainlink) invalid(err error) error {
	return &failure.Error{Kind: failure.KindInvalidRequest, Provider: chainlinkName, Err: err}
}

func (c *Chainlink) malformed(err error) error {
	return &failure.Error{Kind: failure.KindServer, Provider: chainlinkName, Op: "decode response", Err: err}
}

var _ Provider = (*Chainlink)(nil)
