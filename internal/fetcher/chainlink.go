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
)

const (
	aggregatorV3ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}
]`
)

var (
	aggregatorV3ABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorV3ABIJSON))
	if err != nil {
		panic("failed to parse AggregatorV3 ABI: " + err.Error())
	}
	aggregatorV3ABI = parsed
}

// ChainlinkOptions parameterise the on-chain oracle source.
type ChainlinkOptions struct {
	RPCURL string
	// Feeds maps asset symbols to aggregator contract addresses.
	Feeds   map[string]string
	Timeout time.Duration
}

// Chainlink reads oracle prices from AggregatorV3 contracts via Ethereum RPC.
type Chainlink struct {
	opts      ChainlinkOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	decimalsMu sync.Mutex
	decimals   map[common.Address]int32
}

// NewChainlink builds a new oracle price source.
func NewChainlink(opts ChainlinkOptions, logger zerolog.Logger) *Chainlink {
	return &Chainlink{
		opts:     opts,
		logger:   logger.With().Str("component", "chainlink_source").Logger(),
		decimals: make(map[common.Address]int32),
	}
}

// FetchPrice calls latestRoundData on the asset's aggregator.
func (c *Chainlink) FetchPrice(ctx context.Context, asset string) (Quote, error) {
	if c.opts.RPCURL == "" {
		return Quote{}, errors.New("ethereum rpc url not configured")
	}
	feed, ok := c.opts.Feeds[asset]
	if !ok || feed == "" {
		return Quote{}, fmt.Errorf("%w: no aggregator for %s", ErrUnknownAsset, asset)
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return Quote{}, err
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
		return Quote{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return Quote{}, errors.New("failed to decode latestRoundData answer")
	}
	if answer.Sign() <= 0 {
		return Quote{}, fmt.Errorf("oracle returned non-positive answer for %s", asset)
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return Quote{}, errors.New("failed to decode latestRoundData updatedAt")
	}

	return Quote{
		Asset:     asset,
		Price:     decimal.NewFromBigInt(answer, -scale),
		Timestamp: time.Unix(updatedAt.Int64(), 0).UTC(),
	}, nil
}

func (c *Chainlink) feedDecimals(ctx context.Context, client *ethclient.Client, addr common.Address) (int32, error) {
	c.decimalsMu.Lock()
	scale, ok := c.decimals[addr]
	c.decimalsMu.Unlock()
	if ok {
		return scale, nil
	}

	outputs, err := c.call(ctx, client, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	c.decimalsMu.Lock()
	c.decimals[addr] = int32(d)
	c.decimalsMu.Unlock()
	return int32(d), nil
}

func (c *Chainlink) call(ctx context.Context, client *ethclient.Client, addr common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorV3ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	return aggregatorV3ABI.Unpack(method, res)
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

// Close releases the RPC connection.
func (c *Chainlink) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

var _ PriceSource = (*Chainlink)(nil)
