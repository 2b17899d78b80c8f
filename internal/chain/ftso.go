package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/fasset/internal/collateral"
)

// FtsoPriceReader reads USD prices from the FTSO registry. It implements
// collateral.PriceReader.
type FtsoPriceReader struct {
	client       *Client
	contract     *bind.BoundContract
	contractAddr common.Address
	mockMode     bool

	mockPrices map[string]collateral.Price
	mockMu     sync.RWMutex
}

// NewFtsoPriceReader binds the registry at contractAddr.
func NewFtsoPriceReader(client *Client, contractAddr common.Address) (*FtsoPriceReader, error) {
	if client == nil {
		return nil, fmt.Errorf("chain client is required (use NewMockFtsoPriceReader for testing)")
	}
	if !client.IsConnected() {
		return nil, fmt.Errorf("chain client not connected to RPC")
	}
	parsed, err := abi.JSON(strings.NewReader(FtsoRegistryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ftso registry ABI: %w", err)
	}
	backend := client.Backend()
	return &FtsoPriceReader{
		client:       client,
		contractAddr: contractAddr,
		contract:     bind.NewBoundContract(contractAddr, parsed, backend, backend, backend),
	}, nil
}

// NewMockFtsoPriceReader creates a reader serving prices set with SetMockPrice.
func NewMockFtsoPriceReader() *FtsoPriceReader {
	return &FtsoPriceReader{
		mockMode:   true,
		mockPrices: make(map[string]collateral.Price),
	}
}

// IsMockMode returns whether running in mock mode.
func (r *FtsoPriceReader) IsMockMode() bool {
	return r.mockMode
}

// SetMockPrice sets a price in mock mode.
func (r *FtsoPriceReader) SetMockPrice(symbol string, value int64, decimals uint8, timestamp uint64) {
	r.mockMu.Lock()
	defer r.mockMu.Unlock()
	r.mockPrices[symbol] = collateral.Price{Value: big.NewInt(value), Decimals: decimals, Timestamp: timestamp}
}

// Price implements collateral.PriceReader.
func (r *FtsoPriceReader) Price(ctx context.Context, symbol string) (collateral.Price, error) {
	if r.mockMode {
		r.mockMu.RLock()
		defer r.mockMu.RUnlock()
		p, ok := r.mockPrices[symbol]
		if !ok {
			return collateral.Price{}, fmt.Errorf("%s: %w", symbol, collateral.ErrPriceNotFound)
		}
		return collateral.Price{Value: new(big.Int).Set(p.Value), Decimals: p.Decimals, Timestamp: p.Timestamp}, nil
	}

	var result []interface{}
	if err := r.contract.Call(&bind.CallOpts{Context: ctx}, &result, "getCurrentPriceWithDecimals", symbol); err != nil {
		return collateral.Price{}, fmt.Errorf("failed to read price of %s: %w", symbol, err)
	}
	return decodePrice(symbol, result)
}

func decodePrice(symbol string, result []interface{}) (collateral.Price, error) {
	if len(result) != 3 {
		return collateral.Price{}, fmt.Errorf("unexpected ftso result length %d", len(result))
	}
	value, ok1 := result[0].(*big.Int)
	timestamp, ok2 := result[1].(*big.Int)
	decimals, ok3 := result[2].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return collateral.Price{}, fmt.Errorf("unexpected ftso result types for %s", symbol)
	}
	if value.Sign() == 0 {
		return collateral.Price{}, fmt.Errorf("%s: %w", symbol, collateral.ErrPriceNotFound)
	}
	if !decimals.IsUint64() || decimals.Uint64() > 36 {
		return collateral.Price{}, fmt.Errorf("invalid decimals %s for %s", decimals, symbol)
	}
	return collateral.Price{Value: value, Decimals: uint8(decimals.Uint64()), Timestamp: timestamp.Uint64()}, nil
}
