package collateral

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/moltbunker/fasset/pkg/types"
)

// ErrPriceNotFound is returned for symbols without a price.
var ErrPriceNotFound = errors.New("price not found")

// Price is a price-feed quote in USD.
type Price struct {
	Value     *big.Int `json:"value"`
	Decimals  uint8    `json:"decimals"`
	Timestamp uint64   `json:"timestamp"`
}

// PriceReader provides per-symbol USD prices.
type PriceReader interface {
	Price(ctx context.Context, symbol string) (Price, error)
}

// PriceStore is an in-memory PriceReader fed by ApplyPriceUpdate.
type PriceStore struct {
	mu     sync.RWMutex
	prices map[string]Price
}

// NewPriceStore creates an empty price store.
func NewPriceStore() *PriceStore {
	return &PriceStore{prices: make(map[string]Price)}
}

// ApplyPriceUpdate records a new price for symbol.
func (s *PriceStore) ApplyPriceUpdate(symbol string, price Price) error {
	if price.Value == nil || price.Value.Sign() <= 0 {
		return fmt.Errorf("invalid price for %s", symbol)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = Price{Value: new(big.Int).Set(price.Value), Decimals: price.Decimals, Timestamp: price.Timestamp}
	return nil
}

// Price implements PriceReader.
func (s *PriceStore) Price(_ context.Context, symbol string) (Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prices[symbol]
	if !ok {
		return Price{}, fmt.Errorf("%s: %w", symbol, ErrPriceNotFound)
	}
	return Price{Value: new(big.Int).Set(p.Value), Decimals: p.Decimals, Timestamp: p.Timestamp}, nil
}

// Symbols returns all priced symbols.
func (s *PriceStore) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.prices))
	for k := range s.prices {
		out = append(out, k)
	}
	return out
}

// usdPrice is the implicit price of a USD-pegged token.
var usdPrice = Price{Value: big.NewInt(1), Decimals: 0}

func tokenPriceOf(ctx context.Context, prices PriceReader, symbol string) (Price, error) {
	if symbol == "" {
		return usdPrice, nil
	}
	return prices.Price(ctx, symbol)
}

// AMGToTokenWeiPrice computes how many token wei one AMG is worth, scaled by 1e9:
// assetPrice * 10^(tokenDecimals + tokenFtsoDecimals + 9 - mintingDecimals - assetFtsoDecimals) / tokenPrice.
func AMGToTokenWeiPrice(tokenDecimals uint8, tokenPrice Price, assetMintingDecimals uint8, assetPrice Price) *big.Int {
	exp := int(tokenDecimals) + int(tokenPrice.Decimals) + AMGTokenWeiPriceScaleExp -
		int(assetMintingDecimals) - int(assetPrice.Decimals)
	num := new(big.Int).Set(assetPrice.Value)
	den := new(big.Int).Set(tokenPrice.Value)
	if exp >= 0 {
		num.Mul(num, pow10(exp))
	} else {
		den.Mul(den, pow10(-exp))
	}
	return num.Quo(num, den)
}

// PriceFor returns the AMG to token-wei price for a collateral type.
func (a Asset) PriceFor(ctx context.Context, prices PriceReader, ct *types.CollateralType) (*big.Int, error) {
	assetPrice, err := prices.Price(ctx, ct.AssetFtsoSymbol)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset price: %w", err)
	}
	tokenPrice, err := tokenPriceOf(ctx, prices, ct.TokenFtsoSymbol)
	if err != nil {
		return nil, fmt.Errorf("failed to read token price: %w", err)
	}
	price := AMGToTokenWeiPrice(ct.Decimals, tokenPrice, a.MintingDecimals, assetPrice)
	if price.Sign() == 0 {
		return nil, fmt.Errorf("zero amg price for %s", ct.Token.Hex())
	}
	return price, nil
}

// ConvertUSD5ToTokenWei converts an amount of USD with 5 decimals to token wei.
func ConvertUSD5ToTokenWei(ctx context.Context, prices PriceReader, amountUSD5 *big.Int, ct *types.CollateralType) (*big.Int, error) {
	tokenPrice, err := tokenPriceOf(ctx, prices, ct.TokenFtsoSymbol)
	if err != nil {
		return nil, fmt.Errorf("failed to read token price: %w", err)
	}
	// wei = usd5 * 10^(decimals + priceDecimals) / (price * 1e5)
	num := new(big.Int).Mul(amountUSD5, pow10(int(ct.Decimals)+int(tokenPrice.Decimals)))
	den := new(big.Int).Mul(tokenPrice.Value, pow10(5))
	return num.Quo(num, den), nil
}
