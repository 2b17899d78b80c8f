package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/fasset/internal/assetmanager"
	"github.com/moltbunker/fasset/internal/attestation"
	"github.com/moltbunker/fasset/internal/collateral"
	"github.com/moltbunker/fasset/internal/util"
)

var (
	_ collateral.PriceReader = (*FtsoPriceReader)(nil)
	_ attestation.RootStore  = (*RelayRootStore)(nil)
	_ assetmanager.Treasury  = (*TokenTreasury)(nil)
)

func TestMockFtsoPriceReader(t *testing.T) {
	r := NewMockFtsoPriceReader()
	if !r.IsMockMode() {
		t.Fatal("expected mock mode")
	}
	ctx := context.Background()

	if _, err := r.Price(ctx, "XRP"); !errors.Is(err, collateral.ErrPriceNotFound) {
		t.Errorf("expected ErrPriceNotFound, got %v", err)
	}

	r.SetMockPrice("XRP", 52000, 5, 1700000000)
	p, err := r.Price(ctx, "XRP")
	if err != nil {
		t.Fatalf("Price failed: %v", err)
	}
	if p.Value.Int64() != 52000 || p.Decimals != 5 || p.Timestamp != 1700000000 {
		t.Errorf("price = %+v", p)
	}

	// callers must not be able to change the stored price
	p.Value.SetInt64(1)
	again, _ := r.Price(ctx, "XRP")
	if again.Value.Int64() != 52000 {
		t.Errorf("stored price mutated to %s", again.Value)
	}
}

func TestDecodePrice(t *testing.T) {
	tests := []struct {
		name    string
		result  []interface{}
		want    int64
		wantErr bool
	}{
		{"ok", []interface{}{big.NewInt(123), big.NewInt(10), big.NewInt(5)}, 123, false},
		{"short", []interface{}{big.NewInt(123)}, 0, true},
		{"zero price", []interface{}{big.NewInt(0), big.NewInt(10), big.NewInt(5)}, 0, true},
		{"bad decimals", []interface{}{big.NewInt(1), big.NewInt(10), big.NewInt(300)}, 0, true},
		{"wrong type", []interface{}{"1", big.NewInt(10), big.NewInt(5)}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := decodePrice("XRP", tt.result)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p.Value.Int64() != tt.want {
				t.Errorf("value = %s, want %d", p.Value, tt.want)
			}
		})
	}
}

func TestDecodeRoot(t *testing.T) {
	want := common.HexToHash("0x01")
	got, err := decodeRoot([]interface{}{[32]byte(want)})
	if err != nil || got != want {
		t.Errorf("decodeRoot = %s, %v", got.Hex(), err)
	}
	if _, err := decodeRoot(nil); err == nil {
		t.Error("expected error for empty result")
	}
	if _, err := decodeRoot([]interface{}{"root"}); err == nil {
		t.Error("expected error for wrong type")
	}
}

func TestConstructorsRequireConnection(t *testing.T) {
	client := NewClient(nil, nil)
	if client.IsConnected() {
		t.Fatal("new client should not be connected")
	}
	if _, err := NewFtsoPriceReader(client, common.Address{}); err == nil {
		t.Error("NewFtsoPriceReader should fail without a connection")
	}
	if _, err := NewRelayRootStore(client, common.Address{}, FDCProtocolID); err == nil {
		t.Error("NewRelayRootStore should fail without a connection")
	}
	if _, err := NewTokenTreasury(client); err == nil {
		t.Error("NewTokenTreasury should fail without a connection")
	}
	if _, err := client.TransactOpts(context.Background()); err == nil {
		t.Error("TransactOpts should fail without a key")
	}
}

func TestLoadPrivateKey(t *testing.T) {
	const hexKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	key, err := LoadPrivateKey("0x" + hexKey)
	if err != nil {
		t.Fatalf("LoadPrivateKey failed: %v", err)
	}
	client := NewClient(nil, key)
	if client.Address() == (common.Address{}) {
		t.Error("client address should derive from the key")
	}
	if _, err := LoadPrivateKey("nothex"); err == nil {
		t.Error("expected error for invalid key")
	}
}

func TestMockTokenTreasury(t *testing.T) {
	tr := NewMockTokenTreasury()
	ctx := context.Background()
	token := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	to := common.HexToAddress("0x00000000000000000000000000000000000000a1")

	if err := tr.Transfer(ctx, assetmanager.Transfer{Token: token, To: to, AmountWei: big.NewInt(700), Reason: "test"}); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if err := tr.Transfer(ctx, assetmanager.Transfer{Token: token, To: to, AmountWei: big.NewInt(300), Reason: "test"}); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	// zero amounts are skipped
	if err := tr.Transfer(ctx, assetmanager.Transfer{Token: token, To: to, AmountWei: big.NewInt(0)}); err != nil {
		t.Errorf("zero transfer should be a no-op, got %v", err)
	}
	err := tr.Transfer(ctx, assetmanager.Transfer{To: to, AmountWei: big.NewInt(1), Reason: "no token"})
	if err == nil {
		t.Error("expected error for missing token")
	} else if !util.IsNonRetryable(err) {
		t.Errorf("missing token should not be retried: %v", err)
	}

	bal, err := tr.BalanceOf(ctx, token, to)
	if err != nil {
		t.Fatalf("BalanceOf failed: %v", err)
	}
	if bal.Int64() != 1000 {
		t.Errorf("balance = %s, want 1000", bal)
	}
}
