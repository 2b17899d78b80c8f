// Package assetmanager implements the FAsset agent state machine: agent lifecycle, collateral
// reservation and minting, redemption, liquidation and payment challenges. Every operation runs
// in a single store transaction and either commits entirely or leaves state untouched; collateral
// payouts and events are dispatched only after commit.
package assetmanager

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/moltbunker/fasset/internal/attestation"
	"github.com/moltbunker/fasset/internal/collateral"
	"github.com/moltbunker/fasset/internal/logging"
	"github.com/moltbunker/fasset/internal/settings"
	"github.com/moltbunker/fasset/internal/store"
	"github.com/moltbunker/fasset/internal/util"
	"github.com/moltbunker/fasset/pkg/types"
)

// ProofVerifier checks attestation proofs. *attestation.Verifier implements it.
type ProofVerifier interface {
	SourceID() common.Hash
	VerifyPayment(ctx context.Context, p *attestation.Payment) error
	VerifyBalanceDecreasingTransaction(ctx context.Context, b *attestation.BalanceDecreasingTransaction) error
	VerifyReferencedPaymentNonexistence(ctx context.Context, r *attestation.ReferencedPaymentNonexistence) error
	VerifyConfirmedBlockHeightExists(ctx context.Context, c *attestation.ConfirmedBlockHeightExists) error
}

// Config wires the engine's collaborators.
type Config struct {
	Store    store.Store
	Settings *settings.Manager
	Prices   collateral.PriceReader
	Verifier ProofVerifier
	Treasury Treasury
	Events   EventSink
	// Clock defaults to time.Now.
	Clock func() time.Time
	// Retry configures post-commit transfer retries; nil uses util.DefaultRetryConfig.
	Retry *util.RetryConfig
}

// Engine is the asset manager for one f-asset.
type Engine struct {
	store    store.Store
	settings *settings.Manager
	prices   collateral.PriceReader
	verifier ProofVerifier
	treasury Treasury
	events   EventSink
	clock    func() time.Time
	retry    *util.RetryConfig
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Settings == nil {
		return nil, fmt.Errorf("settings are required")
	}
	if cfg.Prices == nil {
		return nil, fmt.Errorf("price reader is required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("proof verifier is required")
	}
	s := cfg.Settings.Current()
	if cfg.Verifier.SourceID() != s.SourceID() {
		return nil, fmt.Errorf("verifier source %q does not match asset source %q",
			attestation.DecodeName(cfg.Verifier.SourceID()), s.SourceChain)
	}
	e := &Engine{
		store:    cfg.Store,
		settings: cfg.Settings,
		prices:   cfg.Prices,
		verifier: cfg.Verifier,
		treasury: cfg.Treasury,
		events:   cfg.Events,
		clock:    cfg.Clock,
		retry:    cfg.Retry,
	}
	if e.treasury == nil {
		e.treasury = NewMemoryTreasury()
	}
	if e.events == nil {
		e.events = nopSink{}
	}
	if e.clock == nil {
		e.clock = time.Now
	}
	if e.retry == nil {
		e.retry = util.DefaultRetryConfig()
		e.retry.RetryIf = util.DefaultRetryIf()
	}
	return e, nil
}

// Settings returns the settings manager.
func (e *Engine) Settings() *settings.Manager {
	return e.settings
}

func (e *Engine) now() uint64 {
	return uint64(e.clock().Unix())
}

// op is the state of one operation: the open transaction, a snapshot of settings and every
// agent touched so far. Agents and asset state are written back when the operation succeeds.
type op struct {
	ctx      context.Context
	tx       store.Tx
	now      uint64
	settings settings.AssetSettings
	acc      *collateral.Accounting
	mgr      *settings.Manager

	st     *types.AssetState
	agents map[common.Address]*types.Agent
	order  []common.Address

	transfers []Transfer
	events    []Event
}

func (o *op) agent(vault common.Address) (*types.Agent, error) {
	if a, ok := o.agents[vault]; ok {
		return a, nil
	}
	a, err := store.GetAgent(o.tx, vault)
	if store.IsNotFound(err) {
		return nil, precondition("invalid agent vault address")
	}
	if err != nil {
		return nil, err
	}
	o.agents[vault] = a
	o.order = append(o.order, vault)
	return a, nil
}

func (o *op) addAgent(a *types.Agent) {
	o.agents[a.Vault] = a
	o.order = append(o.order, a.Vault)
}

func (o *op) forgetAgent(vault common.Address) {
	delete(o.agents, vault)
}

func (o *op) emit(ev Event) {
	ev.Timestamp = o.now
	o.events = append(o.events, ev)
}

func (o *op) transfer(t Transfer) {
	if t.AmountWei == nil || t.AmountWei.Sign() <= 0 {
		return
	}
	o.transfers = append(o.transfers, t)
}

func (o *op) save() error {
	if err := store.PutState(o.tx, o.st); err != nil {
		return err
	}
	for _, vault := range o.order {
		a, ok := o.agents[vault]
		if !ok {
			continue
		}
		if err := store.PutAgent(o.tx, a); err != nil {
			return err
		}
	}
	return nil
}

// update runs fn in a write transaction and dispatches its effects after commit.
func (e *Engine) update(ctx context.Context, name string, fn func(o *op) error) error {
	var committed *op
	err := e.store.Update(ctx, func(tx store.Tx) error {
		st, err := store.GetState(tx)
		if err != nil {
			return err
		}
		s := e.settings.Current()
		o := &op{
			ctx:      ctx,
			tx:       tx,
			now:      e.now(),
			settings: s,
			acc:      collateral.NewAccounting(s.Asset(), e.prices),
			mgr:      e.settings,
			st:       st,
			agents:   make(map[common.Address]*types.Agent),
		}
		if err := fn(o); err != nil {
			return err
		}
		if err := o.save(); err != nil {
			return err
		}
		committed = o
		return nil
	})
	if err != nil {
		var opErr *Error
		if errors.As(err, &opErr) {
			logging.Debug("operation rejected", "operation", name, "reason", opErr.Reason, "kind", opErr.Kind.String())
		} else {
			logging.Error("operation failed", "operation", name, logging.Err(err))
		}
		return err
	}
	e.dispatch(ctx, committed)
	return nil
}

// view runs fn in a read transaction.
func (e *Engine) view(ctx context.Context, fn func(o *op) error) error {
	return e.store.View(ctx, func(tx store.Tx) error {
		st, err := store.GetState(tx)
		if err != nil {
			return err
		}
		s := e.settings.Current()
		return fn(&op{
			ctx:      ctx,
			tx:       tx,
			now:      e.now(),
			settings: s,
			acc:      collateral.NewAccounting(s.Asset(), e.prices),
			mgr:      e.settings,
			st:       st,
			agents:   make(map[common.Address]*types.Agent),
		})
	})
}

func (e *Engine) dispatch(ctx context.Context, o *op) {
	for _, t := range o.transfers {
		t := t
		res := util.Retry(ctx, e.retry, func() error {
			return e.treasury.Transfer(ctx, t)
		})
		if res.LastError != nil {
			logging.Error("collateral transfer failed",
				logging.Component("assetmanager"),
				logging.Address("to", t.To),
				"reason", t.Reason,
				"amount_wei", t.AmountWei.String(),
				"attempts", res.Attempts,
				logging.Err(res.LastError))
		}
	}
	for _, ev := range o.events {
		e.events.Publish(ev)
	}
}

// requireOwner checks that caller is the agent's management address or its registered work address.
func (o *op) requireOwner(caller common.Address, agent *types.Agent) error {
	management, err := store.GetManagementAddress(o.tx, caller)
	if err != nil {
		return err
	}
	if management != agent.Owner {
		return unauthorized("only agent vault owner")
	}
	return nil
}

func (o *op) isOwner(caller common.Address, agent *types.Agent) (bool, error) {
	management, err := store.GetManagementAddress(o.tx, caller)
	if err != nil {
		return false, err
	}
	return management == agent.Owner, nil
}

// collateralTypes returns the agent's vault collateral type and the pool collateral type.
func (o *op) collateralTypes(agent *types.Agent) (vault, pool *types.CollateralType, err error) {
	vault, err = o.mgr.CollateralType(agent.VaultCollateralToken)
	if err != nil {
		return nil, nil, err
	}
	pool = o.mgr.PoolCollateral()
	if pool == nil {
		return nil, nil, fmt.Errorf("pool collateral not configured")
	}
	return vault, pool, nil
}

func (o *op) collateralType(agent *types.Agent, class types.CollateralClass) (*types.CollateralType, error) {
	vault, pool, err := o.collateralTypes(agent)
	if err != nil {
		return nil, err
	}
	if class == types.CollateralClassPool {
		return pool, nil
	}
	return vault, nil
}

// ratios returns the agent's vault and pool collateral ratios.
func (o *op) ratios(agent *types.Agent) (vaultCR, poolCR uint64, err error) {
	vault, pool, err := o.collateralTypes(agent)
	if err != nil {
		return 0, 0, err
	}
	if vaultCR, err = o.acc.CollateralRatioBIPS(o.ctx, agent, vault); err != nil {
		return 0, 0, err
	}
	if poolCR, err = o.acc.CollateralRatioBIPS(o.ctx, agent, pool); err != nil {
		return 0, 0, err
	}
	return vaultCR, poolCR, nil
}

// tokenWei converts AMG to wei of the given collateral type at the current price.
func (o *op) tokenWei(amg uint64, ct *types.CollateralType) (*big.Int, error) {
	price, err := o.acc.Asset.PriceFor(o.ctx, o.acc.Prices, ct)
	if err != nil {
		return nil, err
	}
	return collateral.ConvertAMGToTokenWei(amg, price), nil
}

// nextRequestID advances the request counter by a block-derived skip and returns an id of the
// requested parity: odd for collateral reservations, even for redemptions.
func (o *op) nextRequestID(odd bool) uint64 {
	seed := o.st.CurrentUnderlyingBlock + o.now
	id := o.st.NextRequestID + seed%16 + 1
	if (id%2 == 1) != odd {
		id++
	}
	o.st.NextRequestID = id
	return id
}

// paymentDeadline returns the last underlying block and timestamp for a payment requested now,
// extrapolating the last proven block by the time elapsed since it was proven.
func (o *op) paymentDeadline() (lastBlock, lastTimestamp uint64) {
	var timeShift uint64
	if o.now > o.st.CurrentUnderlyingBlockUpdatedAt && o.st.CurrentUnderlyingBlockUpdatedAt != 0 {
		timeShift = o.now - o.st.CurrentUnderlyingBlockUpdatedAt
	}
	blockShift := timeShift * 1000 / o.settings.AverageBlockTimeMS
	lastBlock = o.st.CurrentUnderlyingBlock + blockShift + o.settings.UnderlyingBlocksForPayment
	lastTimestamp = o.st.CurrentUnderlyingBlockTimestamp + timeShift + o.settings.UnderlyingSecondsForPayment
	return lastBlock, lastTimestamp
}

// paymentKey identifies an underlying transaction for replay protection.
func paymentKey(sourceAddressHash, txID common.Hash) common.Hash {
	return crypto.Keccak256Hash(sourceAddressHash[:], txID[:])
}

// confirmPayment consumes a payment proof, failing if it was used before.
func (o *op) confirmPayment(sourceAddressHash, txID common.Hash) error {
	key := paymentKey(sourceAddressHash, txID)
	done, err := store.IsPaymentConfirmed(o.tx, key)
	if err != nil {
		return err
	}
	if done {
		return precondition("payment already confirmed")
	}
	return store.ConfirmPayment(o.tx, key)
}

func (e *Engine) verifyPayment(ctx context.Context, p *attestation.Payment) error {
	if p == nil {
		return invalidProof("missing payment proof", nil)
	}
	if err := e.verifier.VerifyPayment(ctx, p); err != nil {
		return invalidProof("payment not proved", err)
	}
	return nil
}

func (e *Engine) verifyBalanceDecreasing(ctx context.Context, b *attestation.BalanceDecreasingTransaction) error {
	if b == nil {
		return invalidProof("missing transaction proof", nil)
	}
	if err := e.verifier.VerifyBalanceDecreasingTransaction(ctx, b); err != nil {
		return invalidProof("transaction not proved", err)
	}
	return nil
}

func (e *Engine) verifyNonPayment(ctx context.Context, r *attestation.ReferencedPaymentNonexistence) error {
	if r == nil {
		return invalidProof("missing non-payment proof", nil)
	}
	if err := e.verifier.VerifyReferencedPaymentNonexistence(ctx, r); err != nil {
		return invalidProof("non-payment not proved", err)
	}
	return nil
}

func (e *Engine) verifyBlockHeight(ctx context.Context, c *attestation.ConfirmedBlockHeightExists) error {
	if c == nil {
		return invalidProof("missing block height proof", nil)
	}
	if err := e.verifier.VerifyConfirmedBlockHeightExists(ctx, c); err != nil {
		return invalidProof("block height not proved", err)
	}
	return nil
}

// mintFAssets credits f-assets to account.
func (o *op) mintFAssets(account common.Address, uba *big.Int) error {
	bal, err := store.GetFAssetBalance(o.tx, account)
	if err != nil {
		return err
	}
	return store.PutFAssetBalance(o.tx, account, bal.Add(bal, uba))
}

// burnFAssets debits f-assets from account.
func (o *op) burnFAssets(account common.Address, uba *big.Int) error {
	bal, err := store.GetFAssetBalance(o.tx, account)
	if err != nil {
		return err
	}
	if bal.Cmp(uba) < 0 {
		return outOfBounds("f-asset balance too low")
	}
	return store.PutFAssetBalance(o.tx, account, bal.Sub(bal, uba))
}

// payFromVault pays up to amount of vault collateral to recipient and returns the amount paid.
func (o *op) payFromVault(agent *types.Agent, to common.Address, amount *big.Int, reason string) *big.Int {
	paid := collateral.MinBig(amount, agent.Collateral(types.CollateralClassVault))
	agent.SetCollateral(types.CollateralClassVault, new(big.Int).Sub(agent.Collateral(types.CollateralClassVault), paid))
	o.transfer(Transfer{Token: agent.VaultCollateralToken, From: agent.Vault, To: to, AmountWei: paid, Reason: reason})
	return paid
}

// payFromPool pays up to amount of pool collateral to recipient and returns the amount paid.
func (o *op) payFromPool(agent *types.Agent, pool *types.CollateralType, to common.Address, amount *big.Int, reason string) *big.Int {
	paid := collateral.MinBig(amount, agent.Collateral(types.CollateralClassPool))
	agent.SetCollateral(types.CollateralClassPool, new(big.Int).Sub(agent.Collateral(types.CollateralClassPool), paid))
	o.transfer(Transfer{Token: pool.Token, From: agent.CollateralPool, To: to, AmountWei: paid, Reason: reason})
	return paid
}

// usd5ToVaultWei converts a USD amount with 5 decimals to the agent's vault collateral.
func (o *op) usd5ToVaultWei(agent *types.Agent, usd5 uint64) (*big.Int, error) {
	vault, _, err := o.collateralTypes(agent)
	if err != nil {
		return nil, err
	}
	return collateral.ConvertUSD5ToTokenWei(o.ctx, o.acc.Prices, new(big.Int).SetUint64(usd5), vault)
}
