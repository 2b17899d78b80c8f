package assetmanager

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/moltbunker/fasset/internal/attestation"
	"github.com/moltbunker/fasset/pkg/types"
)

var (
	workAddr      = common.HexToAddress("0x00000000000000000000000000000000000a0101")
	recipientAddr = common.HexToAddress("0x00000000000000000000000000000000000e0001")
	usdtToken     = common.HexToAddress("0x00000000000000000000000000000000000f0001")
)

func (f *fixture) proveOwnership(caller, owner common.Address, underlying string) error {
	f.t.Helper()
	hash := attestation.AddressHash(underlying)
	return f.engine.ProveUnderlyingAddressOwnership(f.ctx, caller, f.payment(attestation.Payment{
		SourceAddressHash:    hash,
		ReceivingAddressHash: hash,
		PaymentReference:     attestation.AddressOwnershipReference(owner),
		SpentAmount:          big.NewInt(10),
		ReceivedAmount:       big.NewInt(0),
	}))
}

func TestCreateAgentRejections(t *testing.T) {
	f := newFixture(t)
	params := AgentCreateParams{
		UnderlyingAddress:    agentUnderlying,
		VaultCollateralToken: f.vaultToken,
		Settings:             testAgentSettings(),
	}

	_, err := f.engine.CreateAgent(f.ctx, ownerAddr, params)
	expectReason(t, err, KindAuthorization, "address not proved")

	err = f.proveOwnership(ownerAddr, strangerAddr, agentUnderlying)
	expectReason(t, err, KindProofValidity, "invalid address ownership proof")

	if err := f.proveOwnership(ownerAddr, ownerAddr, agentUnderlying); err != nil {
		t.Fatalf("ProveUnderlyingAddressOwnership failed: %v", err)
	}
	_, err = f.engine.CreateAgent(f.ctx, strangerAddr, params)
	expectReason(t, err, KindAuthorization, "address not proved")

	tests := []struct {
		name   string
		modify func(p *AgentCreateParams)
		kind   Kind
		reason string
	}{
		{"empty address", func(p *AgentCreateParams) { p.UnderlyingAddress = "" }, KindBounds, "empty underlying address"},
		{"pool token", func(p *AgentCreateParams) { p.VaultCollateralToken = f.poolToken }, KindBounds, "invalid vault collateral token"},
		{"unknown token", func(p *AgentCreateParams) { p.VaultCollateralToken = usdtToken }, KindBounds, "invalid vault collateral token"},
		{"fee too high", func(p *AgentCreateParams) { p.Settings.FeeBIPS = 10001 }, KindBounds, "fee too high"},
		{"vault CR below minimum", func(p *AgentCreateParams) { p.Settings.MintingVaultCollateralRatioBIPS = 13999 }, KindBounds, "collateral ratio too small"},
		{"pool exit CR below minimum", func(p *AgentCreateParams) { p.Settings.PoolExitCollateralRatioBIPS = 19999 }, KindBounds, "value too low"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := params
			tt.modify(&p)
			_, err := f.engine.CreateAgent(f.ctx, ownerAddr, p)
			expectReason(t, err, tt.kind, tt.reason)
		})
	}

	agent, err := f.engine.CreateAgent(f.ctx, ownerAddr, params)
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	if agent.Status != types.AgentStatusNormal || agent.Available {
		t.Errorf("new agent status %s available %v", agent.Status, agent.Available)
	}
	if agent.UnderlyingBlockAtCreation != testBlock {
		t.Errorf("created at block %d, want %d", agent.UnderlyingBlockAtCreation, testBlock)
	}
	_, err = f.engine.CreateAgent(f.ctx, ownerAddr, params)
	expectReason(t, err, KindStatePrecondition, "underlying address already used")
}

func TestCollateralDepositAndWithdrawal(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(ownerAddr, agentUnderlying)
	vault := agent.Vault

	err := f.engine.DepositCollateral(f.ctx, strangerAddr, vault, types.CollateralClassVault, big.NewInt(1))
	expectReason(t, err, KindAuthorization, "only agent vault owner")
	// anyone may enter the pool
	if err := f.engine.DepositCollateral(f.ctx, strangerAddr, vault, types.CollateralClassPool, big.NewInt(1_000_000)); err != nil {
		t.Fatalf("pool deposit failed: %v", err)
	}
	err = f.engine.DepositCollateral(f.ctx, ownerAddr, vault, types.CollateralClassVault, big.NewInt(0))
	expectReason(t, err, KindBounds, "deposit amount must be positive")

	if err := f.engine.WithdrawCollateral(f.ctx, ownerAddr, vault, types.CollateralClassVault, big.NewInt(0), ownerAddr); err != nil {
		t.Errorf("withdrawing zero should be a no-op, got %v", err)
	}
	err = f.engine.WithdrawCollateral(f.ctx, ownerAddr, vault, types.CollateralClassVault, big.NewInt(1), ownerAddr)
	expectReason(t, err, KindStatePrecondition, "withdrawal: not announced")

	f.mint(vault, 3)
	// 3_060_000 AMG at 150% locks 4_590_000 of the 10_000_000 vault collateral
	_, err = f.engine.AnnounceCollateralWithdrawal(f.ctx, ownerAddr, vault, types.CollateralClassVault, big.NewInt(5_500_000))
	expectReason(t, err, KindBounds, "withdrawal: value too high")

	allowedAt, err := f.engine.AnnounceCollateralWithdrawal(f.ctx, ownerAddr, vault, types.CollateralClassVault, big.NewInt(2_000_000))
	if err != nil {
		t.Fatalf("AnnounceCollateralWithdrawal failed: %v", err)
	}
	if want := uint64(f.now.Unix()) + testSettings().WithdrawalWaitMinSeconds; allowedAt != want {
		t.Errorf("allowed at %d, want %d", allowedAt, want)
	}
	info, _ := f.engine.AgentInfo(f.ctx, vault)
	if info.FreeVaultCollateralWei.Int64() != 10_000_000-4_590_000-2_000_000 {
		t.Errorf("free vault collateral = %s, announced amount must be locked", info.FreeVaultCollateralWei)
	}

	err = f.engine.WithdrawCollateral(f.ctx, ownerAddr, vault, types.CollateralClassVault, big.NewInt(2_000_000), ownerAddr)
	expectReason(t, err, KindStatePrecondition, "withdrawal: not allowed yet")

	f.advance(testSettings().WithdrawalWaitMinSeconds)
	err = f.engine.WithdrawCollateral(f.ctx, ownerAddr, vault, types.CollateralClassVault, big.NewInt(2_000_001), ownerAddr)
	expectReason(t, err, KindBounds, "withdrawal: more than announced")

	if err := f.engine.WithdrawCollateral(f.ctx, ownerAddr, vault, types.CollateralClassVault, big.NewInt(1_500_000), recipientAddr); err != nil {
		t.Fatalf("WithdrawCollateral failed: %v", err)
	}
	after := f.agent(vault)
	if got := after.Collateral(types.CollateralClassVault); got.Int64() != 8_500_000 {
		t.Errorf("vault collateral = %s, want 8500000", got)
	}
	if got := after.Withdrawal(types.CollateralClassVault).Amount(); got.Int64() != 500_000 {
		t.Errorf("remaining announcement = %s, want 500000", got)
	}
	if got := f.treasury.Received(recipientAddr, f.vaultToken); got.Int64() != 1_500_000 {
		t.Errorf("recipient received %s", got)
	}

	f.advance(testSettings().AgentTimelockedOperationWindowSeconds + 1)
	err = f.engine.WithdrawCollateral(f.ctx, ownerAddr, vault, types.CollateralClassVault, big.NewInt(500_000), recipientAddr)
	expectReason(t, err, KindStatePrecondition, "withdrawal: too late")

	// announcing zero cancels
	if _, err := f.engine.AnnounceCollateralWithdrawal(f.ctx, ownerAddr, vault, types.CollateralClassVault, big.NewInt(0)); err != nil {
		t.Fatalf("cancel announcement failed: %v", err)
	}
	if f.agent(vault).Withdrawal(types.CollateralClassVault).Active() {
		t.Error("announcement should be cancelled")
	}
}

func TestPoolWithdrawalKeepsExitRatio(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(ownerAddr, agentUnderlying)
	f.mint(agent.Vault, 3)

	// free pool collateral is 20_000_000 - 3_060_000 * 220%
	if _, err := f.engine.AnnounceCollateralWithdrawal(f.ctx, ownerAddr, agent.Vault, types.CollateralClassPool, big.NewInt(13_000_000)); err != nil {
		t.Fatalf("AnnounceCollateralWithdrawal failed: %v", err)
	}
	f.advance(testSettings().WithdrawalWaitMinSeconds)
	if err := f.engine.WithdrawCollateral(f.ctx, ownerAddr, agent.Vault, types.CollateralClassPool, big.NewInt(13_000_000), recipientAddr); err != nil {
		t.Fatalf("WithdrawCollateral failed: %v", err)
	}
	if got := f.treasury.Received(recipientAddr, f.poolToken); got.Int64() != 13_000_000 {
		t.Errorf("recipient received %s pool tokens", got)
	}
	info, _ := f.engine.AgentInfo(f.ctx, agent.Vault)
	if info.PoolCollateralRatioBIPS < testAgentSettings().PoolExitCollateralRatioBIPS {
		t.Errorf("pool CR %d fell below the exit ratio", info.PoolCollateralRatioBIPS)
	}
}

func TestAgentSettingUpdate(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(ownerAddr, agentUnderlying)
	vault := agent.Vault
	s := testSettings()

	_, err := f.engine.AnnounceAgentSettingUpdate(f.ctx, ownerAddr, vault, "noSuchSetting", 1)
	expectReason(t, err, KindBounds, "invalid setting name")
	err = f.engine.ExecuteAgentSettingUpdate(f.ctx, ownerAddr, vault, types.SettingFeeBIPS)
	expectReason(t, err, KindStatePrecondition, "no pending update")

	validAt, err := f.engine.AnnounceAgentSettingUpdate(f.ctx, ownerAddr, vault, types.SettingFeeBIPS, 800)
	if err != nil {
		t.Fatalf("AnnounceAgentSettingUpdate failed: %v", err)
	}
	if want := uint64(f.now.Unix()) + s.AgentFeeChangeTimelockSeconds; validAt != want {
		t.Errorf("valid at %d, want %d", validAt, want)
	}
	err = f.engine.ExecuteAgentSettingUpdate(f.ctx, ownerAddr, vault, types.SettingFeeBIPS)
	expectReason(t, err, KindStatePrecondition, "update not valid yet")

	f.advance(s.AgentFeeChangeTimelockSeconds)
	err = f.engine.ExecuteAgentSettingUpdate(f.ctx, strangerAddr, vault, types.SettingFeeBIPS)
	expectReason(t, err, KindAuthorization, "only agent vault owner")
	if err := f.engine.ExecuteAgentSettingUpdate(f.ctx, ownerAddr, vault, types.SettingFeeBIPS); err != nil {
		t.Fatalf("ExecuteAgentSettingUpdate failed: %v", err)
	}
	after := f.agent(vault)
	if after.Settings.FeeBIPS != 800 {
		t.Errorf("fee = %d, want 800", after.Settings.FeeBIPS)
	}
	if _, ok := after.PendingSettings[types.SettingFeeBIPS]; ok {
		t.Error("pending update should be removed")
	}

	// the value is validated again at execution
	if _, err := f.engine.AnnounceAgentSettingUpdate(f.ctx, ownerAddr, vault, types.SettingMintingVaultCollateralRatioBIPS, 10000); err != nil {
		t.Fatalf("AnnounceAgentSettingUpdate failed: %v", err)
	}
	f.advance(s.AgentMintingCRChangeTimelockSeconds)
	err = f.engine.ExecuteAgentSettingUpdate(f.ctx, ownerAddr, vault, types.SettingMintingVaultCollateralRatioBIPS)
	expectReason(t, err, KindBounds, "collateral ratio too small")

	if _, err := f.engine.AnnounceAgentSettingUpdate(f.ctx, ownerAddr, vault, types.SettingMintingPoolCollateralRatioBIPS, 25000); err != nil {
		t.Fatalf("AnnounceAgentSettingUpdate failed: %v", err)
	}
	f.advance(s.AgentMintingCRChangeTimelockSeconds + s.AgentTimelockedOperationWindowSeconds + 1)
	err = f.engine.ExecuteAgentSettingUpdate(f.ctx, ownerAddr, vault, types.SettingMintingPoolCollateralRatioBIPS)
	expectReason(t, err, KindStatePrecondition, "update not valid anymore")
}

func TestAvailableAgentList(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(ownerAddr, agentUnderlying)
	vault := agent.Vault

	available, err := f.engine.AvailableAgents(f.ctx)
	if err != nil {
		t.Fatalf("AvailableAgents failed: %v", err)
	}
	if len(available) != 1 {
		t.Fatalf("got %d available agents, want 1", len(available))
	}
	// vault allows 10_000_000 / 150% = 6 lots, pool 20_000_000 / 220% = 9
	if available[0].FreeCollateralLots != 6 || available[0].FeeBIPS != 500 {
		t.Errorf("available agent = %+v", available[0])
	}

	err = f.engine.MakeAgentAvailable(f.ctx, ownerAddr, vault)
	expectReason(t, err, KindStatePrecondition, "agent already available")
	err = f.engine.ExitAvailableAgentList(f.ctx, ownerAddr, vault)
	expectReason(t, err, KindStatePrecondition, "exit not announced")

	exitAfter, err := f.engine.AnnounceExitAvailableAgentList(f.ctx, ownerAddr, vault)
	if err != nil {
		t.Fatalf("AnnounceExitAvailableAgentList failed: %v", err)
	}
	err = f.engine.ExitAvailableAgentList(f.ctx, ownerAddr, vault)
	expectReason(t, err, KindStatePrecondition, "exit too soon")

	f.advance(exitAfter - uint64(f.now.Unix()))
	if err := f.engine.ExitAvailableAgentList(f.ctx, ownerAddr, vault); err != nil {
		t.Fatalf("ExitAvailableAgentList failed: %v", err)
	}
	available, _ = f.engine.AvailableAgents(f.ctx)
	if len(available) != 0 {
		t.Errorf("agent still listed after exit")
	}
	_, err = f.engine.AnnounceExitAvailableAgentList(f.ctx, ownerAddr, vault)
	expectReason(t, err, KindStatePrecondition, "agent not available")

	if err := f.engine.MakeAgentAvailable(f.ctx, ownerAddr, vault); err != nil {
		t.Fatalf("MakeAgentAvailable failed: %v", err)
	}
}

func TestMakeAgentAvailableNeedsCollateral(t *testing.T) {
	f := newFixture(t)
	if err := f.proveOwnership(ownerAddr, ownerAddr, agentUnderlying); err != nil {
		t.Fatalf("ProveUnderlyingAddressOwnership failed: %v", err)
	}
	agent, err := f.engine.CreateAgent(f.ctx, ownerAddr, AgentCreateParams{
		UnderlyingAddress:    agentUnderlying,
		VaultCollateralToken: f.vaultToken,
		Settings:             testAgentSettings(),
	})
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	err = f.engine.MakeAgentAvailable(f.ctx, ownerAddr, agent.Vault)
	expectReason(t, err, KindBounds, "not enough free collateral")
}

func TestDestroyAgent(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(ownerAddr, agentUnderlying)
	vault := agent.Vault
	f.mint(vault, 1)

	_, err := f.engine.AnnounceDestroyAgent(f.ctx, ownerAddr, vault)
	expectReason(t, err, KindStatePrecondition, "agent still available")

	exitAfter, err := f.engine.AnnounceExitAvailableAgentList(f.ctx, ownerAddr, vault)
	if err != nil {
		t.Fatalf("AnnounceExitAvailableAgentList failed: %v", err)
	}
	f.advance(exitAfter - uint64(f.now.Unix()))
	if err := f.engine.ExitAvailableAgentList(f.ctx, ownerAddr, vault); err != nil {
		t.Fatalf("ExitAvailableAgentList failed: %v", err)
	}
	_, err = f.engine.AnnounceDestroyAgent(f.ctx, ownerAddr, vault)
	expectReason(t, err, KindStatePrecondition, "agent still active")

	// buy back the whole minted amount, pool fee included, and close it
	if err := f.engine.TransferFAsset(f.ctx, minterAddr, ownerAddr, big.NewInt(testLot)); err != nil {
		t.Fatalf("TransferFAsset failed: %v", err)
	}
	if err := f.engine.TransferFAsset(f.ctx, agent.CollateralPool, ownerAddr, big.NewInt(20_000)); err != nil {
		t.Fatalf("TransferFAsset failed: %v", err)
	}
	if _, err := f.engine.SelfClose(f.ctx, ownerAddr, vault, big.NewInt(1_020_000)); err != nil {
		t.Fatalf("SelfClose failed: %v", err)
	}

	allowedAt, err := f.engine.AnnounceDestroyAgent(f.ctx, ownerAddr, vault)
	if err != nil {
		t.Fatalf("AnnounceDestroyAgent failed: %v", err)
	}
	if got := f.agent(vault).Status; got != types.AgentStatusDestroying {
		t.Errorf("status = %s, want destroying", got)
	}
	err = f.engine.DestroyAgent(f.ctx, ownerAddr, vault, recipientAddr)
	expectReason(t, err, KindStatePrecondition, "destroy: not allowed yet")

	before := f.agent(vault)
	f.advance(allowedAt - uint64(f.now.Unix()))
	if err := f.engine.DestroyAgent(f.ctx, ownerAddr, vault, recipientAddr); err != nil {
		t.Fatalf("DestroyAgent failed: %v", err)
	}
	if got := f.treasury.Received(recipientAddr, f.vaultToken); got.Cmp(before.Collateral(types.CollateralClassVault)) != 0 {
		t.Errorf("vault collateral returned %s, want %s", got, before.Collateral(types.CollateralClassVault))
	}
	if got := f.treasury.Received(recipientAddr, f.poolToken); got.Cmp(before.Collateral(types.CollateralClassPool)) != 0 {
		t.Errorf("pool collateral returned %s, want %s", got, before.Collateral(types.CollateralClassPool))
	}
	_, err = f.engine.AgentInfo(f.ctx, vault)
	expectReason(t, err, KindStatePrecondition, "invalid agent vault address")
	agents, _ := f.engine.Agents(f.ctx)
	if len(agents) != 0 {
		t.Errorf("%d agents left after destroy", len(agents))
	}
}

func TestSwitchVaultCollateral(t *testing.T) {
	f := newFixture(t)
	if err := f.mgr.AddCollateralType(types.CollateralType{
		Class:                        types.CollateralClassVault,
		Token:                        usdtToken,
		Decimals:                     6,
		AssetFtsoSymbol:              "testXRP",
		TokenFtsoSymbol:              "testUSDT",
		MinCollateralRatioBIPS:       14000,
		CCBMinCollateralRatioBIPS:    13000,
		SafetyMinCollateralRatioBIPS: 15000,
	}); err != nil {
		t.Fatalf("AddCollateralType failed: %v", err)
	}
	if err := f.prices.ApplyPriceUpdate("testUSDT", usd(100000)); err != nil {
		t.Fatalf("ApplyPriceUpdate failed: %v", err)
	}
	agent := f.createAgent(ownerAddr, agentUnderlying)
	vault := agent.Vault
	f.mint(vault, 3)

	err := f.engine.SwitchVaultCollateral(f.ctx, ownerAddr, vault, f.vaultToken, big.NewInt(1))
	expectReason(t, err, KindStatePrecondition, "switch: same collateral")
	err = f.engine.SwitchVaultCollateral(f.ctx, ownerAddr, vault, f.poolToken, big.NewInt(1))
	expectReason(t, err, KindBounds, "invalid vault collateral token")
	// 1_000_000 against 3_060_000 minted is far below 140%
	err = f.engine.SwitchVaultCollateral(f.ctx, ownerAddr, vault, usdtToken, big.NewInt(1_000_000))
	expectReason(t, err, KindBounds, "not enough collateral")
	if got := f.agent(vault).VaultCollateralToken; got != f.vaultToken {
		t.Fatalf("failed switch changed the token to %s", got.Hex())
	}

	old := f.agent(vault).Collateral(types.CollateralClassVault)
	if err := f.engine.SwitchVaultCollateral(f.ctx, ownerAddr, vault, usdtToken, big.NewInt(8_000_000)); err != nil {
		t.Fatalf("SwitchVaultCollateral failed: %v", err)
	}
	after := f.agent(vault)
	if after.VaultCollateralToken != usdtToken {
		t.Errorf("token = %s", after.VaultCollateralToken.Hex())
	}
	if got := after.Collateral(types.CollateralClassVault); got.Int64() != 8_000_000 {
		t.Errorf("vault collateral = %s", got)
	}
	var returned *big.Int
	for _, tr := range f.treasury.Transfers() {
		if tr.Reason == "vault collateral switched" {
			returned = tr.AmountWei
			if tr.Token != f.vaultToken || tr.To != ownerAddr {
				t.Errorf("old collateral sent as %s to %s", tr.Token.Hex(), tr.To.Hex())
			}
		}
	}
	if returned == nil || returned.Cmp(old) != 0 {
		t.Errorf("returned old collateral = %v, want %s", returned, old)
	}
}

func TestWorkAddress(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(ownerAddr, agentUnderlying)

	if err := f.engine.SetWorkAddress(f.ctx, ownerAddr, workAddr); err != nil {
		t.Fatalf("SetWorkAddress failed: %v", err)
	}
	err := f.engine.SetWorkAddress(f.ctx, strangerAddr, workAddr)
	expectReason(t, err, KindStatePrecondition, "work address in use")

	// the work address acts for the owner
	if _, err := f.engine.AnnounceUnderlyingWithdrawal(f.ctx, workAddr, agent.Vault); err != nil {
		t.Fatalf("work address rejected: %v", err)
	}
	if err := f.engine.CancelUnderlyingWithdrawal(f.ctx, workAddr, agent.Vault); err != nil {
		t.Fatalf("CancelUnderlyingWithdrawal failed: %v", err)
	}

	if err := f.engine.SetWorkAddress(f.ctx, ownerAddr, common.Address{}); err != nil {
		t.Fatalf("clearing work address failed: %v", err)
	}
	_, err = f.engine.AnnounceUnderlyingWithdrawal(f.ctx, workAddr, agent.Vault)
	expectReason(t, err, KindAuthorization, "only agent vault owner")
}
