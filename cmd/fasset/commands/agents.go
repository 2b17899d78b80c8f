package commands

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/moltbunker/fasset/internal/client"
	"github.com/moltbunker/fasset/pkg/types"
)

// parseAddress validates a hex address argument
func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid address: %q", s)
	}
	return common.HexToAddress(s), nil
}

// NewAgentsCmd lists and inspects agents
func NewAgentsCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			st := types.AgentStatus(status)
			if st != "" && !st.IsValid() {
				return fmt.Errorf("unknown agent status: %q", status)
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()

			agents, err := newClient().Agents(ctx, st)
			if err != nil {
				return fmt.Errorf("failed to list agents: %w", err)
			}
			if jsonOutput() {
				return printJSON(agents)
			}
			if len(agents) == 0 {
				Info("No agents.")
				return nil
			}

			headers := []string{"Vault", "Owner", "Status", "Public", "Minted AMG", "Reserved AMG", "Redeeming AMG"}
			var rows [][]string
			for _, a := range agents {
				rows = append(rows, []string{
					a.Vault.Hex(),
					FormatAddress(a.Owner.Hex()),
					AgentStatusBadge(a.Status),
					strconv.FormatBool(a.Available),
					strconv.FormatUint(a.MintedAMG, 10),
					strconv.FormatUint(a.ReservedAMG, 10),
					strconv.FormatUint(a.RedeemingAMG, 10),
				})
			}
			fmt.Println(RenderTable(headers, rows))
			fmt.Println(StyleMuted.Render(fmt.Sprintf("  %d agent(s)", len(agents))))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only agents with this status (normal, ccb, liquidation, full_liquidation, destroying)")

	cmd.AddCommand(newAgentShowCmd())
	cmd.AddCommand(newAvailableAgentsCmd())
	cmd.AddCommand(newAgentRedemptionsCmd())
	return cmd
}

func newAgentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <vault>",
		Short: "Show an agent's collateral and backing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			c := newClient()

			info, err := c.Agent(ctx, vault)
			if client.IsNotFound(err) {
				return fmt.Errorf("no agent with vault %s", vault.Hex())
			}
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(info)
			}
			s, err := c.Settings(ctx)
			if err != nil {
				return err
			}

			a := info.Agent
			decimals := s.Asset.AssetDecimals
			vaultDecimals, poolDecimals := uint8(18), uint8(18)
			for _, ct := range s.Collaterals {
				switch {
				case ct.Token == a.VaultCollateralToken && ct.Class == types.CollateralClassVault:
					vaultDecimals = ct.Decimals
				case ct.Class == types.CollateralClassPool:
					poolDecimals = ct.Decimals
				}
			}

			fmt.Println(StatusBox("Agent "+FormatAddress(a.Vault.Hex()), [][2]string{
				{"Vault", a.Vault.Hex()},
				{"Owner", a.Owner.Hex()},
				{"Underlying address", a.UnderlyingAddress},
				{"Status", AgentStatusBadge(a.Status)},
				{"Liquidation phase", info.LiquidationPhase},
				{"Publicly available", strconv.FormatBool(a.Available)},
				{"Fee", FormatBIPS(a.Settings.FeeBIPS)},
				{"Vault CR", FormatBIPS(info.VaultCollateralRatioBIPS)},
				{"Pool CR", FormatBIPS(info.PoolCollateralRatioBIPS)},
				{"Vault collateral", FormatAmount(a.VaultCollateralWei, vaultDecimals)},
				{"Pool collateral", FormatAmount(a.PoolCollateralWei, poolDecimals)},
				{"Free lots", strconv.FormatUint(info.FreeCollateralLots, 10)},
				{"Minted", FormatAmount(info.MintedUBA, decimals) + " " + s.Asset.AssetSymbol},
				{"Underlying balance", FormatAmount(a.UnderlyingBalanceUBA, decimals)},
				{"Free underlying", FormatAmount(info.FreeUnderlyingBalanceUBA, decimals)},
			}))
			return nil
		},
	}
}

func newAvailableAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "available",
		Short: "List agents accepting public minting",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			agents, err := newClient().AvailableAgents(ctx)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(agents)
			}
			if len(agents) == 0 {
				Info("No agents are accepting public minting.")
				return nil
			}

			headers := []string{"Vault", "Fee", "Minting Vault CR", "Minting Pool CR", "Free Lots"}
			var rows [][]string
			for _, a := range agents {
				rows = append(rows, []string{
					a.Vault.Hex(),
					FormatBIPS(a.FeeBIPS),
					FormatBIPS(a.MintingVaultCollateralRatioBIPS),
					FormatBIPS(a.MintingPoolCollateralRatioBIPS),
					strconv.FormatUint(a.FreeCollateralLots, 10),
				})
			}
			fmt.Println(RenderTable(headers, rows))
			return nil
		},
	}
}

func newAgentRedemptionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redemptions <vault>",
		Short: "List an agent's open redemption requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()

			reqs, err := newClient().AgentRedemptions(ctx, vault)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(reqs)
			}
			if len(reqs) == 0 {
				Info("No open redemptions.")
				return nil
			}
			fmt.Println(renderRedemptions(reqs))
			return nil
		},
	}
}
