package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/moltbunker/fasset/internal/attestation"
	"github.com/moltbunker/fasset/internal/client"
	"github.com/moltbunker/fasset/pkg/types"
)

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid request id: %q", s)
	}
	return id, nil
}

func formatUnix(ts uint64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(int64(ts), 0).UTC().Format("Jan 02 15:04:05")
}

// paymentReferenceHex is the reference the underlying payment must carry
func paymentReferenceHex(id uint64, redemption bool) string {
	if redemption {
		return attestation.RedemptionReference(id).Hex()
	}
	return attestation.MintingReference(id).Hex()
}

func renderRedemptions(reqs []*types.RedemptionRequest) string {
	headers := []string{"ID", "Agent", "Redeemer", "Value UBA", "Fee UBA", "Last Block", "Status"}
	var rows [][]string
	for _, r := range reqs {
		rows = append(rows, []string{
			strconv.FormatUint(r.ID, 10),
			FormatAddress(r.AgentVault.Hex()),
			FormatAddress(r.Redeemer.Hex()),
			r.UnderlyingValueUBA.String(),
			r.UnderlyingFeeUBA.String(),
			strconv.FormatUint(r.LastUnderlyingBlock, 10),
			StatusBadge(string(r.Status)),
		})
	}
	return RenderTable(headers, rows)
}

// NewRedemptionsCmd inspects redemption requests and the redemption queue
func NewRedemptionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redemptions",
		Short: "Inspect redemption requests and the redemption queue",
	}
	cmd.AddCommand(newRedemptionShowCmd())
	cmd.AddCommand(newRedemptionQueueCmd())
	return cmd
}

func newRedemptionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a redemption request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()

			r, err := newClient().Redemption(ctx, id)
			if client.IsNotFound(err) {
				return fmt.Errorf("no redemption request %d", id)
			}
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(r)
			}
			fmt.Println(StatusBox(fmt.Sprintf("Redemption %d", r.ID), [][2]string{
				{"Agent", r.AgentVault.Hex()},
				{"Redeemer", r.Redeemer.Hex()},
				{"Pay to", r.RedeemerUnderlyingAddress},
				{"Payment reference", paymentReferenceHex(r.ID, true)},
				{"Value UBA", r.UnderlyingValueUBA.String()},
				{"Fee UBA", r.UnderlyingFeeUBA.String()},
				{"Blocks", fmt.Sprintf("%d - %d", r.FirstUnderlyingBlock, r.LastUnderlyingBlock)},
				{"Pay before", formatUnix(r.LastUnderlyingTimestamp)},
				{"Status", StatusBadge(string(r.Status))},
			}))
			return nil
		},
	}
}

func newRedemptionQueueCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the head of the redemption queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			tickets, err := newClient().RedemptionQueue(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(tickets)
			}
			if len(tickets) == 0 {
				Info("The redemption queue is empty.")
				return nil
			}
			headers := []string{"Ticket", "Agent", "Value AMG"}
			var rows [][]string
			for _, t := range tickets {
				rows = append(rows, []string{
					strconv.FormatUint(t.ID, 10),
					t.AgentVault.Hex(),
					strconv.FormatUint(t.ValueAMG, 10),
				})
			}
			fmt.Println(RenderTable(headers, rows))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of tickets")
	return cmd
}

// NewMintingCmd inspects collateral reservations and minting fees
func NewMintingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "minting",
		Short: "Inspect collateral reservations and minting fees",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "fee <lots>",
		Short: "Show the collateral reservation fee for a number of lots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lots, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || lots == 0 {
				return fmt.Errorf("lots must be a positive integer")
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()

			fee, err := newClient().MintingFee(ctx, lots)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(map[string]interface{}{"lots": lots, "fee_wei": fee})
			}
			fmt.Println(KeyValue("Lots", strconv.FormatUint(lots, 10)))
			fmt.Println(KeyValue("Fee", FormatAmountString(fee, 18)+" NAT"))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reservation <id>",
		Short: "Show a collateral reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()

			crt, err := newClient().Reservation(ctx, id)
			if client.IsNotFound(err) {
				return fmt.Errorf("no collateral reservation %d", id)
			}
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(crt)
			}
			fmt.Println(StatusBox(fmt.Sprintf("Reservation %d", crt.ID), [][2]string{
				{"Agent", crt.AgentVault.Hex()},
				{"Minter", crt.Minter.Hex()},
				{"Payment reference", paymentReferenceHex(crt.ID, false)},
				{"Lots", strconv.FormatUint(crt.Lots, 10)},
				{"Value AMG", strconv.FormatUint(crt.ValueAMG, 10)},
				{"Agent fee UBA", crt.UnderlyingFeeUBA.String()},
				{"Blocks", fmt.Sprintf("%d - %d", crt.FirstUnderlyingBlock, crt.LastUnderlyingBlock)},
				{"Pay before", formatUnix(crt.LastUnderlyingTimestamp)},
				{"Status", StatusBadge(string(crt.Status))},
			}))
			return nil
		},
	})
	return cmd
}

// NewBalanceCmd shows an account's f-asset balance
func NewBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance <address>",
		Short: "Show an account's f-asset balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := parseAddress(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(cmd)
			defer cancel()
			c := newClient()

			bal, err := c.Balance(ctx, account)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(map[string]string{"address": account.Hex(), "balance_uba": bal})
			}
			s, err := c.Settings(ctx)
			if err != nil {
				return err
			}
			fmt.Println(KeyValue(FormatAddress(account.Hex()), FormatAmountString(bal, s.Asset.AssetDecimals)+" "+s.Asset.AssetSymbol))
			return nil
		},
	}
}

// NewLiquidationCmd lists agents that can be put in liquidation
func NewLiquidationCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "liquidation",
		Short: "List agents below their minimum collateral ratio",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			vaults, err := newClient().LiquidationCandidates(ctx)
			if err != nil {
				return err
			}
			if jsonOutput() {
				return printJSON(vaults)
			}
			if len(vaults) == 0 {
				Success("Every agent is above its minimum collateral ratio.")
				return nil
			}
			for _, v := range vaults {
				Warning(v.Hex())
			}
			fmt.Println(Hint("Start liquidation of an agent to make its backing redeemable at a premium."))
			return nil
		},
	}
}
