package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/moltbunker/fasset/internal/collateral"
	"github.com/moltbunker/fasset/internal/logging"
	"github.com/moltbunker/fasset/internal/util"
	"github.com/moltbunker/fasset/pkg/types"
)

// refreshPrices copies the current feed price of every symbol into the engine's price store.
// A symbol that cannot be read keeps its previous price; it is an error only if it has none.
func (n *Node) refreshPrices(ctx context.Context) error {
	retry := util.DefaultRetryConfig()
	retry.RetryIf = util.DefaultRetryIf()

	for _, symbol := range n.settings.FtsoSymbols() {
		price, result := util.RetryWithValue(ctx, retry, func() (collateral.Price, error) {
			return n.feed.Price(ctx, symbol)
		})
		if result.LastError == nil {
			result.LastError = n.prices.ApplyPriceUpdate(symbol, price)
		}
		if result.LastError == nil {
			continue
		}
		if _, err := n.prices.Price(ctx, symbol); err != nil {
			return fmt.Errorf("no price for %s: %w", symbol, result.LastError)
		}
		logging.Warn("price refresh failed, keeping previous price",
			"symbol", symbol,
			"attempts", result.Attempts,
			logging.Err(result.LastError),
			logging.Component("prices"))
	}
	return nil
}

func (n *Node) priceLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	n.checkAgents(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.refreshPrices(ctx); err != nil {
				logging.Error("price refresh failed",
					logging.Err(err),
					logging.Component("prices"))
			}
			n.checkAgents(ctx)
		}
	}
}

// checkAgents updates the agent gauges and reports agents that can be put in liquidation
func (n *Node) checkAgents(ctx context.Context) {
	agents, err := n.engine.Agents(ctx)
	if err != nil {
		logging.Warn("failed to list agents", logging.Err(err), logging.Component("prices"))
		return
	}
	counts := make(map[types.AgentStatus]int)
	for _, a := range agents {
		counts[a.Status]++
	}
	n.metrics.SetAgentCounts(counts)

	candidates, err := n.engine.LiquidationCandidates(ctx)
	if err != nil {
		logging.Warn("liquidation check failed", logging.Err(err), logging.Component("prices"))
		return
	}
	for _, vault := range candidates {
		logging.Warn("agent below minimum collateral ratio",
			logging.AgentVault(vault),
			logging.Component("prices"))
	}
}
