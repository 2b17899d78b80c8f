package assetmanager

import (
	"context"

	"github.com/moltbunker/fasset/internal/logging"
	"github.com/moltbunker/fasset/internal/store"
	"github.com/moltbunker/fasset/pkg/types"
)

// Redemption tickets form a global FIFO queue, doubly linked through Prev/Next, and one list per
// agent linked through PrevForAgent/NextForAgent. The sum of an agent's tickets plus its dust is
// always equal to its minted AMG, and dust stays below one lot. Lowering lotSizeAMG can leave dust
// of a lot or more; RequeueDust restores the bound.

func (o *op) updateTicket(id uint64, fn func(t *types.RedemptionTicket)) error {
	if id == 0 {
		return nil
	}
	t, err := store.GetTicket(o.tx, id)
	if err != nil {
		return err
	}
	fn(t)
	return store.PutTicket(o.tx, t)
}

// createRedemptionTicket adds amg of newly minted backing to the agent's dust and moves every
// whole lot of dust into the queue, extending the last ticket when it belongs to the same agent.
func (o *op) createRedemptionTicket(agent *types.Agent, amg uint64) error {
	lot := o.settings.LotSizeAMG
	total := agent.DustAMG + amg
	ticketAMG := total / lot * lot
	agent.DustAMG = total - ticketAMG
	if ticketAMG == 0 {
		return nil
	}
	if o.st.LastTicketID != 0 && agent.LastTicketID == o.st.LastTicketID {
		return o.updateTicket(o.st.LastTicketID, func(t *types.RedemptionTicket) {
			t.ValueAMG += ticketAMG
		})
	}

	o.st.NextTicketID++
	t := &types.RedemptionTicket{
		ID:           o.st.NextTicketID,
		AgentVault:   agent.Vault,
		ValueAMG:     ticketAMG,
		Prev:         o.st.LastTicketID,
		PrevForAgent: agent.LastTicketID,
	}
	if o.st.LastTicketID != 0 {
		if err := o.updateTicket(o.st.LastTicketID, func(prev *types.RedemptionTicket) { prev.Next = t.ID }); err != nil {
			return err
		}
	} else {
		o.st.FirstTicketID = t.ID
	}
	o.st.LastTicketID = t.ID

	if agent.LastTicketID != 0 {
		if err := o.updateTicket(agent.LastTicketID, func(prev *types.RedemptionTicket) { prev.NextForAgent = t.ID }); err != nil {
			return err
		}
	} else {
		agent.FirstTicketID = t.ID
	}
	agent.LastTicketID = t.ID
	return store.PutTicket(o.tx, t)
}

// removeTicket unlinks t from both lists and deletes it.
func (o *op) removeTicket(agent *types.Agent, t *types.RedemptionTicket) error {
	if t.Prev != 0 {
		if err := o.updateTicket(t.Prev, func(p *types.RedemptionTicket) { p.Next = t.Next }); err != nil {
			return err
		}
	} else {
		o.st.FirstTicketID = t.Next
	}
	if t.Next != 0 {
		if err := o.updateTicket(t.Next, func(n *types.RedemptionTicket) { n.Prev = t.Prev }); err != nil {
			return err
		}
	} else {
		o.st.LastTicketID = t.Prev
	}

	if t.PrevForAgent != 0 {
		if err := o.updateTicket(t.PrevForAgent, func(p *types.RedemptionTicket) { p.NextForAgent = t.NextForAgent }); err != nil {
			return err
		}
	} else {
		agent.FirstTicketID = t.NextForAgent
	}
	if t.NextForAgent != 0 {
		if err := o.updateTicket(t.NextForAgent, func(n *types.RedemptionTicket) { n.PrevForAgent = t.PrevForAgent }); err != nil {
			return err
		}
	} else {
		agent.LastTicketID = t.PrevForAgent
	}
	return store.DeleteTicket(o.tx, t.ID)
}

// reduceTicket takes amg from t. A remainder below one lot is moved to the agent's dust and the
// ticket is removed.
func (o *op) reduceTicket(agent *types.Agent, t *types.RedemptionTicket, amg uint64) error {
	remaining := t.ValueAMG - amg
	if remaining >= o.settings.LotSizeAMG {
		t.ValueAMG = remaining
		return store.PutTicket(o.tx, t)
	}
	agent.DustAMG += remaining
	return o.removeTicket(agent, t)
}

// closeAgentTickets removes up to amg of the agent's backing from its tickets, oldest first, and
// then from dust. It returns the amount removed.
func (o *op) closeAgentTickets(agent *types.Agent, amg uint64) (uint64, error) {
	var closed uint64
	for id := agent.FirstTicketID; id != 0 && closed < amg; {
		t, err := store.GetTicket(o.tx, id)
		if err != nil {
			return closed, err
		}
		next := t.NextForAgent
		take := min(amg-closed, t.ValueAMG)
		if err := o.reduceTicket(agent, t, take); err != nil {
			return closed, err
		}
		closed += take
		id = next
	}
	if closed < amg && agent.DustAMG > 0 {
		take := min(amg-closed, agent.DustAMG)
		agent.DustAMG -= take
		closed += take
	}
	// removed remainders may have pushed dust over a lot
	if agent.DustAMG >= o.settings.LotSizeAMG {
		if err := o.createRedemptionTicket(agent, 0); err != nil {
			return closed, err
		}
	}
	return closed, nil
}

// RequeueDust moves every whole lot of agent dust into the redemption queue and returns the number
// of agents whose dust was queued. The daemon runs it after each settings reload.
func (e *Engine) RequeueDust(ctx context.Context) (int, error) {
	var requeued int
	err := e.update(ctx, "requeueDust", func(o *op) error {
		requeued = 0
		agents, err := store.ListAgents(o.tx)
		if err != nil {
			return err
		}
		for _, a := range agents {
			if a.DustAMG < o.settings.LotSizeAMG {
				continue
			}
			agent, err := o.agent(a.Vault)
			if err != nil {
				return err
			}
			if err := o.createRedemptionTicket(agent, 0); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if requeued > 0 {
		logging.Info("agent dust requeued",
			logging.Component("assetmanager"),
			"agents", requeued)
	}
	return requeued, nil
}
