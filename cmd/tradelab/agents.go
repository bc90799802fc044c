package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/quantmill/tradelab/internal/lifecycle"
	"github.com/quantmill/tradelab/pkg/models"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Manage trading agents",
}

func init() {
	agentsCmd.AddCommand(agentsCreateCmd)
	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsGraduateCmd)
	agentsCmd.AddCommand(agentsDemoteCmd)
	agentsCmd.AddCommand(agentsKnowledgeCmd)
	agentsCmd.AddCommand(agentsEquityCmd)
}

// --- agents create ---

var agentsCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a new agent in learning mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		instructions, _ := cmd.Flags().GetString("instructions")
		risk, _ := cmd.Flags().GetString("risk")
		style, _ := cmd.Flags().GetString("style")
		discovery, _ := cmd.Flags().GetBool("discovery")
		multi, _ := cmd.Flags().GetBool("multi-signal")
		if instructions == "" {
			return fmt.Errorf("--instructions is required: the agent's strategy brief drives scanner generation")
		}

		agent := &models.Agent{
			Name:         args[0],
			Instructions: instructions,
			Personality: models.Personality{
				RiskTolerance: risk,
				TradingStyle:  style,
			},
			Status:               models.StatusLearning,
			DiscoveryMode:        discovery,
			AllowMultipleSignals: multi,
		}
		if err := st.CreateAgent(cmd.Context(), agent); err != nil {
			return err
		}
		fmt.Printf("Created agent %s (%s)\n", agent.Name, agent.ID)
		return nil
	},
}

func init() {
	agentsCreateCmd.Flags().String("instructions", "", "strategy brief handed to the LLM collaborator")
	agentsCreateCmd.Flags().String("risk", "moderate", "risk tolerance (conservative, moderate, aggressive)")
	agentsCreateCmd.Flags().String("style", "momentum", "trading style (scalper, swing, momentum, ...)")
	agentsCreateCmd.Flags().Bool("discovery", false, "start in discovery mode (single template, no analysis)")
	agentsCreateCmd.Flags().Bool("multi-signal", false, "allow more than one signal per ticker per day")
}

// --- agents list ---

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents and their lifecycle status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		agents, err := st.ListAgents(cmd.Context())
		if err != nil {
			return err
		}
		if len(agents) == 0 {
			fmt.Println("No agents. Create one with `tradelab agents create`.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("ID", "Name", "Status", "Style", "Iters", "Mean WR", "Created")
		for _, a := range agents {
			iters, err := st.ListIterations(cmd.Context(), a.ID)
			if err != nil {
				return err
			}
			completed, meanWR := 0, 0.0
			for _, it := range iters {
				if it.Status == models.IterationCompleted || it.Status == models.IterationApproved {
					completed++
					meanWR += it.WinRate
				}
			}
			if completed > 0 {
				meanWR /= float64(completed)
			}
			table.Append(
				shortID(a.ID),
				a.Name,
				string(a.Status),
				a.Personality.TradingStyle,
				fmt.Sprintf("%d", completed),
				fmt.Sprintf("%.1f%%", meanWR*100),
				a.CreatedAt.Format("2006-01-02"),
			)
		}
		table.Render()
		return nil
	},
}

// --- agents graduate ---

var agentsGraduateCmd = &cobra.Command{
	Use:   "graduate [agent-id]",
	Short: "Promote an agent to the next lifecycle stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		force, _ := cmd.Flags().GetBool("force")
		balance, _ := cmd.Flags().GetFloat64("balance")

		m := lifecycle.New(st, balance)
		report, err := m.Graduate(cmd.Context(), args[0], force)
		if report != nil {
			fmt.Printf("Record: %d iterations, mean win rate %.1f%%, Sharpe %.2f, return %.2f%%, %d signals\n",
				report.Iterations, report.MeanWinRate*100, report.MeanSharpe,
				report.MeanReturn*100, report.TotalSignals)
			for _, f := range report.Failures {
				fmt.Printf("  ✗ %s\n", f)
			}
		}
		if err != nil {
			return err
		}

		agent, err := st.GetAgent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Agent %s is now %s\n", agent.Name, agent.Status)
		return nil
	},
}

func init() {
	agentsGraduateCmd.Flags().Bool("force", false, "skip the eligibility gates")
	agentsGraduateCmd.Flags().Float64("balance", 0, "paper account starting balance (default 100000)")
}

// --- agents demote ---

var agentsDemoteCmd = &cobra.Command{
	Use:   "demote [agent-id]",
	Short: "Move an agent back one lifecycle stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		m := lifecycle.New(st, 0)
		if err := m.Demote(cmd.Context(), args[0]); err != nil {
			return err
		}
		agent, err := st.GetAgent(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Agent %s is now %s\n", agent.Name, agent.Status)
		return nil
	},
}

// --- agents knowledge ---

var agentsKnowledgeCmd = &cobra.Command{
	Use:   "knowledge [agent-id]",
	Short: "Show an agent's accumulated knowledge",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		rows, err := st.ListKnowledge(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No knowledge yet. Run some learning iterations first.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Type", "Conf", "Content")
		for _, k := range rows {
			table.Append(string(k.KnowledgeType), fmt.Sprintf("%.2f", k.Confidence), truncate(k.InsightText, 80))
		}
		table.Render()
		return nil
	},
}

// --- agents equity ---

var agentsEquityCmd = &cobra.Command{
	Use:   "equity [agent-id]",
	Short: "Show a paper account's equity curve and drawdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		account, err := st.GetPaperAccount(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		snaps, err := st.ListEquitySnapshots(cmd.Context(), account.ID)
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("No equity snapshots yet.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Date", "Equity", "Cash")
		for _, s := range snaps {
			table.Append(s.Date, fmt.Sprintf("%.2f", s.Equity), fmt.Sprintf("%.2f", s.Cash))
		}
		table.Render()

		last := snaps[len(snaps)-1]
		fmt.Printf("Return since funding: %.2f%%\n",
			(last.Equity/account.InitialBalance-1)*100)
		fmt.Printf("Max drawdown: %.2f%%\n", models.MaxDrawdown(snaps)*100)
		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
