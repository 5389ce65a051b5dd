package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"proxim8/internal/app"
	"proxim8/internal/catalog"
	"proxim8/internal/domain"
	"proxim8/internal/engine"
	"proxim8/internal/repo"
)

func catalogCmd() *cobra.Command {
	c := &cobra.Command{Use: "catalog", Short: "Inspect the mission catalog"}
	c.AddCommand(catalogListCmd())
	c.AddCommand(catalogValidateCmd())
	return c
}

func catalogListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mission templates in unlock order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), lookup)
			if err != nil {
				return err
			}
			cat, err := app.LoadCatalog(cfg)
			if err != nil {
				return err
			}
			missions := cat.List()
			if viper.GetBool("json") {
				return printJSON(missions)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Seq", "ID", "Title", "Duration", "Preferred"})
			for _, m := range missions {
				preferred := make([]string, 0, len(m.Compatibility.Preferred))
				for _, p := range m.Compatibility.Preferred {
					preferred = append(preferred, string(p))
				}
				tw.AppendRow(table.Row{m.Sequence, m.ID, m.Title, m.Duration, strings.Join(preferred, ",")})
			}
			tw.Render()
			return nil
		},
	}
	return cmd
}

func catalogValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a catalog file (or the configured catalog)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				cat *catalog.Catalog
				err error
			)
			if len(args) == 1 {
				cat, err = catalog.FromFile(args[0])
			} else {
				cfg, cfgErr := app.ResolveConfig(viper.GetString("workspace"), lookup)
				if cfgErr != nil {
					return cfgErr
				}
				cat, err = app.LoadCatalog(cfg)
			}
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil, "error": fmt.Sprint(err)}
				if cat != nil {
					out["missions"] = cat.Len()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Printf("catalog OK (%d missions)\n", cat.Len())
			return nil
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	a := &cobra.Command{Use: "agent", Short: "Manage agents"}
	a.AddCommand(agentCreateCmd())
	a.AddCommand(agentShowCmd())
	return a
}

func agentCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				agent, err := a.Engine.CreateAgent(ctx, name)
				if err != nil {
					return err
				}
				return printJSONOrTable(agent)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show an agent with units and mission progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				agent, err := a.Engine.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				units, err := a.Engine.ListUnits(ctx, agent.ID)
				if err != nil {
					return err
				}
				missions, err := a.Engine.AgentMissions(ctx, agent.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"agent": agent, "units": units, "missions": missions})
				}
				fmt.Printf("%s (%s)  rank=%s  points=%d  missions=%d\n", agent.Name, agent.ID, agent.Rank, agent.TimelinePoints, agent.MissionsCompleted)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Unit", "Name", "Personality", "Level", "XP", "Deployed"})
				for _, u := range units {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Personality, u.Level, u.Experience, u.IsDeployed})
				}
				tw.Render()
				if len(missions) > 0 {
					mw := table.NewWriter()
					mw.SetOutputMirror(os.Stdout)
					mw.AppendHeader(table.Row{"Mission", "Completions", "Successes", "Last"})
					for _, m := range missions {
						mw.AppendRow(table.Row{m.MissionID, m.Completions, m.Successes, m.LastCompletedAt.Format(time.RFC3339)})
					}
					mw.Render()
				}
				return nil
			})
		},
	}
	return cmd
}

func unitCmd() *cobra.Command {
	u := &cobra.Command{Use: "unit", Short: "Manage units"}
	u.AddCommand(unitCreateCmd())
	u.AddCommand(unitShowCmd())
	u.AddCommand(unitScoreCmd())
	return u
}

func unitCreateCmd() *cobra.Command {
	var opts engine.UnitCreateOptions
	var personality string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a unit for an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Personality = domain.Personality(strings.ToLower(personality))
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.CreateUnit(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&opts.AgentID, "agent", "", "owning agent id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "unit name")
	cmd.Flags().StringVar(&personality, "personality", "", "analytical, aggressive, diplomatic or unpredictable")
	cmd.Flags().IntVar(&opts.Level, "level", 1, "starting level")
	cmd.Flags().IntVar(&opts.Experience, "experience", 0, "starting experience")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("personality")
	return cmd
}

func unitShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <unit-id>",
		Short: "Show a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				u, err := a.Engine.GetUnit(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func unitScoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score <unit-id> <mission-id>",
		Short: "Show a unit's compatibility with a mission",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				c, err := a.Engine.Compatibility(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func deployCmd() *cobra.Command {
	var opts engine.DeployOptions
	var approach string
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Send a unit on a mission",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Approach = domain.Approach(strings.ToLower(approach))
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.Deploy(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"id":                 d.ID,
						"mission_id":         d.MissionID,
						"unit_id":            d.UnitID,
						"approach":           d.Approach,
						"completes_at":       d.CompletesAt,
						"final_success_rate": d.FinalSuccessRate,
						"compatibility":      d.Compatibility,
					})
				}
				fmt.Printf("deployed %s on %s (%s), completes at %s, success rate %.2f\n",
					d.UnitID, d.MissionID, d.Approach, d.CompletesAt.Format(time.RFC3339), d.FinalSuccessRate)
				fmt.Println("deployment:", d.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.AgentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&opts.UnitID, "unit", "", "unit id")
	cmd.Flags().StringVar(&opts.MissionID, "mission", "", "mission id")
	cmd.Flags().StringVar(&approach, "approach", string(domain.ApproachMedium), "low, medium or high")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("unit")
	_ = cmd.MarkFlagRequired("mission")
	return cmd
}

func deploymentCmd() *cobra.Command {
	d := &cobra.Command{Use: "deployment", Short: "Inspect and finish deployments"}
	d.AddCommand(deploymentStateCmd())
	d.AddCommand(deploymentListCmd())
	d.AddCommand(deploymentCompleteCmd())
	d.AddCommand(deploymentAbandonCmd())
	d.AddCommand(deploymentEventsCmd())
	return d
}

func deploymentStateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state <deployment-id>",
		Short: "Show progress and revealed phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				view, err := a.Engine.State(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				fmt.Printf("%s  mission=%s  status=%s  progress=%.0f%%  phase=%d\n",
					view.DeploymentID, view.MissionID, view.Status, view.Progress.Progress*100, view.Progress.CurrentPhase)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Status", "Narrative"})
				for _, p := range view.Phases {
					tw.AppendRow(table.Row{p.PhaseID, p.Status, p.Narrative})
				}
				tw.Render()
				if view.Result != nil {
					fmt.Printf("result: success=%t (%d/5) points=%+d xp=%d\n",
						view.Result.OverallSuccess, view.Result.SuccessCount, view.Result.Rewards.TimelinePoints, view.Result.Rewards.Experience)
					if view.Result.Narrative != "" {
						fmt.Println(view.Result.Narrative)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func deploymentListCmd() *cobra.Command {
	var f repo.DeploymentFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.Status(status)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListDeployments(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Mission", "Unit", "Approach", "Status", "Completes"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.ID, d.MissionID, d.UnitID, d.Approach, d.Status, d.CompletesAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "agent filter")
	cmd.Flags().StringVar(&f.UnitID, "unit", "", "unit filter")
	cmd.Flags().StringVar(&f.MissionID, "mission", "", "mission filter")
	cmd.Flags().StringVar(&status, "status", "", "active, completed or abandoned")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func deploymentCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <deployment-id>",
		Short: "Complete a due deployment now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, applied, err := a.Engine.Complete(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"applied": applied, "status": d.Status, "result": d.Result})
			})
		},
	}
	return cmd
}

func deploymentAbandonCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "abandon <deployment-id>",
		Short: "Abandon an active deployment and release its unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Engine.Abandon(ctx, args[0], agentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": d.ID, "status": d.Status})
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "owning agent id")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func deploymentEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <deployment-id>",
		Short: "Show the event log of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evts, err := a.Engine.ListEvents(ctx, "deployment", args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(evts)
			})
		},
	}
	return cmd
}
