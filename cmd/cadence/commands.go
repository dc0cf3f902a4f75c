package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yangwenmai/cadence/internal/planner"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Publish every due artifact once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		if _, err := a.sweeper.Recover(cmd.Context()); err != nil {
			return fmt.Errorf("recover claims: %w", err)
		}
		res, err := a.sweeper.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var weekReq planner.PlanWeekRequest

var planWeekCmd = &cobra.Command{
	Use:   "plan-week <project>",
	Short: "Create the next week of topics for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		weekReq.ProjectID = args[0]
		b, err := a.planner.PlanWeek(cmd.Context(), weekReq)
		if err != nil {
			return err
		}
		v, err := a.svc.BucketView(cmd.Context(), b.ID)
		if err != nil {
			return err
		}
		return printJSON(v)
	},
}

var quarterReq planner.PlanQuarterRequest

var planQuarterCmd = &cobra.Command{
	Use:   "plan-quarter <project>",
	Short: "Create a quarter plan with three month arcs and twelve week packages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		quarterReq.ProjectID = args[0]
		res, err := a.planner.PlanQuarter(cmd.Context(), quarterReq)
		if res != nil {
			if perr := printJSON(res); perr != nil {
				return perr
			}
		}
		return err
	},
}

var publishNowCmd = &cobra.Command{
	Use:   "publish-now <artifact>",
	Short: "Send a generated or scheduled artifact immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		art, err := a.svc.PublishNow(cmd.Context(), args[0])
		if art != nil {
			if perr := printJSON(art); perr != nil {
				return perr
			}
		}
		return err
	},
}

func init() {
	planWeekCmd.Flags().StringVar(&weekReq.Track, "track", "tactical", "tactical or strategic")
	planWeekCmd.Flags().StringVar(&weekReq.ThemeHint, "theme", "", "theme hint for the week")
	planWeekCmd.Flags().StringVar(&weekReq.StartDate, "start", "", "start date YYYY-MM-DD (default: next free week)")
	planWeekCmd.Flags().StringVar(&weekReq.ParentID, "parent", "", "parent month bucket id")

	planQuarterCmd.Flags().StringVar(&quarterReq.GoalHint, "goal", "", "goal of the quarter")
	planQuarterCmd.Flags().StringVar(&quarterReq.StartDate, "start", "", "start date YYYY-MM-DD (default: next free quarter)")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
