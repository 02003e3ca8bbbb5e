package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/aristath/missionctl/internal/client"
	"github.com/aristath/missionctl/internal/engine"
	"github.com/aristath/missionctl/internal/mission"
	"github.com/aristath/missionctl/internal/planner"
	"github.com/aristath/missionctl/internal/tui"
)

var (
	delegatePriority  string
	delegateRequester string
	delegateContext   []string
	delegatePlaybook  string
	delegateCategory  string
	delegateWatch     bool

	statusJSON bool

	listStatus []string
	listLimit  int
	listJSON   bool
)

var delegateCmd = &cobra.Command{
	Use:   "delegate <goal>",
	Short: "Delegate a goal to the engine",
	Long: `Plan a goal into a mission and start it. The goal picks a playbook by
keyword unless --playbook or --category forces one.

Context entries are key=value pairs; values that parse as JSON are kept as
JSON, anything else is a string:

  missionctl delegate "Write a blog post about queues" -c audience=developers -c words=800`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDelegate,
}

var statusCmd = &cobra.Command{
	Use:   "status <mission-id>",
	Short: "Show a mission and its tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		view, err := c.Status(ctx, args[0])
		if err != nil {
			return err
		}
		if statusJSON {
			return printJSON(cmd.OutOrStdout(), view)
		}
		printStatus(cmd.OutOrStdout(), view)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List missions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		list, err := c.List(ctx, listStatus, listLimit)
		if err != nil {
			return err
		}
		if listJSON {
			return printJSON(cmd.OutOrStdout(), list)
		}
		printList(cmd.OutOrStdout(), list)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <mission-id>",
	Short: "Cancel a running mission",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		view, err := c.Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Mission %s %s\n", view.ID, colorStatus(view.Status))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <mission-id>",
	Short: "Follow a mission in a terminal UI",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		return watchMission(cmd.Context(), c, args[0])
	},
}

func init() {
	delegateCmd.Flags().StringVarP(&delegatePriority, "priority", "p", "", "Mission priority: low, normal or high")
	delegateCmd.Flags().StringVar(&delegateRequester, "requester", "", "Requester ID recorded on the mission")
	delegateCmd.Flags().StringArrayVarP(&delegateContext, "context", "c", nil, "Context entry as key=value (repeatable)")
	delegateCmd.Flags().StringVar(&delegatePlaybook, "playbook", "", "Force a playbook by name")
	delegateCmd.Flags().StringVar(&delegateCategory, "category", "", "Run the goal as a single task of this category")
	delegateCmd.Flags().BoolVarP(&delegateWatch, "watch", "w", false, "Watch the mission after delegating")

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw status document")

	listCmd.Flags().StringSliceVarP(&listStatus, "status", "s", nil, "Only missions with these statuses")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "Maximum missions to show (0 for all)")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Print the raw list")
}

func runDelegate(cmd *cobra.Command, args []string) error {
	mctx, err := parseContext(delegateContext)
	if err != nil {
		return err
	}
	if delegatePlaybook != "" {
		mctx[planner.ContextPlaybook] = delegatePlaybook
	}
	if delegateCategory != "" {
		mctx[planner.ContextCategory] = delegateCategory
	}
	if len(mctx) == 0 {
		mctx = nil
	}

	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()

	resp, err := c.Delegate(ctx, engine.DelegateRequest{
		Goal:        strings.Join(args, " "),
		Context:     mctx,
		Priority:    delegatePriority,
		RequesterID: delegateRequester,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Mission %s created (%s, %d tasks)\n", resp.MissionID, resp.Playbook, resp.Tasks)
	fmt.Fprintf(out, "Estimated completion: %s\n", resp.EstimatedCompletion.Local().Format(time.DateTime))

	if delegateWatch {
		return watchMission(cmd.Context(), c, resp.MissionID)
	}
	return nil
}

// parseContext turns key=value entries into a context map. Values that are
// valid JSON keep their JSON type.
func parseContext(entries []string) (map[string]any, error) {
	out := make(map[string]any, len(entries))
	for _, e := range entries {
		key, value, ok := strings.Cut(e, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid context entry %q: want key=value", e)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		out[key] = v
	}
	return out, nil
}

// watchMission subscribes before taking the snapshot so no transition is
// missed between the two.
func watchMission(ctx context.Context, c *client.Client, missionID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.Stream(ctx, missionID)
	if err != nil {
		return err
	}
	defer stream.Close()

	snapshot, err := c.Status(ctx, missionID)
	if err != nil {
		return err
	}

	var feed tui.Feed = stream
	if mission.MissionStatus(snapshot.Status).IsTerminal() {
		feed = nil
	}

	p := tea.NewProgram(tui.New(ctx, snapshot, feed), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	if final, err := c.Status(context.WithoutCancel(ctx), missionID); err == nil {
		printStatus(os.Stdout, final)
	}
	return nil
}
