package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aristath/missionctl/internal/config"
	"github.com/aristath/missionctl/internal/planner"
)

var playbooksCmd = &cobra.Command{
	Use:   "playbooks",
	Short: "List the available playbooks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadDefault()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		p, err := planner.New(cfg.Planner.PlaybooksDir, nil)
		if err != nil {
			return fmt.Errorf("load playbooks: %w", err)
		}

		pbs := p.Playbooks()
		byName := make(map[string]planner.Playbook, len(pbs))
		for _, pb := range pbs {
			byName[pb.Name] = pb
		}

		out := cmd.OutOrStdout()
		for _, name := range planner.SortedNames(pbs) {
			pb := byName[name]
			steps := make([]string, 0, len(pb.Tasks))
			for _, t := range pb.Tasks {
				steps = append(steps, t.Name)
			}
			fmt.Fprintf(out, "%s\n  %s\n  keywords: %s\n  tasks:    %s\n",
				name, pb.Description, strings.Join(pb.Match, ", "), strings.Join(steps, " -> "))
		}
		return nil
	},
}
