package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/inbox"
	"github.com/relaydesk/relaydesk/internal/logger"
	"github.com/relaydesk/relaydesk/internal/routing"
)

// ruleFile is the YAML layout accepted by `rules import`:
//
//	user_id: 6b1f7e1e-...
//	rules:
//	  - name: refunds to billing
//	    priority: 10
//	    keywords: [refund, chargeback]
//	    set_category: billing
//	    assign_team: Billing
type ruleFile struct {
	UserID string     `yaml:"user_id"`
	Rules  []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name          string   `yaml:"name"`
	Priority      int      `yaml:"priority"`
	Keywords      []string `yaml:"keywords"`
	MatchCategory string   `yaml:"match_category"`
	MatchPriority string   `yaml:"match_priority"`
	SetPriority   string   `yaml:"set_priority"`
	SetCategory   string   `yaml:"set_category"`
	AssignTeam    string   `yaml:"assign_team"`
	AssignAgent   string   `yaml:"assign_agent"`
	// Active defaults to true when omitted.
	Active *bool `yaml:"active"`
}

func (s ruleSpec) toInput() routing.RuleInput {
	return routing.RuleInput{
		Name:          s.Name,
		Priority:      s.Priority,
		Keywords:      s.Keywords,
		MatchCategory: inbox.Category(s.MatchCategory),
		MatchPriority: inbox.Priority(s.MatchPriority),
		SetPriority:   inbox.Priority(s.SetPriority),
		SetCategory:   inbox.Category(s.SetCategory),
		AssignTeam:    s.AssignTeam,
		AssignAgent:   s.AssignAgent,
		Active:        s.Active == nil || *s.Active,
	}
}

func newRulesCmd() *cobra.Command {
	rules := &cobra.Command{
		Use:   "rules",
		Short: "Manage routing rules",
	}
	rules.AddCommand(newRulesImportCmd())
	return rules
}

func newRulesImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Create routing rules for a tenant from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read rules file: %w", err)
			}
			var file ruleFile
			if err := yaml.Unmarshal(raw, &file); err != nil {
				return fmt.Errorf("parse rules file: %w", err)
			}
			if file.UserID == "" {
				return fmt.Errorf("rules file must set user_id")
			}
			if len(file.Rules) == 0 {
				return fmt.Errorf("rules file has no rules")
			}

			logger.Init(cfg.Log.Level, cfg.Log.Format)
			ctx := cmd.Context()
			pool, err := db.Open(ctx, cfg.Postgres)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()

			store := routing.NewRuleStore(logger.L, pool)
			for i, spec := range file.Rules {
				rule, err := store.Create(ctx, file.UserID, spec.toInput())
				if err != nil {
					return fmt.Errorf("rule %d (%s): %w", i+1, spec.Name, err)
				}
				cmd.Printf("created rule %s (%s)\n", rule.ID, rule.Name)
			}
			cmd.Printf("imported %d rules for user %s\n", len(file.Rules), file.UserID)
			return nil
		},
	}
}
