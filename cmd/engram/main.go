// Package main is the entry point for the engram CLI: the persistent
// memory core of the coding-assistant workspace, exposed for the session
// hooks and for manual inspection.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/normanking/engram/internal/config"
	"github.com/normanking/engram/internal/health"
	"github.com/normanking/engram/internal/learning"
	"github.com/normanking/engram/internal/memory"
	"github.com/normanking/engram/internal/reflection"
	"github.com/normanking/engram/internal/session"
	"github.com/normanking/engram/internal/store"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "engram",
		Short: "Engram - persistent memory core for coding-assistant sessions",
		Long: `Engram stores small structured memories (failures, successes, facts,
decisions), gates and deduplicates them at write time, links them into a
relationship graph, and serves ranked results for every agent turn.

Retrieve for a prompt:   engram retrieve "fix the auth token refresh"
Store a memory:          engram remember --type pain --title "..." ...
Inspect pipeline health: engram health`,
		Version:           version,
		PersistentPreRunE: initLogging,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (default ~/.engram/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(retrieveCmd())
	rootCmd.AddCommand(rememberCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(reflectCmd())
	rootCmd.AddCommand(promoteCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func initLogging(cmd *cobra.Command, args []string) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}

	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)

	return nil
}

// open loads config and the document store together; nearly every command
// starts here.
func open() (*config.Config, *store.Store, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	st, err := store.New(cfg.Store.Dir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}

func retrieveCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "retrieve <prompt...>",
		Short: "Rank memories against a prompt and print the injection block",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := open()
			if err != nil {
				return err
			}

			sess, err := session.Start(cfg, st)
			if err != nil {
				return err
			}

			result, err := sess.Turn(strings.Join(args, " "))
			if err != nil {
				return err
			}
			if err := sess.End(); err != nil {
				return err
			}

			if asJSON {
				return printJSON(cmd, result)
			}

			if result.InjectionText == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No relevant memories.")
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), result.InjectionText)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full retrieval result as JSON")
	return cmd
}

func rememberCmd() *cobra.Command {
	var (
		memType     string
		title       string
		content     string
		rule        string
		severity    string
		tags        []string
		autoResolve bool
	)

	cmd := &cobra.Command{
		Use:   "remember",
		Short: "Run a candidate memory through the quality gate and store it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := open()
			if err != nil {
				return err
			}

			sess, err := session.Start(cfg, st)
			if err != nil {
				return err
			}

			candidate := &memory.Candidate{
				Type:     memory.Type(memType),
				Title:    title,
				Content:  content,
				Rule:     rule,
				Tags:     tags,
				Severity: memory.Severity(severity),
			}

			decision, err := sess.Remember(candidate, autoResolve)
			if err != nil {
				return err
			}

			switch decision.Action {
			case memory.GateReject:
				fmt.Fprintf(cmd.OutOrStdout(), "Rejected: %s\n", decision.Reason)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (quality %.2f, %d links",
					decision.Memory.ID, decision.QualityScore, len(decision.Memory.Links))
				if len(decision.Superseded) > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), ", superseded %d", len(decision.Superseded))
				}
				fmt.Fprintln(cmd.OutOrStdout(), ")")
			}

			return sess.End()
		},
	}

	cmd.Flags().StringVar(&memType, "type", "fact", "memory type (pain, win, fact, decision, architecture)")
	cmd.Flags().StringVar(&title, "title", "", "short title (required)")
	cmd.Flags().StringVar(&content, "content", "", "detailed content")
	cmd.Flags().StringVar(&rule, "rule", "", "actionable lesson")
	cmd.Flags().StringVar(&severity, "severity", "low", "severity (low, medium, high)")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "comma-separated tags")
	cmd.Flags().BoolVar(&autoResolve, "auto-resolve", false, "auto-resolve high-confidence conflicts")
	_ = cmd.MarkFlagRequired("title")

	return cmd
}

func healthCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Print the graded pipeline health report",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := open()
			if err != nil {
				return err
			}

			pool, err := st.LoadMemories()
			if err != nil {
				return err
			}
			state, err := st.LoadBrainState()
			if err != nil {
				return err
			}
			learned, err := st.LoadLearned()
			if err != nil {
				return err
			}

			report := health.Generate(pool, state, learned.CortexEntries, learned.Rules, time.Now())
			if asJSON {
				return printJSON(cmd, report)
			}
			fmt.Fprint(cmd.OutOrStdout(), report.Render())
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print memory pool statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := open()
			if err != nil {
				return err
			}

			pool, err := st.LoadMemories()
			if err != nil {
				return err
			}

			graph := memory.BuildLinkGraph(pool)
			edges := 0
			for _, adj := range graph {
				edges += len(adj.Outgoing)
			}

			active := memory.ActiveMemories(pool)
			fmt.Fprintf(cmd.OutOrStdout(), "Memories: %d (%d active)\nLink edges: %d\n",
				len(pool), len(active), edges)
			return nil
		},
	}
}

func checkpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Consolidate session activity into persisted strength changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := open()
			if err != nil {
				return err
			}

			sess, err := session.Start(cfg, st)
			if err != nil {
				return err
			}
			if err := sess.Checkpoint(); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Checkpoint written.")
			return nil
		},
	}
}

func reflectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reflect",
		Short: "Generate meta-observations over the memory pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := open()
			if err != nil {
				return err
			}

			pool, err := st.LoadMemories()
			if err != nil {
				return err
			}

			observations := reflection.GenerateMetaObservations(pool)
			if len(observations) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No patterns detected.")
				return nil
			}

			for _, obs := range observations {
				fmt.Fprintf(cmd.OutOrStdout(), "[%.2f] %-18s %s\n", obs.Confidence, obs.Kind, obs.Description)
			}
			return nil
		},
	}
}

func promoteCmd() *cobra.Command {
	var apply bool

	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Print promotion candidates for the documentation generator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := open()
			if err != nil {
				return err
			}

			learned, err := st.LoadLearned()
			if err != nil {
				return err
			}

			ruleLearner := learning.NewRuleLearner(cfg.Rules, learned.Rules)
			cortexLearner := learning.NewCortexLearner(cfg.Cortex, learned.CortexEntries)

			candidates := append(ruleLearner.RulePromotions(), cortexLearner.CortexPromotions()...)
			if len(candidates) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing ready for promotion.")
				return nil
			}

			for _, candidate := range candidates {
				fmt.Fprintf(cmd.OutOrStdout(), "## %s\n%s\n", candidate.Section, candidate.Text)
			}

			if apply {
				for _, rule := range ruleLearner.Promotable() {
					ruleLearner.MarkPromoted(rule.ID)
				}
				for _, entry := range cortexLearner.Promotable() {
					cortexLearner.MarkPromoted(entry.Word)
				}
				learned.Rules = ruleLearner.Rules()
				learned.CortexEntries = cortexLearner.Entries()
				if err := st.SaveLearned(learned); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\nMarked %d candidates as promoted.\n", len(candidates))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&apply, "apply", false, "mark the printed candidates as promoted")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
