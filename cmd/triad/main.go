package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/msadeghi/triad/config"
	"github.com/msadeghi/triad/internal/agent/telemetry"
	"github.com/msadeghi/triad/internal/workflow"
)

func main() {
	var root = &cobra.Command{
		Use:   "triad",
		Short: "Multi-agent research orchestration",
	}

	root.AddCommand(executeCMD(), healthCMD(), configCMD())
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func executeCMD() *cobra.Command {
	var (
		cfgPath    string
		urls       []string
		searches   []string
		maxSources int
		analysis   string
		focus      []string
		objectives []string
		outputFile string
		asJSON     bool
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "execute [query]",
		Short: "Run the research workflow for a query",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			if query == "" && len(urls) == 0 && len(searches) == 0 {
				return fmt.Errorf("provide a query, --url, or --search")
			}
			if !verbose {
				log.SetOutput(io.Discard)
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			orch, tel, err := buildOrchestrator(cfg)
			if err != nil {
				return err
			}
			defer tel.Shutdown()

			userInput := map[string]interface{}{}
			if len(urls) > 0 {
				userInput["urls"] = urls
			}
			if len(searches) > 0 {
				userInput["search_terms"] = searches
			}
			if maxSources > 0 {
				userInput["max_sources"] = maxSources
			}
			if analysis != "" {
				userInput["analysis_type"] = analysis
			}
			if len(focus) > 0 {
				userInput["focus_areas"] = focus
			}
			if len(objectives) > 0 {
				userInput["objectives"] = objectives
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			result, err := orch.Execute(ctx, query, userInput)
			if err != nil {
				return err
			}
			if outputFile != "" {
				if err := saveResult(outputFile, result); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "results saved to %s\n", outputFile)
			}
			return printResult(cmd, result, asJSON)
		},
	}
	cmd.Flags().StringSliceVar(&urls, "url", nil, "URL to research (repeatable)")
	cmd.Flags().StringSliceVar(&searches, "search", nil, "search term for stored data (repeatable)")
	cmd.Flags().IntVar(&maxSources, "max-sources", 0, "cap on gathered sources")
	cmd.Flags().StringVar(&analysis, "analysis", "comprehensive", "analysis type: comprehensive, executive, technical, comparative, critical")
	cmd.Flags().StringSliceVar(&focus, "focus", nil, "analysis focus area (repeatable)")
	cmd.Flags().StringSliceVar(&objectives, "objective", nil, "planning objective (repeatable)")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "write full results as JSON to this file")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print full results as JSON instead of text")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	return cmd
}

func healthCMD() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check agent and tool server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			orch, tel, err := buildOrchestrator(cfg)
			if err != nil {
				return err
			}
			defer tel.Shutdown()

			report := orch.HealthCheck(cmd.Context())
			out, _ := json.MarshalIndent(report, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if report["status"] != "healthy" {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	return cmd
}

func configCMD() *cobra.Command {
	var (
		cfgPath  string
		create   bool
		validate bool
		show     bool
	)
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create, validate, or show configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case create:
				return writeDefaultConfig(cmd, cfgPath)
			case validate:
				if _, err := config.Load(cfgPath); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
				return nil
			case show:
				cfg, err := config.Load(cfgPath)
				if err != nil {
					return err
				}
				shown := *cfg
				if shown.LLM.APIKey != "" {
					shown.LLM.APIKey = "***"
				}
				if shown.Server.JWTSecret != "" {
					shown.Server.JWTSecret = "***"
				}
				out, _ := json.MarshalIndent(shown, "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			default:
				return cmd.Help()
			}
		},
	}
	cmd.Flags().BoolVar(&create, "create", false, "write a default config file")
	cmd.Flags().BoolVar(&validate, "validate", false, "validate the config file")
	cmd.Flags().BoolVar(&show, "show", false, "print the effective config with secrets masked")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	return cmd
}

func buildOrchestrator(cfg *config.Config) (*workflow.Orchestrator, *telemetry.Telemetry, error) {
	tel := telemetry.New(cfg.Telemetry, nil)
	orch, err := workflow.New(cfg, tel)
	if err != nil {
		return nil, nil, err
	}
	return orch, tel, nil
}

func saveResult(path string, result map[string]interface{}) error {
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(out, '\n'), 0o644)
}

func printResult(cmd *cobra.Command, result map[string]interface{}, asJSON bool) error {
	w := cmd.OutOrStdout()
	if asJSON {
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(w, string(out))
		return nil
	}
	fmt.Fprintf(w, "Query: %v\n\n", result["query"])
	if s, ok := result["research_summary"].(string); ok && s != "" {
		fmt.Fprintf(w, "Research Summary\n----------------\n%s\n\n", s)
	}
	printList(w, "Key Insights", result["key_insights"])
	printList(w, "Strategic Recommendations", result["strategic_recommendations"])
	printList(w, "Action Plan", result["action_plan"])
	printList(w, "Next Steps", result["next_steps"])
	if meta, ok := result["workflow_metadata"].(map[string]interface{}); ok {
		fmt.Fprintf(w, "Workflow: steps=%v retries=%v duration=%.2fs\n",
			meta["steps_executed"], meta["retry_count"], floatValue(meta["duration_seconds"]))
	}
	return nil
}

func printList(w io.Writer, title string, v interface{}) {
	items := listItems(v)
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "%s\n%s\n", title, strings.Repeat("-", len(title)))
	for i, item := range items {
		fmt.Fprintf(w, "%d. %s\n", i+1, item)
	}
	fmt.Fprintln(w)
}

func listItems(v interface{}) []string {
	var out []string
	appendItem := func(item interface{}) {
		switch t := item.(type) {
		case string:
			out = append(out, t)
		case map[string]interface{}:
			for _, key := range []string{"action", "insight", "recommendation", "step"} {
				if s, ok := t[key].(string); ok && s != "" {
					out = append(out, s)
					return
				}
			}
			out = append(out, fmt.Sprint(t))
		default:
			out = append(out, fmt.Sprint(t))
		}
	}
	switch t := v.(type) {
	case []interface{}:
		for _, item := range t {
			appendItem(item)
		}
	case []map[string]interface{}:
		for _, item := range t {
			appendItem(item)
		}
	case []string:
		out = append(out, t...)
	}
	return out
}

func floatValue(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func writeDefaultConfig(cmd *cobra.Command, path string) error {
	if path == "" {
		path = "config/config.json"
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	defaults := map[string]interface{}{
		"general": map[string]interface{}{"log_level": "info"},
		"llm": map[string]interface{}{
			"provider": "openai",
			"models": map[string]interface{}{
				"default": map[string]interface{}{"name": "gpt-4", "max_tokens": 4000, "temperature": 0.7},
			},
		},
		"orchestrator": map[string]interface{}{"max_retries": 2, "step_timeout": "5m"},
		"mcp":          map[string]interface{}{"base_url": "http://localhost:8000", "timeout": "30s"},
		"server":       map[string]interface{}{"address": ":8000", "render_mode": "http"},
		"telemetry":    map[string]interface{}{"enabled": true},
	}
	out, _ := json.MarshalIndent(defaults, "", "  ")
	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
	return nil
}
