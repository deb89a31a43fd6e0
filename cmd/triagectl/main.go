// Package main is the entry point for the triagectl binary. It provides a
// CLI for validating workflow documents and executing a workflow locally
// without the HTTP server.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"buildtriage/backend/internal/config"
	"buildtriage/backend/internal/engine"
	"buildtriage/backend/internal/handlers"
	"buildtriage/backend/internal/llm"
	"buildtriage/backend/internal/logging"
	"buildtriage/backend/internal/notify"
	"buildtriage/backend/internal/prompt"
	"buildtriage/backend/internal/workflow"
	"buildtriage/backend/pkg/models"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "triagectl",
		Short: "Build triage workflow tooling",
		Long: `triagectl validates and runs build-triage workflow documents.

Example:
  triagectl validate workflows/
  triagectl run --workflow workflows/build_triage.yaml --input '{"payload":{"job_name":"ci"}}'`,
	}

	rootCmd.PersistentFlags().StringP("prompts", "p", "prompts", "Directory containing prompt templates")
	rootCmd.PersistentFlags().StringP("log-level", "l", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newRunCmd())
	return rootCmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [files or directories]",
		Short: "Parse and validate workflow documents",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	templates, registry, err := loadResources(cmd)
	if err != nil {
		return err
	}
	res := workflow.Resources{Templates: templates, HandlerNames: registry}

	files, err := collectDocuments(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no workflow documents found")
	}

	failed := 0
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		def, err := workflow.Load(data, res)
		if err != nil {
			failed++
			fmt.Fprintf(cmd.ErrOrStderr(), "FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "OK   %s (%s)\n", path, def.ID())
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed validation", failed, len(files))
	}
	return nil
}

func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a workflow locally and print the run result",
		Long: `Executes a single workflow document in-process, using the model and
notification settings from the regular config file, and prints the final
run state as JSON.`,
		RunE: runWorkflow,
	}
	runCmd.Flags().StringP("workflow", "w", "", "Path to the workflow document (required)")
	runCmd.Flags().StringP("input", "i", "{}", "Initial run context as a JSON object")
	_ = runCmd.MarkFlagRequired("workflow")
	return runCmd
}

func runWorkflow(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("workflow")
	if err != nil {
		return err
	}
	inputJSON, err := cmd.Flags().GetString("input")
	if err != nil {
		return err
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &input); err != nil {
		return fmt.Errorf("parse --input: %w", err)
	}

	level, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return err
	}
	logger := logging.NewLogger(level)

	templates, registry, err := loadResources(cmd)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	def, err := workflow.Load(data, workflow.Resources{Templates: templates, HandlerNames: registry})
	if err != nil {
		return err
	}
	workflows, err := workflow.NewRegistry(def)
	if err != nil {
		return err
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	eng := engine.New(registry, templates, engine.Config{
		MaxSteps:          cfg.Engine.MaxSteps,
		StepTimeout:       cfg.Engine.StepTimeout,
		RunTimeout:        cfg.Engine.RunTimeout,
		DefaultMaxRetries: cfg.Engine.DefaultMaxRetries,
		RetryScope:        engine.RetryScope(cfg.Engine.RetryScope),
	}, logger)
	runs := engine.NewManager(eng, workflows, nil, logger)

	runID, err := runs.Submit(def.ID(), input)
	if err != nil {
		return err
	}
	runs.Wait()

	state, err := runs.State(runID)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if state.Status != models.RunStatusCompleted {
		return fmt.Errorf("run finished with status %s (%s)", state.Status, state.Reason)
	}
	return nil
}

// loadResources builds the prompt library and handler registry the documents
// are checked against. Handler dependencies are wired from config so that
// `run` can execute real steps; `validate` only needs the names.
func loadResources(cmd *cobra.Command) (*prompt.Library, *handlers.Registry, error) {
	promptsDir, err := cmd.Flags().GetString("prompts")
	if err != nil {
		return nil, nil, err
	}
	templates, err := prompt.LoadDir(promptsDir)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	deps := handlers.TriageDeps{
		Model: llm.NewHTTPClient(cfg.Model.BaseURL, cfg.Model.APIKey, cfg.Model.Name, cfg.Model.Timeout),
		ModelOptions: llm.Options{
			Model:       cfg.Model.Name,
			Temperature: cfg.Model.Temperature,
			MaxTokens:   cfg.Model.MaxTokens,
		},
		Notifier: notify.NewRouter(map[string]notify.Notifier{}),
	}
	registry := handlers.NewRegistry()
	if err := handlers.RegisterTriage(registry, deps); err != nil {
		return nil, nil, err
	}
	return templates, registry, nil
}

// collectDocuments expands the argument list into workflow document paths,
// walking one level into any directories.
func collectDocuments(args []string) ([]string, error) {
	var files []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
				continue
			}
			files = append(files, filepath.Join(arg, name))
		}
	}
	return files, nil
}
