package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/formcheck/internal/config"
	"github.com/danielpatrickdp/formcheck/internal/store"
	"github.com/danielpatrickdp/formcheck/internal/validator"
)

func newRootCommand() *cobra.Command {
	ctx := &commandContext{registry: validator.DefaultRegistry()}

	rootCmd := &cobra.Command{
		Use:           "formcheck",
		Short:         "Exercise form analysis from pose landmark streams",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.configPath, "config", "c", "", "Exercise configuration file (.toml or .json)")
	flags.StringVar(&ctx.configDir, "config-dir", config.EnvOr("FORMCHECK_CONFIG_DIR", ""), "Directory of <exercise>.toml configuration files")
	flags.StringVar(&ctx.modelPath, "model", "", "Model path or URL (overrides FORMCHECK_MODEL)")
	flags.StringVar(&ctx.inferenceAddr, "inference-addr", "", "Remote inference server address")
	flags.StringVar(&ctx.fusionMode, "fusion-mode", "", "Fusion policy: ml_only, heuristic_only or hybrid")
	flags.StringVar(&ctx.dbPath, "db", config.EnvOr("FORMCHECK_DB", ""), "SQLite session database; empty disables persistence")
	flags.BoolVar(&ctx.jsonOut, "json", false, "Emit JSON instead of tables")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newReplayCommand(ctx))
	rootCmd.AddCommand(newSynthCommand(ctx))
	rootCmd.AddCommand(newInspectCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))
	return rootCmd
}

// #region context
type commandContext struct {
	registry *validator.Registry

	configPath    string
	configDir     string
	modelPath     string
	inferenceAddr string
	fusionMode    string
	dbPath        string
	jsonOut       bool
}

// overrides layers the environment under the command line flags.
func (c *commandContext) overrides() []config.Override {
	out := config.FromEnv()
	return append(out,
		config.WithModelPath(c.modelPath),
		config.WithInferenceAddr(c.inferenceAddr),
		config.WithFusionMode(c.fusionMode),
	)
}

// resolve builds the configuration for an exercise: an explicit --config file wins,
// then <config-dir>/<exercise>.toml, then the registry defaults.
func (c *commandContext) resolve(exercise string) (config.Exercise, error) {
	if path := strings.TrimSpace(c.configPath); path != "" {
		return config.Load(path, c.overrides()...)
	}
	if c.configDir != "" {
		path := filepath.Join(c.configDir, exercise+".toml")
		if _, err := os.Stat(path); err == nil {
			return config.Load(path, c.overrides()...)
		}
	}
	if exercise == "" {
		return config.Exercise{}, fmt.Errorf("no exercise given and no --config file")
	}
	known := false
	for _, id := range c.registry.Exercises() {
		known = known || id == exercise
	}
	if !known {
		return config.Exercise{}, fmt.Errorf("%w: %q (known: %s)", validator.ErrUnknownExercise, exercise, strings.Join(c.registry.Exercises(), ", "))
	}
	return config.Resolve(config.Default(exercise), c.overrides()...)
}

// openStore returns nil when persistence is disabled.
func (c *commandContext) openStore() (*store.Store, error) {
	if strings.TrimSpace(c.dbPath) == "" {
		return nil, nil
	}
	return store.NewStore(c.dbPath)
}

// #endregion context
