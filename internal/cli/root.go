// Package cli holds the command bootstrap shared by every binary: flags,
// .env loading, configuration and logging, plus component wiring.
package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kdimtricp/framesearch/internal/config"
	"github.com/kdimtricp/framesearch/internal/logger"
)

// Env is filled in before a command's run function is called.
type Env struct {
	Config *config.Config
	Logger *slog.Logger
	viper  *viper.Viper
}

type RunFunc func(cmd *cobra.Command, args []string, env *Env) error

// NewCommand returns a root command with the shared persistent flags bound
// into a private viper instance. Commands bind their own flags through the
// returned Env.
func NewCommand(use, short string, run RunFunc) (*cobra.Command, *Env) {
	env := &Env{viper: viper.New()}

	cmd := &cobra.Command{
		Use:          use,
		Short:        short,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return env.load(cmd)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args, env)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "config file (yaml, toml or json)")
	flags.String("env-file", ".env", "dotenv file loaded before configuration")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("log-format", "text", "log format: text or json")

	env.MustBind(cmd, "log.level", "log-level")
	env.MustBind(cmd, "log.format", "log-format")
	return cmd, env
}

// MustBind binds the named flag of cmd to a configuration key.
func (e *Env) MustBind(cmd *cobra.Command, key, flag string) {
	f := cmd.PersistentFlags().Lookup(flag)
	if f == nil {
		f = cmd.Flags().Lookup(flag)
	}
	if f == nil {
		panic(fmt.Sprintf("unknown flag %q", flag))
	}
	if err := e.viper.BindPFlag(key, f); err != nil {
		panic(err)
	}
}

func (e *Env) load(cmd *cobra.Command) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		e.viper.SetConfigFile(path)
		if err := e.viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg, err := config.Load(e.viper)
	if err != nil {
		return err
	}
	e.Config = cfg
	e.Logger = logger.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(e.Logger)
	return nil
}
