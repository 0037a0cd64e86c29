package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"vime/internal/app"
	"vime/internal/config"
	"vime/internal/ime"
	"vime/internal/logging"
)

var version = "dev"

type options struct {
	configPath string
	logLevel   string
	display    string
	ibus       bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "vime",
		Short:         "Edit text fields in a full-screen editor",
		Long:          `vime is an IBus input method. The trigger chord opens an editor popup for the focused text field and commits the result when the editor exits.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVime(cmd.Context(), opts)
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default: $XDG_CONFIG_HOME/vime/config.toml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"log level: trace, debug, info, warn, error")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run the input method (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVime(cmd.Context(), opts)
		},
	}
	for _, c := range []*cobra.Command{root, run} {
		c.Flags().StringVar(&opts.display, "display", "", "X display (default: $DISPLAY)")
		c.Flags().BoolVar(&opts.ibus, "ibus", false, "started by ibus-daemon")
	}

	root.AddCommand(run, newInstallCmd(), newUninstallCmd(), newConfigCmd(opts))
	return root
}

// loadConfig reads the configuration and applies command-line overrides.
func loadConfig(opts *options) (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(opts.configPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", loader.Path(), err)
	}
	if opts.logLevel != "" {
		if _, err := logging.ParseLevel(opts.logLevel); err != nil {
			return nil, nil, err
		}
		cfg = cfg.Clone()
		cfg.Logging.Level = opts.logLevel
	}
	return loader, cfg, nil
}

func runVime(ctx context.Context, opts *options) error {
	loader, cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	lc, err := cfg.LoggerConfig()
	if err != nil {
		return err
	}
	lg, err := logging.New(lc)
	if err != nil {
		return err
	}
	defer lg.Close()

	log := lg.WithComponent("main")
	log.Info("starting", "version", version, "config", loader.Path(), "ibus", opts.ibus)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = app.Run(ctx, app.Options{
		Config:  cfg,
		Loader:  loader,
		Display: opts.display,
		Logger:  lg,
	})
	if err != nil {
		log.Error("stopped", "error", err)
		return err
	}
	log.Info("stopped")
	return nil
}

func newInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Register vime as an IBus engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := installer()
			if err != nil {
				return err
			}
			path, err := inst.Install()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Installed %s\n", path)
			return nil
		},
	}
}

func newUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the IBus engine registration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := installer()
			if err != nil {
				return err
			}
			if err := inst.Uninstall(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Uninstalled")
			return nil
		},
	}
}

func installer() (ime.Installer, error) {
	dir, err := ime.DefaultComponentDir()
	if err != nil {
		return ime.Installer{}, fmt.Errorf("component directory: %w", err)
	}
	return ime.Installer{Dir: dir, Restart: ime.RestartIBus}, nil
}

func newConfigCmd(opts *options) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			data, err := config.Encode(cfg, "."+format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "toml", "output format: toml, json, yaml")
	return cmd
}
