package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jbweber/anvil/internal/config"
	"github.com/jbweber/anvil/internal/logging"
	"github.com/jbweber/anvil/internal/output"
	"github.com/jbweber/anvil/internal/vm"
)

var (
	version = "dev"
	commit  = "unknown"
)

// ErrUnknownArgument is returned for positional arguments. anvil takes flags only.
var ErrUnknownArgument = errors.New("unknown argument")

// Global flags
var (
	configPath   string
	variant      string
	verbose      bool
	noColor      bool
	logFormat    string
	outputFormat string
	noHeaders    bool
)

// Root command flags
var (
	installKernel bool
	runTests      bool
)

// logger is replaced once flags are parsed.
var logger = logging.New(os.Stderr, logging.Options{NoColor: true})

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "anvil",
	Short: "Anvil - throwaway VM for kernel testing",
	Long: `Anvil provisions a throwaway QEMU/KVM virtual machine for kernel testing.

It prepares a copy-on-write disk from a cloud base image, seeds it with a
cloud-init NoCloud image, boots it with the kernel build output shared into
the guest and waits for SSH. With --install-kernel the newest kernel build is
installed into the guest, made the default boot entry and booted.

The VM keeps running after anvil exits. Stop it with kill <pid>.`,
	Version:           fmt.Sprintf("%s (commit: %s)", version, commit),
	Args:              rejectArgs,
	SilenceErrors:     true,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
	RunE:              runUp,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file (defaults are used when omitted)")
	rootCmd.PersistentFlags().StringVar(&variant, "variant", string(config.VariantFull), "Preset defaults: full or simple")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format on stderr: text or json")

	rootCmd.Flags().BoolVar(&installKernel, "install-kernel", false, "Install the newest kernel build into the guest and reboot it")
	rootCmd.Flags().BoolVar(&runTests, "run-tests", false, "Run the guest test suite (not implemented yet)")
	rootCmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Summary format: table, yaml, json")
	rootCmd.Flags().BoolVar(&noHeaders, "no-headers", false, "Omit the table header")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func rejectArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("%w: %q (see %s --help)", ErrUnknownArgument, args[0], cmd.CommandPath())
	}
	return nil
}

func setupLogging(cmd *cobra.Command, args []string) error {
	if logFormat != "text" && logFormat != "json" {
		return fmt.Errorf("invalid log format %q: must be text or json", logFormat)
	}
	logger = logging.New(os.Stderr, logging.Options{
		Verbose: verbose,
		NoColor: noColor || !isatty.IsTerminal(os.Stderr.Fd()),
		JSON:    logFormat == "json",
	})
	return nil
}

// loadConfig loads the configuration selected by the global flags and
// resolves its paths.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath, config.Variant(variant))
	if err != nil {
		return nil, err
	}

	dir, err := config.BaseDir(cfg.PathBase)
	if err != nil {
		return nil, err
	}
	cfg.ResolvePaths(dir)

	return cfg, nil
}

func runUp(cmd *cobra.Command, args []string) error {
	if err := output.ValidateFormat(outputFormat); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"name":    cfg.Name,
		"variant": cfg.Variant,
	}).Info("Starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, upErr := vm.Up(ctx, cfg, vm.Options{
		InstallKernel: installKernel,
		RunTests:      runTests,
	}, logger)
	if summary != nil {
		if err := printSummary(cmd, summary); err != nil {
			logger.WithError(err).Warn("Failed to print summary")
		}
	}
	return upErr
}

func printSummary(cmd *cobra.Command, summary *vm.Summary) error {
	formatter, err := output.NewFormatter(output.Options{
		Format:    output.Format(outputFormat),
		NoHeaders: noHeaders,
	})
	if err != nil {
		return err
	}

	result, err := formatter.FormatSummary(summary)
	if err != nil {
		return err
	}

	_, err = fmt.Fprint(cmd.OutOrStdout(), result)
	return err
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  rejectArgs,
	Run: func(cmd *cobra.Command, args []string) {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "anvil %s (commit: %s)\n", version, commit)
	},
}
