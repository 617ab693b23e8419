// Package commands implements the imagetablectl subcommands: a direct,
// single-table inspector used to exercise and debug an image table without
// going through a coordinator or a real host entity.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/imagetable/internal/config"
	"github.com/marmos91/imagetable/internal/logger"
	"github.com/marmos91/imagetable/pkg/format"
)

// Version information injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// tableFlags mirrors the fields of a format.Descriptor, bound as persistent
// flags so every subcommand opens the same table without redeclaring them.
type tableFlags struct {
	configPath string
	dir        string
	namespace  string

	name       string
	family     string
	width      uint32
	height     uint32
	style      string
	maxEntries uint32
}

var flags tableFlags

var rootCmd = &cobra.Command{
	Use:   "imagetablectl",
	Short: "Inspect and exercise an on-disk image table",
	Long: `imagetablectl opens a single image table directly, bypassing the
cache coordinator's entity/delegate machinery, for inspection and manual
testing of a table's on-disk state.

Use "imagetablectl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(flags.configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		return logger.Init(logger.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
			Output: cfg.Logging.Output,
		})
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to a config file (default: platform config dir)")
	rootCmd.PersistentFlags().StringVar(&flags.dir, "dir", "", "table directory override (default: resolved from config)")
	rootCmd.PersistentFlags().StringVar(&flags.namespace, "namespace", "default", "cache namespace")

	rootCmd.PersistentFlags().StringVar(&flags.name, "format", "thumbnail", "format name")
	rootCmd.PersistentFlags().StringVar(&flags.family, "family", "", "format family (defaults to --format)")
	rootCmd.PersistentFlags().Uint32Var(&flags.width, "width", 64, "entry width in pixels")
	rootCmd.PersistentFlags().Uint32Var(&flags.height, "height", 64, "entry height in pixels")
	rootCmd.PersistentFlags().StringVar(&flags.style, "style", "BGRA32", "pixel style: BGRA32|BGR32|BGR16|Gray8")
	rootCmd.PersistentFlags().Uint32Var(&flags.maxEntries, "max-entries", 256, "maximum entry count")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(resetCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(cmd.OutOrStdout(), "imagetablectl %s (%s, %s)\n", Version, Commit, Date)
		return nil
	},
}

// resolveDescriptor builds the format.Descriptor described by the
// persistent flags.
func resolveDescriptor() (*format.Descriptor, error) {
	style, err := format.ParseStyle(flags.style)
	if err != nil {
		return nil, err
	}
	family := flags.family
	if family == "" {
		family = flags.name
	}
	return format.New(flags.name, family, flags.width, flags.height, style, flags.maxEntries, format.ProtectionNone, 1.0)
}

// resolveDir applies the directory resolution rules: --dir, then the
// loaded config's cache directory.
func resolveDir() (string, error) {
	if flags.dir != "" {
		return flags.dir, nil
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	cfg.Cache.Namespace = flags.namespace
	return cfg.Cache.ResolveDirectory()
}
