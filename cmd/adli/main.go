package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/viant/afs"

	"github.com/smith-xyz/go-adli/pkg/injector"
	"github.com/smith-xyz/go-adli/pkg/injector/sst"
	"github.com/smith-xyz/go-adli/pkg/injector/types"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "adli",
		Short: "Instrument Go programs with structured runtime logging",
		Long: `adli rewrites a Go program so that every statement, branch, loop and
function reports its execution and the variables it touches.

The instrumented copy is written next to a header describing every
checkpoint and variable, which is what makes the runtime log readable.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("config", "", "Config file (yaml or json)")

	injectCmd := &cobra.Command{
		Use:   "inject <entry.go>",
		Short: "Instrument the program rooted at an entry file",
		Args:  cobra.ExactArgs(1),
		RunE:  runInject,
	}
	injectCmd.Flags().String("out", "", "Output directory (default "+injector.DefaultOutputDir+")")
	injectCmd.Flags().String("sysinfo", "", "YAML or JSON file merged into the program metadata")
	injectCmd.Flags().Bool("yaml", false, "Also write the header as YAML")
	injectCmd.Flags().StringSlice("exclude", nil, "Import paths of local packages to leave untouched")

	graphCmd := &cobra.Command{
		Use:   "graph <" + injector.HeaderFileName + ">",
		Short: "Render the checkpoint tree of a header as Graphviz DOT",
		Args:  cobra.ExactArgs(1),
		RunE:  runGraph,
	}
	graphCmd.Flags().String("out", "", "Write DOT to a file instead of stdout")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the adli version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "adli %s\n", injector.Version)
		},
	}

	rootCmd.AddCommand(injectCmd, graphCmd, versionCmd)
	return rootCmd
}

// loadConfig reads --config and environment, then installs the logger.
func loadConfig(cmd *cobra.Command) (injector.Config, error) {
	path, err := stringFlag(cmd, "config")
	if err != nil {
		return injector.Config{}, err
	}
	cfg, err := injector.LoadConfig(path)
	if err != nil {
		return injector.Config{}, err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.Level()})))
	return cfg, nil
}

func runInject(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if out, err := stringFlag(cmd, "out"); err != nil {
		return err
	} else if out != "" {
		cfg.OutputDir = out
	}
	if sysinfo, err := stringFlag(cmd, "sysinfo"); err != nil {
		return err
	} else if sysinfo != "" {
		cfg.SysInfo = sysinfo
	}
	if asYAML, err := cmd.Flags().GetBool("yaml"); err != nil {
		return fmt.Errorf("failed to read --yaml flag: %w", err)
	} else if asYAML {
		cfg.YAMLHeader = true
	}
	exclude, err := cmd.Flags().GetStringSlice("exclude")
	if err != nil {
		return fmt.Errorf("failed to read --exclude flag: %w", err)
	}
	cfg.Excluded = append(cfg.Excluded, exclude...)

	program, err := injector.New(cfg).WithLogger(slog.Default()).Run(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Instrumented %d files (%d checkpoints, %d variables) into %s\n",
		len(program.Files), len(program.Metadata.Checkpoints), len(program.Metadata.Variables), cfg.OutputDir)
	return nil
}

func runGraph(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(cmd); err != nil {
		return err
	}
	ctx := cmd.Context()
	fs := afs.New()
	data, err := fs.DownloadWithURL(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to read header %s: %w", args[0], err)
	}
	var meta types.ProgramMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("failed to parse header %s: %w", args[0], err)
	}

	dot, err := sst.Build(&meta).DOT()
	if err != nil {
		return fmt.Errorf("failed to render graph: %w", err)
	}

	out, err := stringFlag(cmd, "out")
	if err != nil {
		return err
	}
	if out == "" {
		_, err = io.WriteString(cmd.OutOrStdout(), dot)
		return err
	}
	if err := fs.Upload(ctx, out, 0o644, strings.NewReader(dot)); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	slog.Info("wrote checkpoint graph", "path", out, "checkpoints", len(meta.Checkpoints))
	return nil
}

func stringFlag(cmd *cobra.Command, name string) (string, error) {
	if cmd.Flags().Lookup(name) == nil {
		return "", nil
	}
	value, err := cmd.Flags().GetString(name)
	if err != nil {
		return "", fmt.Errorf("failed to read --%s flag: %w", name, err)
	}
	return strings.TrimSpace(value), nil
}
