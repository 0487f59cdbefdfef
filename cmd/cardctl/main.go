package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"idcard/internal/config"
)

var (
	verbose  bool
	settings = config.Defaults()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cardctl",
	Short: "cardctl - ID card batch tool",
	Long: `cardctl renders ID card batches offline, prints page geometry,
validates template files and imports employee rosters.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(renderCmd, layoutCmd, validateCmd, employeesCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// addPageFlags 注册分页相关参数，默认值与服务端配置一致。
func addPageFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringVar(&settings.Pagination.Paper, "paper", settings.Pagination.Paper, "sheet size (A4, Letter)")
	f.StringVar(&settings.Pagination.PageOrientation, "page-orientation", settings.Pagination.PageOrientation, "portrait, landscape or match")
	f.IntVar(&settings.Pagination.Rows, "rows", settings.Pagination.Rows, "requested rows per page (0 = as many as fit)")
	f.Float64Var(&settings.Pagination.MarginMM, "margin", settings.Pagination.MarginMM, "page margin in mm")
	f.Float64Var(&settings.Pagination.SpacingMM, "spacing", settings.Pagination.SpacingMM, "gap between cards in mm")
}
