package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"idcard/internal/batch"
	"idcard/internal/cardtemplate"
	"idcard/internal/layout"
)

var (
	layoutOrientation string
	layoutCards       int
	layoutJSON        bool
)

var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Print the page grid for a card orientation",
	RunE:  runLayout,
}

func init() {
	f := layoutCmd.Flags()
	f.StringVar(&layoutOrientation, "orientation", string(cardtemplate.Landscape), "card orientation (landscape, portrait)")
	f.IntVar(&layoutCards, "cards", 0, "also report the page count for this many cards")
	f.BoolVar(&layoutJSON, "json", false, "print JSON")
	addPageFlags(layoutCmd)
}

func runLayout(cmd *cobra.Command, args []string) error {
	orientation := cardtemplate.Orientation(layoutOrientation)
	if !orientation.Valid() {
		return fmt.Errorf("unknown card orientation %q", layoutOrientation)
	}
	batchCfg, err := batch.ConfigFrom(settings)
	if err != nil {
		return err
	}
	spec := batchCfg.Page
	spec.CardOrientation = orientation
	grid, err := layout.Compute(spec)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if layoutJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(grid)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Page\t%.1f x %.1f mm\n", grid.PageWidth, grid.PageHeight)
	fmt.Fprintf(w, "Card\t%.2f x %.2f mm\n", grid.CardWidth, grid.CardHeight)
	fmt.Fprintf(w, "Margin\t%.1f mm\n", grid.Margin)
	fmt.Fprintf(w, "Spacing\t%.1f mm\n", grid.Spacing)
	fmt.Fprintf(w, "Grid\t%d columns x %d rows\n", grid.Columns, grid.Rows)
	fmt.Fprintf(w, "Cards per page\t%d\n", grid.CardsPerPage)
	if grid.RowsClamped {
		fmt.Fprintf(w, "Note\trequested %d rows, only %d fit\n", spec.Rows, grid.Rows)
	}
	if layoutCards > 0 {
		fmt.Fprintf(w, "Pages for %d cards\t%d\n", layoutCards, grid.PageCount(layoutCards))
	}
	return w.Flush()
}
