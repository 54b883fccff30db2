package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/stat"

	"github.com/biodem/linkdata/internal/table"
)

var reportFlags struct {
	prefix string
}

var reportCmd = &cobra.Command{
	Use:   "report <linked-file>",
	Short: "Summarize the measure columns of a linked output file",
	Long: `Prints per-column coverage and distribution statistics for the numeric
columns of a linked output, so a run's resolution gaps and value ranges
can be eyeballed before analysis.`,
	Args: cobra.ExactArgs(1),
	RunE: runReport,
}

func init() {
	reportCmd.Flags().StringVar(&reportFlags.prefix, "prefix", "", "only report columns with this name prefix")
	rootCmd.AddCommand(reportCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	tbl, err := table.ReadTable(args[0])
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "COLUMN\tN\tNULL\tMEAN\tSD\tMIN\tMEDIAN\tMAX")
	reported := 0
	for _, name := range tbl.Columns() {
		c, _ := tbl.Col(name)
		if c.Kind != table.KindFloat && c.Kind != table.KindInt {
			continue
		}
		if reportFlags.prefix != "" && !strings.HasPrefix(c.Name, reportFlags.prefix) {
			continue
		}
		vals, nulls := numericValues(c)
		if len(vals) == 0 {
			fmt.Fprintf(w, "%s\t0\t%d\t-\t-\t-\t-\t-\n", c.Name, nulls)
			reported++
			continue
		}
		sort.Float64s(vals)
		mean, sd := stat.MeanStdDev(vals, nil)
		median := stat.Quantile(0.5, stat.Empirical, vals, nil)
		fmt.Fprintf(w, "%s\t%d\t%d\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\n",
			c.Name, len(vals), nulls, mean, sd, vals[0], median, vals[len(vals)-1])
		reported++
	}
	if reported == 0 {
		fmt.Fprintln(w, "(no numeric columns)")
	}
	return w.Flush()
}

func numericValues(c *table.Column) (vals []float64, nulls int) {
	for i := 0; i < c.Len(); i++ {
		if c.IsNull(i) {
			nulls++
			continue
		}
		if c.Kind == table.KindFloat {
			vals = append(vals, c.Floats[i])
		} else {
			vals = append(vals, float64(c.Ints[i]))
		}
	}
	return vals, nulls
}
