package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/biodem/linkdata/internal/contextual"
	"github.com/biodem/linkdata/internal/table"
)

var convertFlags struct {
	measure string
}

var convertCmd = &cobra.Command{
	Use:   "convert <input> <output>",
	Short: "Convert a wide date-by-area measurement file to long layout",
	Long: `Converts a wide measurement file, one column per area code with a leading
date column, into the long (date, area, measure) layout the linker consumes.
The output format follows the output extension.`,
	Args: cobra.ExactArgs(2),
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().StringVar(&convertFlags.measure, "measure", "", "name for the measure column (overrides config)")
	rootCmd.AddCommand(convertCmd)
}

func runConvert(cmd *cobra.Command, args []string) error {
	input, output := args[0], args[1]
	if convertFlags.measure != "" {
		cfg.Contextual.Measure = convertFlags.measure
	}
	schema := contextualSchema()

	wide, err := table.ReadTable(input)
	if err != nil {
		return err
	}
	long, err := contextual.WideToLong(wide, schema.DateCol, schema.AreaCol, measureName())
	if err != nil {
		return err
	}
	if err := table.WriteTable(long, output); err != nil {
		return err
	}
	zap.L().Info("converted to long layout",
		zap.String("input", input),
		zap.String("output", output),
		zap.Int("wide_rows", wide.NumRows()),
		zap.Int("long_rows", long.NumRows()),
	)
	return nil
}
