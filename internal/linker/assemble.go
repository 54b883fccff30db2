package linker

import (
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/biodem/linkdata/internal/model"
	"github.com/biodem/linkdata/internal/table"
)

// linkKeyCol is the transient canonical-id column the assembler joins on; it
// never appears in the final table.
const linkKeyCol = "__link_id"

// Assemble left-joins every persisted lag result back onto the base table by
// respondent id. Join order does not matter (disjoint new columns on a
// common key), but outcomes are processed in lag order for stable logs. The
// result keeps the base table's rows, order and columns, plus one
// measurement column per (measure, linked lag).
func Assemble(base *table.Table, idCol string, scratch *Scratch, outcomes []LagOutcome) (*table.Table, error) {
	ic, ok := base.Col(idCol)
	if !ok {
		return nil, eris.Errorf("linker: base table has no id column %q", idCol)
	}
	ids, valid := model.RespondentIDs(ic)

	out, err := base.WithColumn(table.NewIntColumn(linkKeyCol, ids, valid))
	if err != nil {
		return nil, eris.Wrap(err, "linker: assemble")
	}

	linked := make([]LagOutcome, 0, len(outcomes))
	for _, oc := range outcomes {
		if oc.Status == LagLinked {
			linked = append(linked, oc)
		}
	}
	sort.Slice(linked, func(i, j int) bool { return linked[i].Lag < linked[j].Lag })

	for i, oc := range linked {
		lagTbl, err := scratch.Read(oc.Lag)
		if err != nil {
			return nil, eris.Wrapf(err, "linker: read lag %d result", oc.Lag)
		}
		lagTbl, err = lagTbl.Rename(idCol, linkKeyCol)
		if err != nil {
			return nil, eris.Wrapf(err, "linker: lag %d result", oc.Lag)
		}
		out, err = out.LeftJoin(lagTbl, []string{linkKeyCol}, []string{linkKeyCol})
		if err != nil {
			return nil, eris.Wrapf(err, "linker: join lag %d result", oc.Lag)
		}
		if (i+1)%100 == 0 {
			zap.L().Info("assembling lag results", zap.Int("joined", i+1), zap.Int("total", len(linked)))
		}
	}

	// Drop the transient key column.
	keep := make([]string, 0, out.NumCols()-1)
	for _, name := range out.Columns() {
		if name != linkKeyCol {
			keep = append(keep, name)
		}
	}
	return out.Select(keep...)
}
