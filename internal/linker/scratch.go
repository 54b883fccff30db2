// Package linker orchestrates the per-lag merges against the contextual
// store and assembles the final wide table.
package linker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/biodem/linkdata/internal/table"
)

// Scratch is the directory holding transient per-lag result files. Names are
// deterministic (<prefix>_lag_<NNNN><ext>) so re-runs with the same prefix
// overwrite rather than collide, and writes go through a rename so a failed
// lag leaves no partial artifact.
type Scratch struct {
	dir    string
	prefix string
	ext    string
}

// NewScratch creates (if needed) the scratch directory.
func NewScratch(dir, prefix, ext string) (*Scratch, error) {
	if prefix == "" {
		return nil, eris.New("linker: scratch prefix must not be empty")
	}
	if ext == "" {
		ext = ".csv.gz"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "linker: create scratch dir %s", dir)
	}
	return &Scratch{dir: dir, prefix: prefix, ext: ext}, nil
}

// Path returns the deterministic file path for a lag's result.
func (s *Scratch) Path(lag int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_lag_%04d%s", s.prefix, lag, s.ext))
}

// Write persists one lag's result, through a temp name plus rename so the
// final path only ever holds a complete file.
func (s *Scratch) Write(tbl *table.Table, lag int) (string, error) {
	final := s.Path(lag)
	partial := filepath.Join(s.dir, ".partial-"+filepath.Base(final))
	if err := table.WriteTable(tbl, partial); err != nil {
		_ = os.Remove(partial)
		return "", err
	}
	if err := os.Rename(partial, final); err != nil {
		_ = os.Remove(partial)
		return "", eris.Wrapf(err, "linker: publish scratch file %s", final)
	}
	return final, nil
}

// Read loads one lag's persisted result.
func (s *Scratch) Read(lag int) (*table.Table, error) {
	return table.ReadTable(s.Path(lag))
}

// Discover lists the lag results already present in the scratch directory,
// so results written by separate processes (one lag range per invocation)
// can be collected and assembled by a single final run.
func (s *Scratch) Discover() ([]LagOutcome, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, eris.Wrapf(err, "linker: read scratch dir %s", s.dir)
	}
	var outcomes []LagOutcome
	head := s.prefix + "_lag_"
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, head) || !strings.HasSuffix(name, s.ext) {
			continue
		}
		lagStr := strings.TrimSuffix(strings.TrimPrefix(name, head), s.ext)
		lagNum, err := strconv.Atoi(lagStr)
		if err != nil {
			continue
		}
		outcomes = append(outcomes, LagOutcome{
			Lag:    lagNum,
			Status: LagLinked,
			Path:   filepath.Join(s.dir, name),
		})
	}
	return outcomes, nil
}

// Remove deletes the given scratch files, ignoring ones already gone.
func (s *Scratch) Remove(paths []string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}
