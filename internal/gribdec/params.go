package gribdec

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/guernica0131/foreshadow/internal/catalog"
	"github.com/guernica0131/foreshadow/internal/grid"
)

// Parameters lists the parameters present in a run's analysis file, so the
// catalog can be refreshed from what is actually on disk.
func (d *Decoder) Parameters(ctx context.Context, model catalog.Model, run catalog.Run) ([]catalog.Parameter, error) {
	path := d.cat.FilePath(model, run.Time, 0)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", grid.ErrUnknownDataset, path)
	}
	bin, err := d.binary()
	if err != nil {
		return nil, err
	}
	out, err := exec.CommandContext(ctx, bin, "list", path).Output()
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", grid.ErrDecode, path, err)
	}
	return parseListing(string(out)), nil
}

// parseListing extracts one Parameter per distinct message description.
func parseListing(listing string) []catalog.Parameter {
	var params []catalog.Parameter
	seen := make(map[string]bool)

	sc := bufio.NewScanner(strings.NewReader(listing))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		if _, err := strconv.ParseFloat(fields[0], 64); err != nil {
			continue // header
		}
		name := strings.Join(fields[1:], " ")
		key := catalog.MakeParamKey(name)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		params = append(params, catalog.Parameter{Key: key, Name: name})
	}
	return params
}
