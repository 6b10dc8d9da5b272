package main

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/gog-galaxy/depotinstall/engine"
)

// loadDiff reads a precomputed manifest diff from a JSON file. Computing
// the diff itself (comparing two manifests) is out of scope for this tool
// (§1's non-goals); it is expected to arrive from whatever produced the
// manifest comparison upstream.
func loadDiff(path string) (engine.Diff, error) {
	f, err := os.Open(path)
	if err != nil {
		return engine.Diff{}, errors.Wrap(err, "unable to open diff file")
	}
	defer f.Close()

	var d engine.Diff
	if err := json.NewDecoder(f).Decode(&d); err != nil {
		return engine.Diff{}, errors.Wrap(err, "unable to decode diff file")
	}
	return d, nil
}

// totalCompressedBytes sums the wire-size of every chunk and V1 byte range
// in diff, used to size the progress bar up front.
func totalCompressedBytes(d engine.Diff) int64 {
	var total int64
	for _, group := range [][]engine.V2DepotFile{d.New, d.Changed, d.Redist} {
		for _, f := range group {
			for _, c := range f.Chunks {
				if c.OldOffset == nil {
					total += c.CompressedSize
				}
			}
		}
	}
	for _, p := range d.PatchDiffs {
		for _, c := range p.Chunks {
			total += c.CompressedSize
		}
	}
	for _, f := range d.V1New {
		total += v1TransferSize(f)
	}
	for _, f := range d.V1Changed {
		total += v1TransferSize(f)
	}
	return total
}

func v1TransferSize(f engine.V1File) int64 {
	if f.IsLinux() && f.CompressedSize > 0 {
		return f.CompressedSize
	}
	return f.Size
}
