package main

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
	"golang.org/x/term"

	"github.com/gog-galaxy/depotinstall/engine"
)

// barReporter drives a single mpb bar off of downloaded-byte samples; the
// writer side's byte counts feed a plain running total instead of a second
// bar, since the writer and downloaders race independently and a two-bar
// display would just show the same progress twice (§6, "progress is
// opaque to the engine").
type barReporter struct {
	bar         *mpb.Bar
	progress    *mpb.Progress
	downloaded  int64
	written     int64
}

// newBarReporter builds a progress reporter sized to total, the sum of
// compressed bytes the plan expects to move. When stdout isn't a terminal,
// it falls back to a reporter that prints nothing (mpb would otherwise
// spam a non-interactive log with carriage returns).
func newBarReporter(total int64) engine.ProgressReporter {
	if flagQuiet || !term.IsTerminal(int(os.Stdout.Fd())) {
		return engine.NullReporter{}
	}
	p := mpb.New(mpb.WithWidth(64), mpb.WithRefreshRate(180*time.Millisecond))
	bar := p.AddBar(total,
		mpb.PrependDecorators(decor.Name("downloading", decor.WC{W: 12})),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .2f / % .2f"),
			decor.Percentage(decor.WCSyncSpace),
		),
	)
	return &barReporter{bar: bar, progress: p}
}

func (r *barReporter) Report(s engine.ProgressSample) {
	if s.CompressedBytes > 0 {
		atomic.AddInt64(&r.downloaded, s.CompressedBytes)
		r.bar.IncrInt64(s.CompressedBytes)
	}
	if s.BytesWritten > 0 {
		atomic.AddInt64(&r.written, s.BytesWritten)
	}
}

func (r *barReporter) wait() {
	r.progress.Wait()
}

func formatBytes(n int64) string {
	return humanize.Bytes(uint64(n))
}
