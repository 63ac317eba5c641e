package commands

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/SpatiumPortae/dropzone/internal/progress"
	"github.com/SpatiumPortae/dropzone/protocol/transfer"
	"github.com/schollz/progressbar/v3"
)

// progressBar renders estimator snapshots in the raw tui style.
type progressBar struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newProgressBar(w io.Writer, total int64, description string) *progressBar {
	return &progressBar{
		bar: progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription(description),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionShowCount(),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
		),
	}
}

func (p *progressBar) observe(s progress.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.Name != "" {
		p.bar.Describe(s.Name)
	}
	p.bar.Set64(s.Processed) //nolint:errcheck
}

func (p *progressBar) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bar.Finish() //nolint:errcheck
}

func byteLabel(b int64) string {
	return transfer.SizeLabel(b)
}
