package utils

import (
	"os"

	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
)

// Progress wraps an mpb progress container, matching the teacher's
// NewProgress/spinner convention used by long scanning commands
// (`check`, recursive task CLIs).
type Progress struct {
	Quiet bool
	p     *mpb.Progress
}

// NewProgress starts a progress container; when quiet is true no bars are
// rendered and callers should log their own summaries instead.
func NewProgress(quiet bool) *Progress {
	pr := &Progress{Quiet: quiet}
	if !quiet {
		pr.p = mpb.New(mpb.WithOutput(os.Stderr))
	}
	return pr
}

// CountSpinner is a simple running counter, used for "N inodes visited"
// style progress.
type CountSpinner struct {
	bar *mpb.Bar
	n   int64
}

// AddCountSpinner adds an indeterminate counting spinner with the given
// label.
func (pr *Progress) AddCountSpinner(name string) *CountSpinner {
	cs := &CountSpinner{}
	if pr.p != nil {
		cs.bar = pr.p.AddBar(0,
			mpb.PrependDecorators(decor.Name(name)),
			mpb.AppendDecorators(decor.CountersNoUnit("%d")),
		)
	}
	return cs
}

// Increment bumps the counter by one.
func (c *CountSpinner) Increment() {
	c.n++
	if c.bar != nil {
		c.bar.Increment()
	}
}

// Current returns the counter's value.
func (c *CountSpinner) Current() int64 { return c.n }

// Done marks the spinner complete.
func (c *CountSpinner) Done() {
	if c.bar != nil {
		c.bar.SetTotal(c.n, true)
	}
}

// Done waits for all bars in the container to finish rendering.
func (pr *Progress) Done() {
	if pr.p != nil {
		pr.p.Wait()
	}
}
