// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// RefreshPeriod is the minimum time between terminal updates.
var RefreshPeriod = time.Millisecond * 200

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBar displays the progress of a computation with a known number of steps, like a gradient check.
//
// Its Update method matches the progress callback of gradcheck.Checker.WithProgress.
type ProgressBar struct {
	bar     *progressbar.ProgressBar
	termenv *termenv.Output
	done    int
}

// NewProgressBar creates a progress bar with the given description, written to os.Stdout.
func NewProgressBar(description string, total int) *ProgressBar {
	return NewProgressBarTo(os.Stdout, description, total)
}

// NewProgressBarTo is like NewProgressBar, but writes to w.
func NewProgressBarTo(w io.Writer, description string, total int) *ProgressBar {
	pBar := &ProgressBar{}
	if f, ok := w.(*os.File); ok {
		pBar.termenv = termenv.NewOutput(f)
		pBar.termenv.HideCursor()
	}
	if pBar.termenv != nil {
		description = fmt.Sprintf("[bold]%s[reset]", description)
	}
	pBar.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(w),
		progressbar.OptionUseANSICodes(pBar.termenv != nil),
		progressbar.OptionEnableColorCodes(pBar.termenv != nil),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("points"),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(RefreshPeriod),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
	return pBar
}

// Update the progress bar with the number of steps done.
func (pBar *ProgressBar) Update(done, total int) {
	if total != pBar.bar.GetMax() {
		pBar.bar.ChangeMax(total)
	}
	if amount := done - pBar.done; amount > 0 {
		_ = pBar.bar.Add(amount)
		pBar.done = done
	}
}

// Finish completes the progress bar and restores the terminal cursor.
func (pBar *ProgressBar) Finish() {
	_ = pBar.bar.Finish()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	fmt.Println()
}
