// Package tui is the terminal front-end the self-contained patcher
// presents to end users: a summary screen, live apply progress, and a
// final result screen.
package tui

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-runewidth"
)

var newScreen = tcell.NewScreen

// Options describes one patcher session.
type Options struct {
	// Title and PatchVersion come from the embedded manifest.
	Title        string
	PatchVersion string
	// Operations is the total operation count, shown on the summary
	// screen. The progress bar takes its totals from Apply's progress
	// callbacks.
	Operations int
	// Target is the directory being patched.
	Target string
	// Demo marks a stub with no embedded payload; only an
	// informational screen is shown.
	Demo bool
	// Apply runs the patch, reporting progress as it goes. It is
	// invoked once, after the user confirms.
	Apply func(progress func(done, total int, path string)) error
}

type progressEvent struct {
	when  time.Time
	done  int
	total int
	path  string
}

func (e *progressEvent) When() time.Time { return e.when }

type doneEvent struct {
	when time.Time
	err  error
}

func (e *doneEvent) When() time.Time { return e.when }

// Run drives the patcher UI. It returns whether the patch was applied
// and the apply error, if any. Quitting before confirmation applies
// nothing and is not an error.
func Run(opts Options) (applied bool, err error) {
	screen, err := newScreen()
	if err != nil {
		return false, fmt.Errorf("open terminal screen: %w", err)
	}
	if err := screen.Init(); err != nil {
		return false, fmt.Errorf("init terminal screen: %w", err)
	}
	defer screen.Fini()

	state := &sessionState{opts: opts}
	state.draw(screen)

	for {
		ev := screen.PollEvent()
		switch ev := ev.(type) {
		case *tcell.EventResize:
			screen.Sync()
			state.draw(screen)

		case *progressEvent:
			state.done, state.total, state.current = ev.done, ev.total, ev.path
			state.draw(screen)

		case *doneEvent:
			state.phase = phaseFinished
			state.err = ev.err
			state.draw(screen)

		case *tcell.EventKey:
			switch {
			case ev.Key() == tcell.KeyEscape || ev.Rune() == 'q':
				if state.phase == phaseRunning {
					// The engine is mid-journal; let it finish.
					continue
				}
				return state.phase == phaseFinished && state.err == nil, state.err

			case ev.Key() == tcell.KeyEnter:
				if state.phase != phaseIdle || opts.Demo {
					continue
				}
				state.phase = phaseRunning
				state.draw(screen)
				go runApply(screen, opts)
			}
		}
	}
}

func runApply(screen tcell.Screen, opts Options) {
	err := opts.Apply(func(done, total int, path string) {
		_ = screen.PostEvent(&progressEvent{when: time.Now(), done: done, total: total, path: path})
	})
	_ = screen.PostEvent(&doneEvent{when: time.Now(), err: err})
}

type phase int

const (
	phaseIdle phase = iota
	phaseRunning
	phaseFinished
)

type sessionState struct {
	opts    Options
	phase   phase
	done    int
	total   int
	current string
	err     error
}

func (s *sessionState) draw(screen tcell.Screen) {
	screen.Clear()
	w, _ := screen.Size()

	title := s.opts.Title
	if title == "" {
		title = "Patch"
	}
	if s.opts.PatchVersion != "" {
		title += " " + s.opts.PatchVersion
	}
	drawText(screen, 2, 1, w-4, tcell.StyleDefault.Bold(true), title)
	drawText(screen, 2, 2, w-4, tcell.StyleDefault, "Target: "+s.opts.Target)

	switch {
	case s.opts.Demo:
		drawText(screen, 2, 4, w-4, tcell.StyleDefault, "This patcher carries no payload (demo mode).")
		drawText(screen, 2, 6, w-4, dimStyle(), "Press q to exit.")

	case s.phase == phaseIdle:
		drawText(screen, 2, 4, w-4, tcell.StyleDefault,
			fmt.Sprintf("%d operation(s) will be applied. A backup is kept for rollback.", s.opts.Operations))
		drawText(screen, 2, 6, w-4, dimStyle(), "Press Enter to apply, q to exit.")

	case s.phase == phaseRunning:
		drawText(screen, 2, 4, w-4, tcell.StyleDefault, progressLine(s.done, s.total, w-4))
		drawText(screen, 2, 5, w-4, dimStyle(), s.current)

	case s.err != nil:
		drawText(screen, 2, 4, w-4, tcell.StyleDefault.Foreground(tcell.ColorRed), "Patch failed: "+s.err.Error())
		drawText(screen, 2, 6, w-4, dimStyle(), "Press q to exit.")

	default:
		drawText(screen, 2, 4, w-4, tcell.StyleDefault.Foreground(tcell.ColorGreen), "Patch applied successfully.")
		drawText(screen, 2, 6, w-4, dimStyle(), "Press q to exit.")
	}

	screen.Show()
}

func dimStyle() tcell.Style {
	return tcell.StyleDefault.Foreground(tcell.ColorGray)
}

func progressLine(done, total, width int) string {
	if total == 0 {
		return ""
	}
	barWidth := width - 12
	if barWidth < 10 {
		barWidth = 10
	}
	filled := barWidth * done / total
	bar := make([]byte, barWidth)
	for i := range bar {
		if i < filled {
			bar[i] = '='
		} else {
			bar[i] = ' '
		}
	}
	return fmt.Sprintf("[%s] %d/%d", bar, done, total)
}

// drawText renders a string clipped to maxWidth display cells.
func drawText(screen tcell.Screen, x, y, maxWidth int, style tcell.Style, text string) {
	col := x
	for _, r := range text {
		rw := runewidth.RuneWidth(r)
		if col+rw > x+maxWidth {
			break
		}
		screen.SetContent(col, y, r, nil, style)
		col += rw
	}
}
