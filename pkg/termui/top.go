package termui

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/monsterxx03/tracer/pkg/api"
)

// view selects the table shown by the top UI.
type view int

const (
	viewThreads view = iota
	viewBreakpoints
	viewModules
	viewMaps
	numViews
)

var viewNames = [...]string{
	viewThreads:     "Threads",
	viewBreakpoints: "Breakpoints",
	viewModules:     "Modules",
	viewMaps:        "Maps",
}

// snapshot is everything one refresh shows.
type snapshot struct {
	process     api.ProcessInfo
	threads     []api.ThreadInfo
	breakpoints []api.BreakpointInfo
	modules     []api.ModuleInfo
	areas       []api.AreaInfo
}

type TopUI struct {
	app          *tview.Application
	table        *tview.Table
	titleView    *tview.TextView
	statsView    *tview.TextView
	searchView   *tview.InputField
	svc          *api.Service
	pid          int
	interval     time.Duration
	suspended    bool
	refreshChan  chan struct{}
	searchFilter string
	view         view
	flex         *tview.Flex
	lastStats    api.Stats
	lastUpdate   time.Time
	lastDuration time.Duration
	started      time.Time
}

func (t *TopUI) updateHelpText(help *tview.TextView) {
	baseHelp := "[yellow]Press [white]q[green] to quit, [white]r[green] to refresh, [white]s[green] to suspend/resume, [white]tab[green] to switch view, [white]/[green] to search"
	if t.searchFilter != "" {
		baseHelp += fmt.Sprintf(" [white]| [green]Current filter: [white]%q", t.searchFilter)
	} else {
		baseHelp += " [white]| [green]No active filter"
	}
	help.SetText(baseHelp)
}

func NewTopUI(svc *api.Service, pid int, interval time.Duration) *TopUI {
	app := tview.NewApplication()
	table := tview.NewTable()
	table.SetBorders(false).
		SetFixed(1, 0).
		SetBorder(false)

	ui := &TopUI{
		app:      app,
		table:    table,
		svc:      svc,
		pid:      pid,
		interval: interval,
		started:  time.Now(),
	}
	ui.titleView = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	return ui
}

func (t *TopUI) Run() error {
	help := tview.NewTextView().
		SetDynamicColors(true)
	t.updateHelpText(help)

	t.statsView = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)

	t.searchView = tview.NewInputField().
		SetLabel("Search: ").
		SetFieldBackgroundColor(tcell.ColorDefault).
		SetChangedFunc(func(text string) {
			t.searchFilter = text
		}).
		SetDoneFunc(func(key tcell.Key) {
			if key == tcell.KeyEsc || key == tcell.KeyEnter {
				t.flex.RemoveItem(t.searchView)
				t.app.SetFocus(t.table)
				go t.app.QueueUpdateDraw(func() {
					t.updateHelpText(help)
				})
			}
		})

	t.flex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(t.titleView, 1, 1, false).
		AddItem(t.statsView, 2, 1, false).
		AddItem(t.table, 0, 1, true).
		AddItem(help, 1, 1, false)

	t.refreshChan = make(chan struct{}, 1)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	done := make(chan struct{})
	defer close(done)

	// the app isn't running yet, draw directly
	t.update()

	t.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if t.app.GetFocus() == t.searchView {
			if event.Key() == tcell.KeyEsc {
				t.app.SetFocus(t.table)
				return nil
			}
			return event
		}
		if event.Key() == tcell.KeyTab {
			t.view = (t.view + 1) % numViews
			t.trigger()
			return nil
		}
		switch event.Rune() {
		case 'q':
			t.app.Stop()
			return nil
		case 'r':
			t.trigger()
			return nil
		case 's':
			t.suspended = !t.suspended
			if t.suspended {
				t.titleView.SetText(fmt.Sprintf("%s [red](PAUSED)", t.titleView.GetText(false)))
			} else {
				t.trigger()
			}
			return nil
		case '/':
			t.searchView.SetText(t.searchFilter)
			t.flex.AddItem(t.searchView, 1, 1, false)
			t.app.SetFocus(t.searchView)
			return nil
		}
		return event
	})

	go func() {
		for {
			select {
			case <-ticker.C:
				if !t.suspended {
					t.app.QueueUpdateDraw(t.update)
				}
			case <-t.refreshChan:
				t.app.QueueUpdateDraw(t.update)
			case <-done:
				return
			}
		}
	}()

	return t.app.SetRoot(t.flex, true).Run()
}

func (t *TopUI) trigger() {
	select {
	case t.refreshChan <- struct{}{}:
	default:
	}
}

func (t *TopUI) fetchData() (*snapshot, error) {
	start := time.Now()
	defer func() {
		t.lastDuration = time.Since(start)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), t.interval)
	defer cancel()

	var s snapshot
	var err error
	if s.process, err = t.svc.Process(ctx, t.pid); err != nil {
		return nil, err
	}
	switch t.view {
	case viewThreads:
		s.threads, err = t.svc.Threads(ctx, t.pid)
	case viewBreakpoints:
		s.breakpoints, err = t.svc.Breakpoints(ctx, t.pid)
	case viewModules:
		s.modules, err = t.svc.Modules(ctx, t.pid)
	case viewMaps:
		s.areas, err = t.svc.Maps(ctx, t.pid)
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *TopUI) update() {
	s, err := t.fetchData()
	if err != nil {
		t.app.Stop()
		fmt.Fprintf(os.Stderr, "failed to read process %d: %v\n", t.pid, err)
		return
	}

	header, rows := tableRows(t.view, s, t.searchFilter)
	t.table.Clear()
	for col, name := range header {
		align := tview.AlignLeft
		if col == 0 {
			align = tview.AlignCenter
		}
		t.table.SetCell(0, col, tview.NewTableCell(name).
			SetAlign(align).
			SetTextColor(tcell.ColorYellow).
			SetBackgroundColor(tcell.ColorDarkSlateGray))
	}
	for i, row := range rows {
		for col, text := range row {
			t.table.SetCell(i+1, col, tview.NewTableCell(text))
		}
	}

	now := time.Now()
	rate := eventRate(t.lastStats, s.process.Stats, now.Sub(t.lastUpdate))
	t.lastStats = s.process.Stats
	t.lastUpdate = now

	title := fmt.Sprintf("[yellow]PID: %d [white]| [green]State: %s [white]| [blue]Threads: %d [white]| [purple]Refresh: %s [white]| [orange]Update: %v [white]| [cyan]View: %s",
		t.pid, s.process.State, s.process.Threads, t.interval, t.lastDuration.Round(time.Microsecond), viewNames[t.view])
	t.titleView.SetText(title)
	st := s.process.Stats
	t.statsView.SetText(fmt.Sprintf(
		"[yellow]Events: [white]%d (%.1f/s) | Exceptions: %d | Breakpoint hits: %d | Forwarded: %d\n"+
			"[yellow]Modules: [white]%d | Breakpoints: %d | Traced: %s | Main: %s",
		st.Events, rate, st.Exceptions, st.Breakpoints, st.Forwarded,
		s.process.Modules, s.process.Breakpoints, formatDuration(time.Since(t.started)), s.process.Main))
}

// eventRate is the events per second between two samples.
func eventRate(prev, cur api.Stats, elapsed time.Duration) float64 {
	if elapsed <= 0 || cur.Events < prev.Events {
		return 0
	}
	return float64(cur.Events-prev.Events) / elapsed.Seconds()
}

func matches(filter string, fields ...string) bool {
	if filter == "" {
		return true
	}
	filter = strings.ToLower(filter)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), filter) {
			return true
		}
	}
	return false
}

// tableRows renders the current view. Rows not matching filter are left
// out.
func tableRows(v view, s *snapshot, filter string) (header []string, rows [][]string) {
	switch v {
	case viewThreads:
		header = []string{"TID", "State", "PC", "Breakpoints"}
		for _, th := range s.threads {
			tid := strconv.Itoa(th.TID)
			if th.Main {
				tid += "*"
			}
			if !matches(filter, tid, th.State, th.PC) {
				continue
			}
			rows = append(rows, []string{tid, th.State, th.PC, strconv.Itoa(th.Breakpoints)})
		}
	case viewBreakpoints:
		header = []string{"ID", "Kind", "Address", "Symbol", "Hits", "Enabled"}
		for _, bp := range s.breakpoints {
			kind := bp.Kind
			if bp.Type != "" {
				kind = fmt.Sprintf("%s/%s:%d", kind, bp.Type, bp.Size)
			}
			if !matches(filter, bp.Address, bp.Symbol, kind) {
				continue
			}
			rows = append(rows, []string{
				strconv.FormatUint(bp.ID, 10), kind, bp.Address, bp.Symbol,
				strconv.FormatUint(bp.Hits, 10), strconv.FormatBool(bp.Enabled),
			})
		}
	case viewModules:
		header = []string{"Base", "Name", "Path"}
		for _, m := range s.modules {
			if !matches(filter, m.Name, m.Path, m.Base) {
				continue
			}
			rows = append(rows, []string{m.Base, m.Name, m.Path})
		}
	case viewMaps:
		header = []string{"Start", "End", "Prot", "Size", "Path"}
		for _, a := range s.areas {
			if !matches(filter, a.Start, a.Prot, a.Path) {
				continue
			}
			rows = append(rows, []string{a.Start, a.End, a.Prot, humanBytes(a.Size), a.Path})
		}
	}
	return header, rows
}
