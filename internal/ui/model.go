package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/matthieugras/weconnect/internal/api"
	"github.com/matthieugras/weconnect/internal/worker"
)

const (
	recentLimit = 8
	errorLimit  = 10
)

var quitKeys = key.NewBinding(
	key.WithKeys("q", "ctrl+c"),
	key.WithHelp("q", "quit"),
)

// tally counts finished vehicles
type tally struct {
	fetched  int
	failed   int
	charging int
}

func (t tally) finished() int { return t.fetched + t.failed }

type resultLine struct {
	name     string
	summary  string
	err      string
	charging bool
}

// Model is the bubbletea model of a charge run
type Model struct {
	total  int
	counts tally

	workers  []worker.WorkerStatus
	statusCh <-chan worker.WorkerStatus
	resultCh <-chan worker.JobResult

	bar          progress.Model
	backoffUntil time.Time

	recent []resultLine
	errors []string
	fatal  string

	width      int
	quitting   bool
	started    time.Time
	finishedAt time.Time

	onQuit func()
}

type resultMsg worker.JobResult
type statusMsg worker.WorkerStatus
type backoffMsg struct{ until time.Time }
type tickMsg time.Time
type doneMsg struct{}

// NewModel builds the model for total vehicles fetched by numWorkers workers
func NewModel(
	total int,
	numWorkers int,
	resultCh <-chan worker.JobResult,
	statusCh <-chan worker.WorkerStatus,
	onQuit func(),
) Model {
	workers := make([]worker.WorkerStatus, numWorkers)
	for i := range workers {
		workers[i].ID = i
	}

	return Model{
		total:    total,
		workers:  workers,
		statusCh: statusCh,
		resultCh: resultCh,
		bar: progress.New(
			progress.WithGradient(ProgressGradientStart, ProgressGradientEnd),
			progress.WithWidth(40),
		),
		started: time.Now(),
		onQuit:  onQuit,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), nextResult(m.resultCh), nextStatus(m.statusCh))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, quitKeys) {
			m.quitting = true
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(msg.Width-30, 20)

	case resultMsg:
		m.record(worker.JobResult(msg))
		return m, nextResult(m.resultCh)

	case statusMsg:
		// After a fatal error the pool is cancelled and workers are shown idle
		if m.fatal != "" {
			return m, nil
		}
		if msg.ID >= 0 && msg.ID < len(m.workers) {
			m.workers[msg.ID] = worker.WorkerStatus(msg)
		}
		return m, nextStatus(m.statusCh)

	case backoffMsg:
		m.backoffUntil = msg.until

	case tickMsg:
		return m, tick()

	case doneMsg:
		m.stopClock()

	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd
	}

	return m, nil
}

func (m *Model) record(result worker.JobResult) {
	name := ""
	if result.Job != nil {
		name = result.Job.DisplayName()
	}

	switch {
	case result.Fatal:
		m.fatal = fmt.Sprintf("%s: %v", name, result.Error)
		m.errors = append(m.errors, "FATAL: "+m.fatal)
		for i := range m.workers {
			m.workers[i] = worker.WorkerStatus{ID: i}
		}
		m.stopClock()
		return

	case result.Error != nil:
		m.counts.failed++
		m.errors = append(m.errors, fmt.Sprintf("%s: %v", name, result.Error))
		m.push(resultLine{name: name, err: result.Error.Error()})

	default:
		line := resultLine{name: name, summary: FormatCharge(result.Charge)}
		line.charging = result.Charge != nil && result.Charge.IsCharging()
		m.counts.fetched++
		if line.charging {
			m.counts.charging++
		}
		m.push(line)
	}

	if m.counts.finished() >= m.total {
		m.stopClock()
	}
}

func (m *Model) push(line resultLine) {
	m.recent = append(m.recent, line)
	if len(m.recent) > recentLimit {
		m.recent = m.recent[len(m.recent)-recentLimit:]
	}
}

func (m *Model) stopClock() {
	if m.finishedAt.IsZero() {
		m.finishedAt = time.Now()
	}
}

func (m Model) elapsed() time.Duration {
	end := m.finishedAt
	if end.IsZero() {
		end = time.Now()
	}
	return end.Sub(m.started).Round(time.Second)
}

func (m Model) View() string {
	if m.quitting {
		return m.summary()
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render(" WeConnect Charging Status ") + "\n\n")

	if m.fatal != "" {
		width := m.width - 6
		if width < 40 {
			width = 80
		}
		b.WriteString(FatalBannerStyle.Width(width).Render("FATAL ERROR: "+m.fatal) + "\n\n")
	}

	pct := 0.0
	if m.total > 0 {
		pct = float64(m.counts.finished()) / float64(m.total)
	}
	fmt.Fprintf(&b, "Progress: %s %d/%d vehicles\n\n", m.bar.ViewAs(pct), m.counts.finished(), m.total)
	fmt.Fprintf(&b, "Fetched: %s  Failed: %s  Charging: %s  Elapsed: %s\n\n",
		SuccessStyle.Render(fmt.Sprint(m.counts.fetched)),
		ErrorStyle.Render(fmt.Sprint(m.counts.failed)),
		ChargingStyle.Render(fmt.Sprint(m.counts.charging)),
		m.elapsed())

	b.WriteString(MutedStyle.Render("Workers:") + "\n")
	for _, w := range m.workers {
		b.WriteString(workerLine(w) + "\n")
	}

	if wait := time.Until(m.backoffUntil); wait > 0 {
		b.WriteString("\n" + WarningStyle.Render(
			fmt.Sprintf("⚠ Rate limited, resuming in %s", wait.Round(time.Second))) + "\n")
	}

	if len(m.recent) > 0 {
		b.WriteString("\n" + MutedStyle.Render("Recent:") + "\n")
		for _, line := range m.recent {
			b.WriteString(line.render() + "\n")
		}
	}

	b.WriteString("\n" + FooterStyle.Render("Press "+quitKeys.Help().Key+" to "+quitKeys.Help().Desc))
	return lipgloss.NewStyle().Padding(1, 2).Render(b.String())
}

func workerLine(w worker.WorkerStatus) string {
	name := shorten(w.CurrentEntity, 35)
	switch w.State {
	case worker.WorkerStateWorking:
		return WorkerWorkingStyle.Render(fmt.Sprintf("  [%2d] %s", w.ID, name))
	case worker.WorkerStateBackingOff:
		return WorkerBackoffStyle.Render(fmt.Sprintf("  [%2d] %-35s waiting for backoff", w.ID, name))
	default:
		return WorkerIdleStyle.Render(fmt.Sprintf("  [%2d] %s", w.ID, w.State))
	}
}

func (r resultLine) render() string {
	switch {
	case r.err != "":
		return ErrorStyle.Render(fmt.Sprintf("  ✗ %s: %s", r.name, shorten(r.err, 50)))
	case r.charging:
		return ChargingStyle.Render(fmt.Sprintf("  ⚡ %s: %s", r.name, r.summary))
	default:
		return SuccessStyle.Render(fmt.Sprintf("  ✓ %s: %s", r.name, r.summary))
	}
}

// summary is printed to the normal screen after the alt screen closes
func (m Model) summary() string {
	var b strings.Builder

	b.WriteString("\n" + TitleStyle.Render(" Fetch Complete ") + "\n\n")
	fmt.Fprintf(&b, "Vehicles:  %d\n", m.total)
	fmt.Fprintf(&b, "Fetched:   %s\n", SuccessStyle.Render(fmt.Sprint(m.counts.fetched)))
	fmt.Fprintf(&b, "Failed:    %s\n", ErrorStyle.Render(fmt.Sprint(m.counts.failed)))
	fmt.Fprintf(&b, "Charging:  %s\n", ChargingStyle.Render(fmt.Sprint(m.counts.charging)))
	fmt.Fprintf(&b, "Duration:  %s\n", m.elapsed())

	if n := len(m.errors); n > 0 {
		shown := m.errors[:min(n, errorLimit)]
		heading := "Errors:"
		if n > errorLimit {
			heading = fmt.Sprintf("Errors: %d (showing first %d)", n, errorLimit)
		}
		b.WriteString("\n" + ErrorStyle.Render(heading) + "\n")
		for _, err := range shown {
			fmt.Fprintf(&b, "  • %s\n", err)
		}
	}

	return b.String() + "\n"
}

// FormatCharge renders a one-line charging summary such as
// "80% 312 km, charging 11.0 kW (45 min left)".
func FormatCharge(c *api.Charge) string {
	if c == nil {
		return "no data"
	}
	line := fmt.Sprintf("%d%% %d km", c.CurrentSOC, c.CruisingRangeKm)

	switch {
	case c.IsCharging():
		line += fmt.Sprintf(", charging %.1f kW", c.ChargePowerKW)
		if c.RemainingMinutes > 0 {
			line += fmt.Sprintf(" (%d min left)", c.RemainingMinutes)
		}
	case c.IsPlugConnected():
		line += ", plugged in"
	default:
		line += ", unplugged"
	}
	return line
}

func shorten(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// The view redraws on every tick so the elapsed time and backoff countdown move
func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func nextResult(ch <-chan worker.JobResult) tea.Cmd {
	return func() tea.Msg {
		result, ok := <-ch
		if !ok {
			return doneMsg{}
		}
		return resultMsg(result)
	}
}

func nextStatus(ch <-chan worker.WorkerStatus) tea.Cmd {
	return func() tea.Msg {
		status, ok := <-ch
		if !ok {
			return nil
		}
		return statusMsg(status)
	}
}
