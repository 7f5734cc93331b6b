package ui

import (
	"fmt"
	"io"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/matthieugras/weconnect/internal/backoff"
	"github.com/matthieugras/weconnect/internal/worker"
)

// App wraps the Bubble Tea program
type App struct {
	program *tea.Program
	model   Model
}

// NewApp creates a new UI application. onQuit is called when the user
// presses q or ctrl+c.
func NewApp(
	totalVehicles int,
	numWorkers int,
	resultsCh <-chan worker.JobResult,
	workerUpdates <-chan worker.WorkerStatus,
	bo *backoff.GlobalBackoff,
	onQuit func(),
) *App {
	app := &App{
		model: NewModel(totalVehicles, numWorkers, resultsCh, workerUpdates, onQuit),
	}

	if bo != nil {
		bo.SetCallbacks(
			func(window time.Duration) {
				app.Send(backoffMsg{until: time.Now().Add(window)})
			},
			func() {
				app.Send(backoffMsg{})
			},
		)
	}

	return app
}

// Run starts the UI and blocks until the user quits
func (a *App) Run() error {
	a.program = tea.NewProgram(a.model, tea.WithAltScreen())

	if _, err := a.program.Run(); err != nil {
		return fmt.Errorf("UI error: %w", err)
	}

	return nil
}

// Send sends a message to the UI
func (a *App) Send(msg tea.Msg) {
	if a.program != nil {
		a.program.Send(msg)
	}
}

// RunSimple prints one line per vehicle instead of the interactive UI, for
// pipes and CI logs. It returns once resultsCh is closed.
func RunSimple(out io.Writer, totalVehicles int, resultsCh <-chan worker.JobResult) {
	completed := 0
	failed := 0

	fmt.Fprintf(out, "Fetching charging status of %d vehicles...\n\n", totalVehicles)

	for result := range resultsCh {
		name := result.Job.DisplayName()

		switch {
		case result.Fatal:
			failed++
			fmt.Fprintf(out, "✗ %s: %v (aborting)\n", name, result.Error)
		case result.Error != nil:
			failed++
			fmt.Fprintf(out, "✗ %s: %v\n", name, result.Error)
		default:
			completed++
			fmt.Fprintf(out, "✓ %s: %s (%s)\n",
				name,
				FormatCharge(result.Charge),
				result.Duration.Round(time.Millisecond))
		}
	}

	fmt.Fprintf(out, "\nComplete: %d succeeded, %d failed\n", completed, failed)
}
