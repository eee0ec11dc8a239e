package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
)

// ProgressFetcher polls batch counters
type ProgressFetcher interface {
	Progress(ctx context.Context, batchID string) (domain.ProgressRecord, error)
}

// Model is the batch watch view
type Model struct {
	batchID string
	events  <-chan domain.StatusEvent // nil when no stream is available
	fetcher ProgressFetcher

	status     domain.StatusEvent
	received   bool
	source     string // "stream" or "poll"
	lastUpdate time.Time
	err        error
	done       bool

	bar          progress.Model
	width        int
	pollInterval time.Duration
	now          func() time.Time
}

// ModelConfig holds the inputs of the watch view
type ModelConfig struct {
	BatchID      string
	Events       <-chan domain.StatusEvent
	Fetcher      ProgressFetcher
	PollInterval time.Duration
}

// NewModel creates a watch model
func NewModel(cfg ModelConfig) Model {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return Model{
		batchID:      cfg.BatchID,
		events:       cfg.Events,
		fetcher:      cfg.Fetcher,
		status:       domain.StatusEvent{BatchID: cfg.BatchID},
		bar:          progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		pollInterval: cfg.PollInterval,
		now:          time.Now,
	}
}

// Init starts listening and the poll timer
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{tickCmd(m.pollInterval)}
	if m.events != nil {
		cmds = append(cmds, waitForStatus(m.events))
	}
	if m.fetcher != nil {
		cmds = append(cmds, pollCmd(m.fetcher, m.batchID))
	}
	return tea.Batch(cmds...)
}

// Done reports whether every row of the batch finished
func (m Model) Done() bool {
	return m.done
}

// Status returns the latest known status
func (m Model) Status() domain.StatusEvent {
	return m.status
}

// TickMsg triggers a poll when the stream has been quiet
type TickMsg time.Time

// StatusMsg carries a status event from the stream
type StatusMsg domain.StatusEvent

// ProgressMsg carries polled counters
type ProgressMsg domain.ProgressRecord

// StreamClosedMsg is sent once the stream channel is closed
type StreamClosedMsg struct{}

// ErrMsg carries a poll failure
type ErrMsg struct{ Err error }

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func waitForStatus(ch <-chan domain.StatusEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return StreamClosedMsg{}
		}
		return StatusMsg(ev)
	}
}

func pollCmd(f ProgressFetcher, batchID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p, err := f.Progress(ctx, batchID)
		if err != nil {
			return ErrMsg{Err: err}
		}
		return ProgressMsg(p)
	}
}
