package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/prompt-ledger/internal/domain"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			if m.fetcher != nil {
				return m, pollCmd(m.fetcher, m.batchID)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(10, msg.Width-4)

	case StatusMsg:
		m.apply(domain.StatusEvent(msg), "stream")
		if m.done {
			return m, tea.Quit
		}
		return m, waitForStatus(m.events)

	case StreamClosedMsg:
		m.events = nil

	case ProgressMsg:
		m.applyProgress(domain.ProgressRecord(msg))
		if m.done {
			return m, tea.Quit
		}

	case ErrMsg:
		m.err = msg.Err

	case TickMsg:
		cmds := []tea.Cmd{tickCmd(m.pollInterval)}
		if m.shouldPoll() {
			cmds = append(cmds, pollCmd(m.fetcher, m.batchID))
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

// shouldPoll reports whether a tick should fetch counters: always without
// a stream, otherwise only once the stream has gone quiet.
func (m Model) shouldPoll() bool {
	if m.fetcher == nil {
		return false
	}
	return m.events == nil || m.now().Sub(m.lastUpdate) >= m.pollInterval
}

func (m *Model) apply(ev domain.StatusEvent, source string) {
	m.status = ev
	m.received = true
	m.source = source
	m.lastUpdate = m.now()
	m.err = nil
	m.done = ev.Total > 0 && ev.Completed >= ev.Total
}

// applyProgress merges polled counters into the last status. Counters
// carry no evaluation identity, so that part of the status is kept.
func (m *Model) applyProgress(p domain.ProgressRecord) {
	ev := m.status
	ev.BatchID = p.BatchID
	ev.Total = p.Total
	ev.Completed = p.Completed
	ev.Enqueued = p.Enqueued
	ev.Passed = p.Passed
	ev.Failed = p.Failed
	ev.Errors = p.Errors
	m.apply(ev, "poll")
}
