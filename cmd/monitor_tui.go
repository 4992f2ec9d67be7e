// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2026 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/emsgate/pkg/ems"
)

// monitorEngine is the part of the engine the monitor reads and drives
type monitorEngine interface {
	Stats() ems.Stats
	RxQueue() []ems.RxEntry
	TxQueue() []ems.TxEntry
	SendRawTelegram(hex string) error
}

type monitorLogEntry struct {
	timestamp time.Time
	message   string
	ours      bool // sent by us or addressed to us
	isError   bool
}

type monitorModel struct {
	engine   monitorEngine
	connInfo string
	busID    uint8
	canSend  bool

	stats      ems.Stats
	rxQueue    []ems.RxEntry
	txQueue    []ems.TxEntry
	lastStatus ems.BusStatus

	log           []monitorLogEntry
	maxLogEntries int

	input    textinput.Model
	sending  bool
	width    int
	height   int
	quitting bool
	ended    bool
}

type monitorTickMsg time.Time

type monitorBatchMsg struct {
	entries []monitorLogEntry
}

type sessionEndedMsg struct {
	err error
}

func initialMonitorModel(engine monitorEngine, connInfo string, busID uint8, canSend bool) monitorModel {
	ti := textinput.New()
	ti.Placeholder = "0B 08 02 00 20"
	ti.CharLimit = 3 * ems.MaxTelegramLength
	ti.Width = 50

	return monitorModel{
		engine:        engine,
		connInfo:      connInfo,
		busID:         busID,
		canSend:       canSend,
		stats:         engine.Stats(),
		lastStatus:    ems.BusOffline,
		log:           make([]monitorLogEntry, 0),
		maxLogEntries: 200,
		input:         ti,
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return monitorTickCmd()
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case monitorTickMsg:
		m.refresh()
		return m, monitorTickCmd()

	case monitorBatchMsg:
		for _, e := range msg.entries {
			m.appendLog(e)
		}

	case sessionEndedMsg:
		m.ended = true
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("Connection lost: %v", msg.err), true)
		} else {
			m.addLogEntry("Connection closed", true)
		}
	}

	return m, nil
}

// refresh copies the engine counters and queues into the model
func (m *monitorModel) refresh() {
	m.stats = m.engine.Stats()
	m.rxQueue = m.engine.RxQueue()
	m.txQueue = m.engine.TxQueue()
	if m.stats.BusStatus != m.lastStatus {
		m.addLogEntry("Bus "+m.stats.BusStatus.String(), m.stats.BusStatus != ems.BusConnected)
		m.lastStatus = m.stats.BusStatus
	}
}

func (m monitorModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		m.quitting = true
		return m, tea.Quit
	}

	if m.sending {
		switch msg.String() {
		case "esc":
			m.sending = false
			m.input.Blur()
			m.input.Reset()
			return m, nil
		case "enter":
			m.sendRaw(m.input.Value())
			m.sending = false
			m.input.Blur()
			m.input.Reset()
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q":
		m.quitting = true
		return m, tea.Quit
	case "s", "/":
		if !m.canSend {
			m.addLogEntry("Cannot send: tx_mode is 0", true)
			return m, nil
		}
		if m.ended {
			m.addLogEntry("Cannot send: connection lost", true)
			return m, nil
		}
		m.sending = true
		return m, m.input.Focus()
	}
	return m, nil
}

func (m *monitorModel) sendRaw(hex string) {
	hex = strings.TrimSpace(hex)
	if hex == "" {
		return
	}
	if err := m.engine.SendRawTelegram(hex); err != nil {
		m.addLogEntry(fmt.Sprintf("Send failed: %v", err), true)
		return
	}
	m.addLogEntry("Queued "+strings.ToUpper(hex), false)
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	m.appendLog(monitorLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
}

func (m *monitorModel) appendLog(entry monitorLogEntry) {
	m.log = append(m.log, entry)

	// Keep only last N entries
	if len(m.log) > m.maxLogEntries {
		m.log = m.log[len(m.log)-m.maxLogEntries:]
	}
}

// formatUptime renders d as days, hours, minutes and seconds
func formatUptime(d time.Duration) string {
	s := int64(d / time.Second)
	days, s := s/86400, s%86400
	hours, s := s/3600, s%3600
	minutes, s := s/60, s%60
	if days > 0 {
		return fmt.Sprintf("%dd %02dh %02dm %02ds", days, hours, minutes, s)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %02dm %02ds", hours, minutes, s)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %02ds", minutes, s)
	}
	return fmt.Sprintf("%ds", s)
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("EMSGATE - BUS MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Bus ID: %s | 's' send, 'q' quit",
		m.connInfo, ems.FormatDevice(m.busID, 0))))
	s.WriteString("\n\n")

	s.WriteString(boxStyle.Render(m.renderStats(labelStyle, valueStyle, errorStyle, warningStyle)))
	s.WriteString("\n")

	queues := lipgloss.JoinHorizontal(lipgloss.Top,
		boxStyle.Width(m.width/2-2).Render(m.renderRxQueue(labelStyle, headerStyle)),
		boxStyle.Width(m.width/2-2).Render(m.renderTxQueue(labelStyle, headerStyle)),
	)
	s.WriteString(queues)
	s.WriteString("\n")

	if m.sending {
		s.WriteString(labelStyle.Render("Send: "))
		s.WriteString(m.input.View())
		s.WriteString(headerStyle.Render("  (enter to queue, esc to cancel)"))
		s.WriteString("\n")
	}

	s.WriteString(labelStyle.Render("Telegrams:"))
	s.WriteString("\n")
	s.WriteString(boxStyle.Width(m.width - 4).Render(m.renderLog(headerStyle, valueStyle, errorStyle)))

	return s.String()
}

func (m monitorModel) renderStats(labelStyle, valueStyle, errorStyle, warningStyle lipgloss.Style) string {
	st := m.stats

	status := valueStyle.Render(st.BusStatus.String())
	switch st.BusStatus {
	case ems.BusTxErrors:
		status = warningStyle.Render(st.BusStatus.String())
	case ems.BusOffline:
		status = errorStyle.Render(st.BusStatus.String())
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		labelStyle.Render("Bus:"), status,
		labelStyle.Render("Uptime:"), valueStyle.Render(formatUptime(st.BusUptime)),
		labelStyle.Render("Tx:"), valueStyle.Render(st.TxState.String()),
	))
	b.WriteString(fmt.Sprintf("%s %s   %s %s\n",
		labelStyle.Render("Rx:"), valueStyle.Render(fmt.Sprintf("%d telegrams", st.TelegramCount)),
		labelStyle.Render("Errors:"), m.qualityStyle(st.RxQuality, valueStyle, errorStyle).
			Render(fmt.Sprintf("%d (quality %d%%)", st.ErrorCount, st.RxQuality)),
	))
	b.WriteString(fmt.Sprintf("%s %s   %s %s",
		labelStyle.Render("Reads:"), m.qualityStyle(st.ReadQuality, valueStyle, errorStyle).
			Render(fmt.Sprintf("%d ok, %d failed (%d%%)", st.ReadCount, st.ReadFailCount, st.ReadQuality)),
		labelStyle.Render("Writes:"), m.qualityStyle(st.WriteQuality, valueStyle, errorStyle).
			Render(fmt.Sprintf("%d ok, %d failed (%d%%)", st.WriteCount, st.WriteFailCount, st.WriteQuality)),
	))
	return b.String()
}

func (m monitorModel) qualityStyle(q uint8, ok, bad lipgloss.Style) lipgloss.Style {
	if q < 100-ems.TxErrorLimit {
		return bad
	}
	return ok
}

func (m monitorModel) renderRxQueue(labelStyle, headerStyle lipgloss.Style) string {
	var b strings.Builder
	b.WriteString(labelStyle.Render(fmt.Sprintf("Rx queue (%d)", len(m.rxQueue))))
	if len(m.rxQueue) == 0 {
		b.WriteString("\n")
		b.WriteString(headerStyle.Render("  (empty)"))
	}
	for _, e := range m.rxQueue {
		b.WriteString(fmt.Sprintf("\n[%d] %s", e.ID, e.Telegram))
	}
	return b.String()
}

func (m monitorModel) renderTxQueue(labelStyle, headerStyle lipgloss.Style) string {
	var b strings.Builder
	b.WriteString(labelStyle.Render(fmt.Sprintf("Tx queue (%d)", len(m.txQueue))))
	if len(m.txQueue) == 0 {
		b.WriteString("\n")
		b.WriteString(headerStyle.Render("  (empty)"))
	}
	rows := m.height/3 - 2
	if rows < 3 {
		rows = 3
	}
	for i, e := range m.txQueue {
		if i == rows {
			b.WriteString(fmt.Sprintf("\n... %d more", len(m.txQueue)-rows))
			break
		}
		op := e.Telegram.Operation().String()
		if e.Retry {
			op += ", retry"
		}
		if e.ValidateID != 0 {
			op += fmt.Sprintf(", validate 0x%02X", e.ValidateID)
		}
		b.WriteString(fmt.Sprintf("\n[%d] %s (%s)", e.ID, e.Telegram, op))
	}
	return b.String()
}

func (m monitorModel) renderLog(headerStyle, valueStyle, errorStyle lipgloss.Style) string {
	// Calculate how many log entries we can show
	logHeight := m.height - 16
	if m.sending {
		logHeight--
	}
	if logHeight < 5 {
		logHeight = 5
	}

	if len(m.log) == 0 {
		return headerStyle.Render("  (no telegrams yet)")
	}

	startIdx := len(m.log) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	var b strings.Builder
	for i := startIdx; i < len(m.log); i++ {
		entry := m.log[i]
		line := entry.message
		switch {
		case entry.isError:
			line = errorStyle.Render(line)
		case entry.ours:
			line = valueStyle.Render(line)
		}
		b.WriteString(fmt.Sprintf("%s %s", headerStyle.Render(entry.timestamp.Format("15:04:05.000")), line))
		if i < len(m.log)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}
