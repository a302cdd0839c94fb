// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Velaire Systems

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/velaire/cellnode/pkg/config"
	"github.com/velaire/cellnode/pkg/controller"
	"github.com/velaire/cellnode/pkg/device"
)

// Messages
type statusMsg controller.SystemStatus
type eventMsg controller.Event
type dashTickMsg time.Time

// dashboardSink bridges the coordinator's status pushes into the TUI
// event loop.
type dashboardSink struct {
	p *tea.Program
}

func (s *dashboardSink) UpdateStatus(st controller.SystemStatus) {
	s.p.Send(statusMsg(st))
}

func (s *dashboardSink) HandleEvent(e controller.Event) {
	s.p.Send(eventMsg(e))
}

// Dashboard model
type dashboardModel struct {
	cfg *config.Config

	status    controller.SystemStatus
	hasStatus bool

	events        []controller.Event
	maxLogEntries int

	spin spinner.Model

	width    int
	height   int
	quitting bool
}

func newDashboardModel(cfg *config.Config) dashboardModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	return dashboardModel{
		cfg:           cfg,
		maxLogEntries: 100,
		spin:          sp,
		width:         80,
		height:        24,
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(
		dashTickCmd(),
		m.spin.Tick,
		tea.EnterAltScreen,
	)
}

func dashTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return dashTickMsg(t)
	})
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case dashTickMsg:
		// Refresh the relative timestamps
		return m, dashTickCmd()

	case spinner.TickMsg:
		// Only animate while waiting for the coordinator's first push
		if !m.hasStatus {
			var cmd tea.Cmd
			m.spin, cmd = m.spin.Update(msg)
			return m, cmd
		}

	case statusMsg:
		m.status = controller.SystemStatus(msg)
		m.hasStatus = true

	case eventMsg:
		m.events = append(m.events, controller.Event(msg))
		if len(m.events) > m.maxLogEntries {
			m.events = m.events[len(m.events)-m.maxLogEntries:]
		}
	}

	return m, nil
}

// ago renders a relative timestamp, "never" for the zero value.
func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := time.Since(t).Round(time.Second)
	if d < time.Second {
		return "just now"
	}
	return d.String() + " ago"
}

func linkStateLabel(s device.LinkState) string {
	switch s {
	case device.StateConnected:
		return "CONNECTED"
	case device.StateConnecting:
		return "CONNECTING"
	case device.StateError:
		return "ERROR"
	default:
		return "DISCONNECTED"
	}
}

func (m dashboardModel) View() string {
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

	okStyle := lipgloss.NewStyle().
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

	stateStyled := func(s device.LinkState) string {
		label := linkStateLabel(s)
		switch s {
		case device.StateConnected:
			return okStyle.Render(label)
		case device.StateError:
			return errorStyle.Render(label)
		default:
			return warningStyle.Render(label)
		}
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render(fmt.Sprintf("CELLNODE - DEVICE %d", m.cfg.DeviceID)))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("Listen: :%d | Serial: %s @ %d baud | Press 'q' to quit",
		m.cfg.ListenPort, m.cfg.SerialPort, m.cfg.SerialBaud)))
	s.WriteString("\n\n")

	if !m.hasStatus {
		s.WriteString(m.spin.View())
		s.WriteString(warningStyle.Render("Waiting for first status update..."))
		s.WriteString("\n\n")
	} else {
		st := m.status

		// Connections
		connContent := strings.Builder{}
		connContent.WriteString(fmt.Sprintf("%s %s   %s %s",
			labelStyle.Render("Master:"), stateStyled(st.MasterState),
			labelStyle.Render("Device:"), stateStyled(st.SerialState),
		))
		if st.SerialError != "" {
			connContent.WriteString(fmt.Sprintf("\n%s %s",
				labelStyle.Render("Device error:"), errorStyle.Render(st.SerialError)))
		}
		s.WriteString(boxStyle.Render(connContent.String()))
		s.WriteString("\n\n")

		// Zones
		zoneContent := strings.Builder{}
		activeLabel := warningStyle.Render("INACTIVE")
		if st.Activated {
			activeLabel = okStyle.Render("ACTIVE")
		}
		zoneContent.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Air cells:"), activeLabel))
		for zone := 1; zone <= m.cfg.ZoneCount; zone++ {
			state := headerStyle.Render("idle")
			if st.ZoneStates[zone] {
				state = okStyle.Render("INFLATED")
			}
			zoneContent.WriteString(fmt.Sprintf("%s %s", labelStyle.Render(fmt.Sprintf("Zone %d:", zone)), state))
			if zone < m.cfg.ZoneCount {
				zoneContent.WriteString("   ")
			}
		}
		if len(st.LastZoneOrder) > 0 {
			zoneContent.WriteString(fmt.Sprintf("\n%s %v",
				labelStyle.Render("Relief order:"), st.LastZoneOrder))
		}
		s.WriteString(boxStyle.Render(zoneContent.String()))
		s.WriteString("\n\n")

		// Counters
		counterContent := strings.Builder{}
		counterContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			labelStyle.Render("Commands:"), okStyle.Render(fmt.Sprintf("%d", st.CommandsExecuted)),
			labelStyle.Render("Errors:"), func() string {
				if st.ErrorsCount > 0 {
					return errorStyle.Render(fmt.Sprintf("%d", st.ErrorsCount))
				}
				return okStyle.Render("0")
			}(),
		))
		counterContent.WriteString(fmt.Sprintf("%s %s   %s %s",
			labelStyle.Render("Last packet:"), okStyle.Render(ago(st.LastSignalReceived)),
			labelStyle.Render("Last command:"), okStyle.Render(ago(st.LastCommandExecuted)),
		))
		s.WriteString(boxStyle.Render(counterContent.String()))
		s.WriteString("\n\n")
	}

	// Event log
	s.WriteString(labelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - 18 // Reserve space for header and boxes
	if logHeight < 5 {
		logHeight = 5
	}

	logContent := strings.Builder{}
	startIdx := len(m.events) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.events) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.events); i++ {
			e := m.events[i]
			timestamp := e.Time.Format("01/02/06 15:04:05.000")
			switch e.Level {
			case controller.EventError:
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp), errorStyle.Render("✗ "+e.Message)))
			case controller.EventWarning:
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp), warningStyle.Render("! "+e.Message)))
			default:
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp), okStyle.Render("ℹ "+e.Message)))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}
