package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/betbot/stakepilot/internal/domain"
	"github.com/betbot/stakepilot/pkg/client"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15"))

	greenStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	yellowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	redStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

// apiClient 面板用到的 API
type apiClient interface {
	Mission(ctx context.Context, elapsed float64, tables int) (client.MissionReport, error)
	Heavy(ctx context.Context) (client.HeavyStatus, error)
}

type tickMsg time.Time

type missionMsg struct {
	report client.MissionReport
	heavy  client.HeavyStatus
}

type adviceMsg domain.Advice

type streamClosedMsg struct{}

type errMsg struct{ err error }

type model struct {
	api      apiClient
	events   <-chan client.Event
	interval time.Duration

	report    client.MissionReport
	heavy     client.HeavyStatus
	tables    map[int]domain.Advice
	updatedAt time.Time
	streaming bool
	err       error
}

func newModel(api apiClient, events <-chan client.Event, interval time.Duration) model {
	return model{
		api:       api,
		events:    events,
		interval:  interval,
		tables:    make(map[int]domain.Advice),
		streaming: events != nil,
	}
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{fetchCmd(m.api), tickCmd(m.interval)}
	if m.events != nil {
		cmds = append(cmds, waitEventCmd(m.events))
	}
	return tea.Batch(cmds...)
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func fetchCmd(api apiClient) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rep, err := api.Mission(ctx, -1, 0)
		if err != nil {
			return errMsg{err}
		}
		hv, err := api.Heavy(ctx)
		if err != nil {
			return errMsg{err}
		}
		return missionMsg{report: rep, heavy: hv}
	}
}

// waitEventCmd 每次只取一条，处理完再取下一条
func waitEventCmd(events <-chan client.Event) tea.Cmd {
	return func() tea.Msg {
		for ev := range events {
			if adv, err := ev.Advice(); err == nil {
				return adviceMsg(adv)
			}
		}
		return streamClosedMsg{}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			return m, fetchCmd(m.api)
		}
	case tickMsg:
		return m, tea.Batch(fetchCmd(m.api), tickCmd(m.interval))
	case missionMsg:
		m.report = msg.report
		m.heavy = msg.heavy
		m.updatedAt = time.Now()
		m.err = nil
	case adviceMsg:
		m.tables[msg.TableID] = domain.Advice(msg)
		return m, waitEventCmd(m.events)
	case streamClosedMsg:
		m.streaming = false
	case errMsg:
		m.err = msg.err
	}
	return m, nil
}

func colorStyle(color string) lipgloss.Style {
	switch strings.ToLower(color) {
	case "green":
		return greenStyle
	case "yellow", "orange":
		return yellowStyle
	case "red":
		return redStyle
	default:
		return dimStyle
	}
}

func signalStyle(s domain.Signal) lipgloss.Style {
	switch s {
	case domain.SignalGreen:
		return greenStyle
	case domain.SignalYellow:
		return yellowStyle
	case domain.SignalRed:
		return redStyle
	default:
		return dimStyle
	}
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("stakepilot"))
	b.WriteString("\n\n")

	ev := m.report.Evaluation
	snap := m.report.Snapshot
	mission := []string{
		titleStyle.Render("Mission"),
		colorStyle(ev.Color).Render(fmt.Sprintf("%s  velocity %.2f", ev.Message, ev.Velocity)),
		fmt.Sprintf("achievement %.1f%%  target %.2f  vm target %.2f", snap.AchievementPercent, snap.TargetDisplay, snap.VMTargetDisplay),
		fmt.Sprintf("tables %d  k %.2f  warm-up %v  completed %v", snap.ActiveTables, snap.K, snap.WarmUpActive, snap.MissionCompleted),
		fmt.Sprintf("heavy %d/%d  debt %.2f  overrides %d (shoe %d)  cooldown %d",
			m.heavy.HeavyCount, m.heavy.GlobalHeavyCap, m.heavy.PortfolioDebtUnits,
			m.heavy.HotOverridesActive, m.heavy.HotOverridesUsedThisShoe, m.heavy.Cooldown),
	}
	b.WriteString(borderStyle.Render(strings.Join(mission, "\n")))
	b.WriteString("\n")

	ids := make([]int, 0, len(m.tables))
	for id := range m.tables {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	rows := []string{titleStyle.Render(fmt.Sprintf("%-6s %-6s %-4s %-8s %-8s %s", "table", "hand", "lvl", "stake", "signal", "reason"))}
	for _, id := range ids {
		adv := m.tables[id]
		reason := adv.Reason
		style := dimStyle
		switch {
		case adv.Stop():
			style = redStyle
		case adv.AuthorizedHeavy:
			style = yellowStyle
		}
		rows = append(rows, fmt.Sprintf("%-6d %-6d L%-3d %-8.2f %-8s %s",
			adv.TableID, adv.HandIndex, adv.LevelIndex+1, adv.StakeUnits,
			signalStyle(adv.SignalW10).Render(string(adv.SignalW10)), style.Render(reason)))
	}
	if len(ids) == 0 {
		rows = append(rows, dimStyle.Render("waiting for advice..."))
	}
	b.WriteString(borderStyle.Render(strings.Join(rows, "\n")))
	b.WriteString("\n")

	status := "stream: off"
	if m.streaming {
		status = "stream: on"
	}
	if !m.updatedAt.IsZero() {
		status += "  updated " + m.updatedAt.Format("15:04:05")
	}
	b.WriteString(dimStyle.Render(status + "  [r] refresh  [q] quit"))
	if m.err != nil {
		b.WriteString("\n" + redStyle.Render("error: "+m.err.Error()))
	}
	b.WriteString("\n")
	return b.String()
}
