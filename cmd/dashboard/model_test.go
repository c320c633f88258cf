package main

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/betbot/stakepilot/internal/domain"
	"github.com/betbot/stakepilot/pkg/client"
)

type fakeAPI struct {
	err error
}

func (f fakeAPI) Mission(context.Context, float64, int) (client.MissionReport, error) {
	if f.err != nil {
		return client.MissionReport{}, f.err
	}
	return client.MissionReport{
		Snapshot:   domain.MissionSnapshot{ActiveTables: 2, K: 1},
		Evaluation: domain.Evaluation{Message: "On track", Velocity: 1.2, Color: "green"},
	}, nil
}

func (f fakeAPI) Heavy(context.Context) (client.HeavyStatus, error) {
	return client.HeavyStatus{HeavyCount: 1, GlobalHeavyCap: 4}, nil
}

func TestFetchAndRender(t *testing.T) {
	m := newModel(fakeAPI{}, nil, time.Second)

	msg := fetchCmd(m.api)()
	next, _ := m.Update(msg)
	m = next.(model)

	view := m.View()
	if !strings.Contains(view, "On track") || !strings.Contains(view, "heavy 1/4") {
		t.Fatalf("view missing mission data:\n%s", view)
	}
	if !strings.Contains(view, "waiting for advice") {
		t.Fatalf("expected empty table placeholder:\n%s", view)
	}
}

func TestAdviceRows(t *testing.T) {
	events := make(chan client.Event, 2)
	events <- client.Event{Type: "report", Data: []byte(`{}`)}
	events <- client.Event{Type: "advice", Data: []byte(`{"table_id":7,"hand_index":12,"level_index":4,"stake_units":35,"reason":"Stop L5","stop_at_l5":true}`)}
	close(events)

	m := newModel(fakeAPI{}, events, time.Second)
	msg := waitEventCmd(events)()
	adv, ok := msg.(adviceMsg)
	if !ok {
		t.Fatalf("expected advice, got %T", msg)
	}
	next, _ := m.Update(adv)
	m = next.(model)
	if got := m.tables[7]; got.Reason != "Stop L5" || got.HandIndex != 12 {
		t.Fatalf("table 7 got=%+v", got)
	}
	if !strings.Contains(m.View(), "Stop L5") {
		t.Fatalf("view missing advice row")
	}

	if _, ok := waitEventCmd(events)().(streamClosedMsg); !ok {
		t.Fatalf("expected stream closed")
	}
	next, _ = m.Update(streamClosedMsg{})
	if next.(model).streaming {
		t.Fatalf("streaming flag not cleared")
	}
}

func TestErrorsAndQuit(t *testing.T) {
	m := newModel(fakeAPI{err: errors.New("connection refused")}, nil, time.Second)
	next, _ := m.Update(fetchCmd(m.api)())
	if !strings.Contains(next.(model).View(), "connection refused") {
		t.Fatalf("error not rendered")
	}

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected QuitMsg")
	}
}
