package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"

	"github.com/ShayCichocki/coord/pkg/models"
)

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit prints v as JSON under --json, otherwise runs human.
func emit(v any, human func()) error {
	if flagJSON {
		return printJSON(v)
	}
	human()
	return nil
}

var stateColors = map[models.TaskState]color.Attribute{
	models.TaskQueued:     color.FgWhite,
	models.TaskClaimed:    color.FgCyan,
	models.TaskInProgress: color.FgBlue,
	models.TaskCompleted:  color.FgGreen,
	models.TaskFailed:     color.FgRed,
	models.TaskCancelled:  color.FgYellow,
}

func colorState(s models.TaskState) string {
	return color.New(stateColors[s]).Sprint(string(s))
}

func colorStatus(s models.AgentStatus) string {
	switch s {
	case models.AgentAlive:
		return color.GreenString(string(s))
	case models.AgentStale:
		return color.YellowString(string(s))
	default:
		return color.RedString(string(s))
	}
}

func printTask(t *models.Task) {
	fmt.Printf("%s  %s\n", color.New(color.Bold).Sprint(t.ID), colorState(t.State))
	if t.Title != "" {
		fmt.Printf("  Title:      %s\n", t.Title)
	}
	fmt.Printf("  Priority:   %d\n", t.Priority)
	if len(t.DependsOn) > 0 {
		fmt.Printf("  Depends on: %s\n", strings.Join(t.DependsOn, ", "))
	}
	if len(t.Capabilities) > 0 {
		fmt.Printf("  Requires:   %s\n", strings.Join(t.Capabilities, ", "))
	}
	if t.AssignedAgent != "" {
		fmt.Printf("  Agent:      %s\n", t.AssignedAgent)
	}
	if t.Result != nil {
		fmt.Printf("  Result:     %s\n", t.Result)
	}
	if t.Error != "" {
		fmt.Printf("  Error:      %s\n", color.RedString(t.Error))
	}
	fmt.Printf("  Updated:    %s ago\n", formatDuration(time.Since(t.UpdatedAt)))
	if t.Description != "" {
		fmt.Printf("\n%s\n", t.Description)
	}
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderColumn(false).
		BorderRow(false).
		BorderLeft(false).
		BorderRight(false).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func printTaskTable(tasks []models.Task) {
	if len(tasks) == 0 {
		fmt.Println("No tasks.")
		return
	}
	t := newTable("ID", "STATE", "PRI", "AGENT", "DEPENDS ON", "TITLE")
	for _, task := range tasks {
		t.Row(task.ID, colorState(task.State), fmt.Sprint(task.Priority), task.AssignedAgent,
			strings.Join(task.DependsOn, ","), truncate(task.Title, 40))
	}
	fmt.Println(t)
}

func printAgentTable(agents []models.Agent) {
	if len(agents) == 0 {
		fmt.Println("No agents.")
		return
	}
	t := newTable("ID", "STATUS", "LAST HEARTBEAT", "TASK", "MSGS", "CAPABILITIES")
	for _, a := range agents {
		t.Row(a.ID, colorStatus(a.Status), formatDuration(time.Since(a.LastHeartbeat))+" ago",
			a.CurrentTask, fmt.Sprint(a.PendingMessages), strings.Join(a.Capabilities, ","))
	}
	fmt.Println(t)
}

func printLockTable(locks []models.Lock) {
	if len(locks) == 0 {
		fmt.Println("No locks.")
		return
	}
	now := time.Now()
	t := newTable("KEY", "HOLDER", "EXPIRES")
	for _, l := range locks {
		expires := "in " + formatDuration(l.ExpiresAt.Sub(now))
		if l.Expired(now) {
			expires = color.YellowString("expired")
		}
		t.Row(l.Key, l.Holder, expires)
	}
	fmt.Println(t)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
