// Package tui provides the read-only terminal dashboard behind "coord watch".
//
// The dashboard polls a snapshot source on an interval and shows:
//   - Task counts by state
//   - Tasks, agents and locks in tables
//   - Stuck tasks and what blocks them
//   - An activity log built from differences between snapshots
//
// Usage:
//
//	app := tui.NewDashboard(coord, time.Second)
//	program := tea.NewProgram(app, tea.WithAltScreen())
//	_, err := program.Run()
//
// Because every coord process shares the store, the activity log also shows
// work done by other processes between two refreshes.
package tui
