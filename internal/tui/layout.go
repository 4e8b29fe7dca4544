package tui

// PanelDimensions holds calculated dimensions for each panel in the layout.
type PanelDimensions struct {
	// TasksWidth is the width of the tasks panel (left).
	TasksWidth int
	// SideWidth is the width of the agents and locks column (right).
	SideWidth int
	// TasksHeight is the height of the tasks panel.
	TasksHeight int
	// AgentsHeight and LocksHeight split the right column.
	AgentsHeight int
	LocksHeight  int
	// LogHeight is the height of the activity log under the tables.
	LogHeight int
}

// LayoutManager calculates panel dimensions based on terminal size.
type LayoutManager struct {
	totalWidth   int
	totalHeight  int
	headerHeight int
	footerHeight int
}

// NewLayoutManager creates a new LayoutManager with the given terminal dimensions.
func NewLayoutManager(width, height int) *LayoutManager {
	return &LayoutManager{
		totalWidth:   width,
		totalHeight:  height,
		headerHeight: 2, // title + counts
		footerHeight: 1,
	}
}

// SetSize updates the terminal dimensions.
func (l *LayoutManager) SetSize(width, height int) {
	l.totalWidth = width
	l.totalHeight = height
}

// Calculate returns the panel dimensions based on current terminal size.
// Layout: tasks 60% left, agents over locks 40% right, log 30% of the height below.
func (l *LayoutManager) Calculate() PanelDimensions {
	const (
		minTasksWidth = 40
		minSideWidth  = 30
		minLogHeight  = 4
		// Each bordered panel spends two lines on its border.
		border = 2
	)

	tasksWidth := l.totalWidth * 60 / 100
	if tasksWidth < minTasksWidth {
		tasksWidth = minTasksWidth
	}
	sideWidth := l.totalWidth - tasksWidth
	if sideWidth < minSideWidth {
		sideWidth = minSideWidth
	}

	body := l.totalHeight - l.headerHeight - l.footerHeight
	logHeight := body * 30 / 100
	if logHeight < minLogHeight {
		logHeight = minLogHeight
	}
	tablesHeight := body - logHeight
	if tablesHeight < 2*(border+1) {
		tablesHeight = 2 * (border + 1)
	}
	agentsHeight := tablesHeight / 2
	locksHeight := tablesHeight - agentsHeight

	return PanelDimensions{
		TasksWidth:   tasksWidth,
		SideWidth:    sideWidth,
		TasksHeight:  tablesHeight,
		AgentsHeight: agentsHeight,
		LocksHeight:  locksHeight,
		LogHeight:    logHeight,
	}
}

// TotalWidth returns the current terminal width.
func (l *LayoutManager) TotalWidth() int {
	return l.totalWidth
}

// TotalHeight returns the current terminal height.
func (l *LayoutManager) TotalHeight() int {
	return l.totalHeight
}
