// Package tui provides the interactive terminal UI for the hub.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/hub/internal/models"
	"github.com/fentz26/hub/internal/scheduler"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

type viewMode int

const (
	modeTasks viewMode = iota
	modePipelines
	modeOutput
	modeWorkers
)

var filters = []string{"", "pending", "in-progress", "done"}
var filterNames = []string{"ALL", "PENDING", "IN PROGRESS", "DONE"}

// App is the main TUI application model.
type App struct {
	client *Client

	tasks       []models.Task
	taskIdx     int
	currentTask *models.Task
	pipelines   []models.Pipeline
	pipeIdx     int

	input       textinput.Model
	viewport    viewport.Model
	outputTitle string

	width        int
	height       int
	mode         viewMode
	message      string
	filterIdx    int
	loading      bool
	daemonOnline bool

	workers        *scheduler.Stats
	workersFetched bool
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "add <description> | start | pipe [description] | stop | logs | status | done | delete"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		client:   NewClient(apiAddr),
		input:    ti,
		viewport: viewport.New(80, 20),
		mode:     modeTasks,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.fetchTasks(),
		a.checkDaemon(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if cmd, handled := a.handleKey(msg); handled {
			return a, cmd
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4
		a.viewport.Width = msg.Width
		a.viewport.Height = max(5, msg.Height-10)

	case tasksLoadedMsg:
		a.loading = false
		a.tasks = msg.tasks
		if a.taskIdx >= len(a.tasks) {
			a.taskIdx = max(0, len(a.tasks)-1)
		}

	case pipelinesLoadedMsg:
		a.currentTask = msg.task
		a.pipelines = msg.pipelines
		if a.pipeIdx >= len(a.pipelines) {
			a.pipeIdx = max(0, len(a.pipelines)-1)
		}

	case outputLoadedMsg:
		a.mode = modeOutput
		a.outputTitle = msg.title
		a.viewport.SetContent(msg.text)
		a.viewport.GotoBottom()

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case workersFetchedMsg:
		a.workers = msg.stats
		a.workersFetched = true
		if a.mode == modeWorkers {
			// Schedule the next tick only after the current fetch is complete.
			cmds = append(cmds, a.tickCmd())
		}

	case tickMsg:
		if a.mode == modeWorkers {
			return a, a.fetchWorkers()
		}

	case commandResultMsg:
		a.message = msg.message
		return a, a.refresh()

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	return a, tea.Batch(cmds...)
}

// handleKey applies navigation keys. Letter shortcuts only act while the
// command input is empty so they never swallow typing.
func (a *App) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	key := msg.String()
	typing := a.input.Value() != ""

	switch key {
	case "ctrl+c":
		return tea.Quit, true

	case "esc":
		switch a.mode {
		case modeOutput:
			a.mode = modePipelines
			return a.fetchPipelines(a.currentTaskID()), true
		case modePipelines, modeWorkers:
			a.mode = modeTasks
			a.currentTask = nil
			return a.fetchTasks(), true
		}
		return nil, true

	case "enter":
		if text := strings.TrimSpace(a.input.Value()); text != "" {
			a.input.SetValue("")
			return a.executeCommand(text), true
		}
		switch a.mode {
		case modeTasks:
			if t := a.selectedTask(); t != nil {
				task := *t
				a.mode = modePipelines
				a.currentTask = &task
				a.pipelines = nil
				a.pipeIdx = 0
				return a.fetchPipelines(task.ID), true
			}
		case modePipelines:
			if p := a.selectedPipeline(); p != nil {
				return a.fetchOutput(p.ID, "logs"), true
			}
		}
		return nil, true
	}

	if a.mode == modeOutput {
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return cmd, true
	}

	if typing {
		return nil, false
	}

	switch key {
	case "up", "k":
		a.move(-1)
		return nil, true
	case "down", "j":
		a.move(1)
		return nil, true
	case "tab":
		if a.mode == modeTasks {
			a.filterIdx = (a.filterIdx + 1) % len(filters)
			return a.fetchTasks(), true
		}
	case "r":
		return a.refresh(), true
	case "w":
		a.mode = modeWorkers
		return a.fetchWorkers(), true
	case "l", "s":
		if p := a.selectedPipeline(); a.mode == modePipelines && p != nil {
			kind := "logs"
			if key == "s" {
				kind = "status"
			}
			return a.fetchOutput(p.ID, kind), true
		}
	}
	return nil, false
}

func (a *App) move(delta int) {
	switch a.mode {
	case modeTasks:
		a.taskIdx = clamp(a.taskIdx+delta, 0, len(a.tasks)-1)
	case modePipelines:
		a.pipeIdx = clamp(a.pipeIdx+delta, 0, len(a.pipelines)-1)
	}
}

func (a *App) selectedTask() *models.Task {
	if a.mode == modePipelines || a.mode == modeOutput {
		return a.currentTask
	}
	if a.taskIdx < len(a.tasks) {
		return &a.tasks[a.taskIdx]
	}
	return nil
}

func (a *App) selectedPipeline() *models.Pipeline {
	if a.pipeIdx < len(a.pipelines) {
		return &a.pipelines[a.pipeIdx]
	}
	return nil
}

func (a *App) currentTaskID() string {
	if a.currentTask == nil {
		return ""
	}
	return a.currentTask.ID
}

// targetPipeline returns the pipeline a stop, logs or status command acts
// on. Outside the pipeline views there is none.
func (a *App) targetPipeline() *models.Pipeline {
	if a.mode == modePipelines || a.mode == modeOutput {
		return a.selectedPipeline()
	}
	return nil
}

// findActive looks up the task's active pipeline on the server.
func (a *App) findActive(taskID string) (string, error) {
	pipelines, err := a.client.ListPipelines(taskID)
	if err != nil {
		return "", err
	}
	for _, p := range pipelines {
		if p.Status.IsActive() {
			return p.ID, nil
		}
	}
	return "", nil
}

func (a *App) refresh() tea.Cmd {
	switch a.mode {
	case modePipelines, modeOutput:
		return a.fetchPipelines(a.currentTaskID())
	case modeWorkers:
		return a.fetchWorkers()
	default:
		return a.fetchTasks()
	}
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("HUB Pipelines") + "  " + daemonStatus
	if a.currentTask != nil && a.mode != modeTasks {
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(a.currentTask.ID)
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", a.width) + "\n")

	contentHeight := max(5, a.height-8)

	switch a.mode {
	case modeTasks:
		filterLabel := fmt.Sprintf(" Filter: [%s]", filterNames[a.filterIdx])
		b.WriteString(lipgloss.NewStyle().Foreground(mutedColor).Render(filterLabel) + "\n")
		b.WriteString(a.renderTaskList(contentHeight - 1))
	case modePipelines:
		b.WriteString(a.renderPipelines(contentHeight))
	case modeOutput:
		b.WriteString(lipgloss.NewStyle().Bold(true).Render(" "+a.outputTitle) + "\n")
		b.WriteString(a.viewport.View())
	case modeWorkers:
		b.WriteString(a.renderWorkersPanel())
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeTasks:
		status = fmt.Sprintf(" Tasks: %d | ↑↓:nav | Enter:pipelines | Tab:filter | w:workers | r:refresh | Ctrl+C:quit", len(a.tasks))
	case modePipelines:
		status = fmt.Sprintf(" Pipelines: %d | ↑↓:nav | Enter/l:logs | s:status | Esc:back | r:refresh", len(a.pipelines))
	case modeOutput:
		status = " ↑↓:scroll | Esc:back"
	case modeWorkers:
		status = " Esc:back | w:refresh"
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) renderTaskList(height int) string {
	if a.loading {
		return "\n  Loading tasks...\n"
	}
	if len(a.tasks) == 0 {
		return "\n  No tasks found. Type: add <description> to create one.\n"
	}

	lines := make([]string, 0, len(a.tasks))
	for i, task := range a.tasks {
		if i == a.taskIdx {
			lines = append(lines, selectedStyle.Render(fmt.Sprintf("▶ %s  %s", taskGlyph(task.Status), task.Description)))
		} else {
			lines = append(lines, itemStyle.Render(fmt.Sprintf("  %s  %s", formatTaskStatus(task.Status), task.Description)))
		}
	}
	return strings.Join(window(lines, a.taskIdx, height), "\n")
}

func (a *App) renderPipelines(height int) string {
	var b strings.Builder
	if t := a.currentTask; t != nil {
		b.WriteString(fmt.Sprintf("\n  %s\n", lipgloss.NewStyle().Bold(true).Render(t.Description)))
		b.WriteString(fmt.Sprintf("  Status: %s\n\n", formatTaskStatus(t.Status)))
	}
	if len(a.pipelines) == 0 {
		b.WriteString("  No pipelines yet. Type: pipe to start one.\n")
		return b.String()
	}

	lines := make([]string, 0, len(a.pipelines))
	for i, p := range a.pipelines {
		line := fmt.Sprintf("%s  %-28s  %s", formatPipelineStatus(p.Status), p.ID, p.CreatedAt.Local().Format("Jan 02 15:04"))
		if i == a.pipeIdx {
			lines = append(lines, selectedStyle.Render("▶ "+line))
			if p.Error != "" {
				lines = append(lines, helpStyle.Render("      "+truncate(p.Error, 70)))
			}
		} else {
			lines = append(lines, itemStyle.Render("  "+line))
		}
	}
	b.WriteString(strings.Join(window(lines, a.pipeIdx, height-4), "\n"))
	return b.String()
}

func (a *App) renderWorkersPanel() string {
	var b strings.Builder

	b.WriteString("\n  Auto-start Dispatcher\n")
	b.WriteString("  " + strings.Repeat("─", 40) + "\n\n")

	if !a.workersFetched {
		b.WriteString("  Loading...\n")
		return b.String()
	}
	if a.workers == nil {
		b.WriteString("  " + helpStyle.Render("Auto-start is disabled on this daemon") + "\n")
		return b.String()
	}

	stats := a.workers
	activeStyle := lipgloss.NewStyle().Foreground(successColor).Bold(true)
	maxStyle := lipgloss.NewStyle().Foreground(mutedColor)

	b.WriteString(fmt.Sprintf("  Active Workers: %s / %s\n",
		activeStyle.Render(fmt.Sprintf("%d", stats.ActiveWorkers)),
		maxStyle.Render(fmt.Sprintf("%d", stats.GlobalMax))))
	b.WriteString(fmt.Sprintf("  Queue:          %d / %d\n\n", stats.QueueDepth, stats.QueueSize))
	b.WriteString(fmt.Sprintf("  Dispatched: %d\n", stats.Dispatched))
	b.WriteString(fmt.Sprintf("  Failed:     %s\n", lipgloss.NewStyle().Foreground(errorColor).Render(fmt.Sprintf("%d", stats.Failed))))
	b.WriteString(fmt.Sprintf("  Dropped:    %s\n", lipgloss.NewStyle().Foreground(warningColor).Render(fmt.Sprintf("%d", stats.Dropped))))

	b.WriteString("\n  " + helpStyle.Render("Press Esc to go back, w to refresh") + "\n")
	return b.String()
}

func formatTaskStatus(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusPending:
		return lipgloss.NewStyle().Foreground(warningColor).Render("○ PENDING")
	case models.TaskStatusInProgress:
		return lipgloss.NewStyle().Foreground(primaryColor).Render("◑ IN PROGRESS")
	case models.TaskStatusDone:
		return lipgloss.NewStyle().Foreground(successColor).Render("● DONE")
	default:
		return string(status)
	}
}

func taskGlyph(status models.TaskStatus) string {
	switch status {
	case models.TaskStatusPending:
		return "○"
	case models.TaskStatusInProgress:
		return "◑"
	case models.TaskStatusDone:
		return "●"
	default:
		return "?"
	}
}

func formatPipelineStatus(status models.PipelineStatus) string {
	label := fmt.Sprintf("%-9s", strings.ToUpper(string(status)))
	switch status {
	case models.PipelineStatusStarting:
		return lipgloss.NewStyle().Foreground(warningColor).Render(label)
	case models.PipelineStatusRunning:
		return lipgloss.NewStyle().Foreground(cyanColor).Render(label)
	case models.PipelineStatusCompleted:
		return lipgloss.NewStyle().Foreground(successColor).Render(label)
	case models.PipelineStatusFailed:
		return lipgloss.NewStyle().Foreground(errorColor).Render(label)
	default:
		return lipgloss.NewStyle().Foreground(mutedColor).Render(label)
	}
}

// --- Commands ---

func (a *App) fetchTasks() tea.Cmd {
	a.loading = true
	filter := filters[a.filterIdx]
	return func() tea.Msg {
		tasks, err := a.client.ListTasks(filter)
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

func (a *App) fetchPipelines(taskID string) tea.Cmd {
	if taskID == "" {
		return nil
	}
	return func() tea.Msg {
		pipelines, err := a.client.ListPipelines(taskID)
		if err != nil {
			return errMsg{err}
		}
		task, err := a.client.GetTask(taskID)
		if err != nil {
			return errMsg{err}
		}
		return pipelinesLoadedMsg{task, pipelines}
	}
}

func (a *App) fetchOutput(pipelineID, kind string) tea.Cmd {
	return func() tea.Msg {
		text, err := a.client.PipelineOutput(pipelineID, kind)
		if err != nil {
			return errMsg{err}
		}
		return outputLoadedMsg{title: pipelineID + " " + kind, text: text}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, _ := a.client.CheckHealth()
		return daemonStatusMsg{online: ok}
	}
}

func (a *App) fetchWorkers() tea.Cmd {
	return func() tea.Msg {
		stats, err := a.client.GetWorkers()
		if err != nil {
			return errMsg{err}
		}
		return workersFetchedMsg{stats}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// executeCommand runs a typed command. Everything it needs from the model is
// captured before the returned closure runs off the event loop.
func (a *App) executeCommand(input string) tea.Cmd {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}
	cmd, rest := parts[0], strings.TrimSpace(strings.TrimPrefix(input, parts[0]))

	task := a.selectedTask()
	var taskCopy models.Task
	if task != nil {
		taskCopy = *task
	}
	target := a.targetPipeline()
	var targetID string
	if target != nil {
		targetID = target.ID
	}

	needTask := func() tea.Msg { return commandResultMsg{"No task selected"} }

	switch cmd {
	case "q", "quit", "exit":
		return tea.Quit

	case "logs", "status":
		if targetID == "" {
			return func() tea.Msg { return commandResultMsg{"No pipeline selected"} }
		}
		return a.fetchOutput(targetID, cmd)
	}

	return func() tea.Msg {
		switch cmd {
		case "add":
			if rest == "" {
				return commandResultMsg{"Usage: add <description>"}
			}
			t, err := a.client.CreateTask(rest)
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ Created task: %s", t.ID)}

		case "start", "done":
			if task == nil {
				return needTask()
			}
			status := models.TaskStatusInProgress
			if cmd == "done" {
				status = models.TaskStatusDone
			}
			if err := a.client.SetTaskStatus(taskCopy.ID, status); err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ Task is %s", status)}

		case "pipe", "run":
			if task == nil {
				return needTask()
			}
			desc := rest
			if desc == "" {
				desc = taskCopy.Description
			}
			p, err := a.client.CreatePipeline(taskCopy.ID, desc)
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ %s is %s", p.ID, p.Status)}

		case "stop":
			if targetID == "" && task != nil {
				id, err := a.findActive(taskCopy.ID)
				if err != nil {
					return commandResultMsg{"Error: " + err.Error()}
				}
				targetID = id
			}
			if targetID == "" {
				return commandResultMsg{"No active pipeline"}
			}
			if err := a.client.StopPipeline(targetID); err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ Stopped %s", targetID)}

		case "delete":
			if task == nil {
				return needTask()
			}
			if err := a.client.DeleteTask(taskCopy.ID); err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("✓ Deleted %s", taskCopy.ID)}

		default:
			return commandResultMsg{fmt.Sprintf("Unknown: %s (try: add, start, pipe, stop, logs, done)", cmd)}
		}
	}
}

// --- Helpers ---

func clamp(v, lo, hi int) int {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

// window returns at most height lines of lines keeping selected in view.
func window(lines []string, selected, height int) []string {
	if height <= 0 || len(lines) <= height {
		return lines
	}
	start := max(0, selected-height/2)
	end := start + height
	if end > len(lines) {
		end = len(lines)
		start = max(0, end-height)
	}
	return lines[start:end]
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type tasksLoadedMsg struct {
	tasks []models.Task
}

type pipelinesLoadedMsg struct {
	task      *models.Task
	pipelines []models.Pipeline
}

type outputLoadedMsg struct {
	title string
	text  string
}

type daemonStatusMsg struct {
	online bool
}

type workersFetchedMsg struct {
	stats *scheduler.Stats
}

type tickMsg time.Time
