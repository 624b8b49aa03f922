package observability

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	valueStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	progressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("5"))
	pathStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failureStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// labelWidth aligns "Test Env / Region:" style labels in a column.
const labelWidth = 26

// Status prints colored operator lines. It is safe for concurrent use.
type Status struct {
	mu  sync.Mutex
	out io.Writer
}

// NewStatus returns a Status writing to w.
func NewStatus(w io.Writer) *Status {
	return &Status{out: w}
}

// Operator is the stderr status printer used by commands.
var Operator = NewStatus(os.Stderr)

// Field prints an aligned "label: value" line.
func (s *Status) Field(label string, value any) {
	s.println(labelStyle.Render(fmt.Sprintf("%-*s", labelWidth, label+":")) + " " + valueStyle.Render(fmt.Sprint(value)))
}

// Progress prints a step that is about to happen.
func (s *Status) Progress(msg string) {
	s.println(progressStyle.Render(msg))
}

// Stored prints "<msg> <path>" for a file that was written.
func (s *Status) Stored(msg, path string) {
	s.println(progressStyle.Render(msg) + " " + pathStyle.Render(path))
}

// Success prints a green line.
func (s *Status) Success(msg string) {
	s.println(successStyle.Render(msg))
}

// Failure prints a red line.
func (s *Status) Failure(msg string) {
	s.println(failureStyle.Render(msg))
}

func (s *Status) println(line string) {
	if s == nil || s.out == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = fmt.Fprintln(s.out, line)
}
