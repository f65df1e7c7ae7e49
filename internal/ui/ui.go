// Package ui renders terminal output for the cachedb CLI.
package ui

import (
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#0550AE", Dark: "#58A6FF"})
	passStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1A7F37", Dark: "#3FB950"})
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#9A6700", Dark: "#D29922"})
	failStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.AdaptiveColor{Light: "#CF222E", Dark: "#F85149"})
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6E7781", Dark: "#8B949E"})
	headStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderPass(s string) string { return passStyle.Render(s) }
func RenderWarn(s string) string { return warnStyle.Render(s) }
func RenderFail(s string) string { return failStyle.Render(s) }
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// TerminalWidth returns the width of f, or 0 when f is not a terminal.
func TerminalWidth(f *os.File) int {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return 0
	}
	w, _, err := term.GetSize(fd)
	if err != nil {
		return 0
	}
	return w
}

// KeyValue renders one "key: value" line per pair with values aligned.
func KeyValue(pairs [][2]string) string {
	keyWidth := 0
	for _, p := range pairs {
		keyWidth = max(keyWidth, lipgloss.Width(p[0]))
	}

	var b strings.Builder
	for _, p := range pairs {
		key := mutedStyle.Render(p[0] + ":")
		b.WriteString("   ")
		b.WriteString(key)
		b.WriteString(strings.Repeat(" ", keyWidth-lipgloss.Width(p[0])+1))
		b.WriteString(p[1])
		b.WriteByte('\n')
	}
	return b.String()
}

// Table renders rows under a header with columns padded to their widest
// cell. When width is positive the last column is cut to fit it.
func Table(headers []string, rows [][]string, width int) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	last := len(headers) - 1
	if width > 0 && last >= 0 {
		used := 0
		for _, w := range widths[:last] {
			used += w + 2
		}
		if room := width - used; room > 0 && widths[last] > room {
			widths[last] = room
		}
	}

	var b strings.Builder
	writeRow := func(cells []string, style *lipgloss.Style) {
		for i := range headers {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			cell = truncate(cell, widths[i])
			pad := widths[i] - lipgloss.Width(cell)
			if style != nil {
				cell = style.Render(cell)
			}
			b.WriteString(cell)
			if i < last {
				b.WriteString(strings.Repeat(" ", pad+2))
			}
		}
		b.WriteByte('\n')
	}

	writeRow(headers, &headStyle)
	for _, row := range rows {
		writeRow(row, nil)
	}
	return b.String()
}

func truncate(s string, width int) string {
	if lipgloss.Width(s) <= width {
		return s
	}
	if width <= 1 {
		return strings.Repeat(".", width)
	}
	runes := []rune(s)
	for len(runes) > 0 && lipgloss.Width(string(runes))+1 > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "…"
}
