package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/bufala/bufala-llm/internal/output"
)

// Brand palette
var (
	colorPrimary = lipgloss.Color("45")  // Bright cyan
	colorAccent  = lipgloss.Color("226") // Yellow
	colorSuccess = lipgloss.Color("78")  // Green
	colorError   = lipgloss.Color("196") // Red
	colorMuted   = lipgloss.Color("240") // Gray
)

var styles = struct {
	Title   lipgloss.Style
	Bold    lipgloss.Style
	Dim     lipgloss.Style
	Muted   lipgloss.Style
	Primary lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true),
	Bold:    lipgloss.NewStyle().Bold(true),
	Dim:     lipgloss.NewStyle().Faint(true),
	Muted:   lipgloss.NewStyle().Foreground(colorMuted),
	Primary: lipgloss.NewStyle().Foreground(colorPrimary),
	Success: lipgloss.NewStyle().Foreground(colorSuccess),
	Warning: lipgloss.NewStyle().Foreground(colorAccent),
	Error:   lipgloss.NewStyle().Foreground(colorError),
}

const (
	boxH = "─"

	iconBolt    = "⚡"
	iconCheck   = "✓"
	iconCross   = "✗"
	iconArrow   = "→"
	iconDiamond = "◆"
)

func printSection(title string) {
	if output.JSONMode {
		return
	}
	fmt.Println(styles.Primary.Render(iconDiamond) + " " + styles.Title.Render(title))
	fmt.Println(styles.Muted.Render(strings.Repeat(boxH, 50)))
}

func printSuccess(message string) {
	fmt.Println(styles.Success.Render(iconCheck) + " " + message)
}

func printError(message string) {
	fmt.Println(styles.Error.Render(iconCross) + " " + message)
}

func printInfo(message string) {
	fmt.Println(styles.Primary.Render(iconArrow) + " " + message)
}

func printWarning(message string) {
	fmt.Println(styles.Warning.Render(iconBolt) + " " + message)
}

func printItem(label, value string) {
	fmt.Printf("  %s %s\n", styles.Muted.Render(fmt.Sprintf("%-14s", label+":")), value)
}
