package commands

import (
	"fmt"
	"strings"
)

// RenderKV renders a label/value block used by the show commands.
func RenderKV(pairs [][2]string) string {
	var sb strings.Builder
	for _, p := range pairs {
		if isTTY() {
			sb.WriteString(StyleLabel.Render(p[0]) + " " + StyleValue.Render(p[1]) + "\n")
		} else {
			sb.WriteString(fmt.Sprintf("%-16s %s\n", p[0], p[1]))
		}
	}
	return sb.String()
}

// RenderTable renders a plain aligned table.
func RenderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	var sb strings.Builder
	for i, h := range headers {
		sb.WriteString(fmt.Sprintf("%-*s  ", widths[i], h))
	}
	sb.WriteString("\n")
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				sb.WriteString(fmt.Sprintf("%-*s  ", widths[i], cell))
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Success prints a success message with a checkmark.
func Success(msg string) {
	if isTTY() {
		fmt.Println(StyleSuccess.Render("  " + msg))
	} else {
		fmt.Println("[OK] " + msg)
	}
}

// Error prints an error message with an X.
func Error(msg string) {
	if isTTY() {
		fmt.Println(StyleError.Render("  " + msg))
	} else {
		fmt.Println("[ERROR] " + msg)
	}
}

// Warning prints a warning message.
func Warning(msg string) {
	if isTTY() {
		fmt.Println(StyleWarning.Render("  " + msg))
	} else {
		fmt.Println("[WARN] " + msg)
	}
}

// Info prints an informational message.
func Info(msg string) {
	if isTTY() {
		fmt.Println(StyleInfo.Render("  " + msg))
	} else {
		fmt.Println("[INFO] " + msg)
	}
}
