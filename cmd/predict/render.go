package main

import (
	"fmt"
	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/mnistdnn/internal/inference"
	"github.com/janpfeifer/mnistdnn/internal/mnist"
	"golang.org/x/term"
	"os"
	"strings"
)

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Width(3)
	barStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	topStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)

	// shades from no ink (or no heat) to full.
	shades = []rune(" ░▒▓█")
)

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

func shade(v float32) string {
	idx := int(v * float32(len(shades)))
	idx = min(max(idx, 0), len(shades)-1)
	// Two columns per pixel for a square aspect ratio.
	return strings.Repeat(string(shades[idx]), 2)
}

// renderDigit shows the preprocessed 28×28 digit.
func renderDigit(pixels []float32) string {
	var sb strings.Builder
	for y := range mnist.Height {
		for x := range mnist.Width {
			sb.WriteString(shade(pixels[y*mnist.Width+x]))
		}
		if y < mnist.Height-1 {
			sb.WriteByte('\n')
		}
	}
	return boxStyle.Render(sb.String())
}

// renderPredictions as horizontal bars proportional to their probabilities.
func renderPredictions(predictions []inference.Prediction) string {
	maxBar := max(10, min(terminalWidth()-20, 60))
	lines := make([]string, len(predictions))
	for ii, p := range predictions {
		bar := barStyle.Render(strings.Repeat("█", int(p.Probability*float32(maxBar)+0.5)))
		percent := fmt.Sprintf("%6.2f%%", 100*p.Probability)
		if ii == 0 {
			percent = topStyle.Render(percent)
		}
		lines[ii] = lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(fmt.Sprint(p.Class)), percent, " ", bar)
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// renderHeatmap shows one shaded cell per tile.
func renderHeatmap(h *inference.Heatmap) string {
	var sb strings.Builder
	for row := range h.Rows {
		for col := range h.Cols {
			sb.WriteString(shade(h.At(row, col)))
		}
		if row < h.Rows-1 {
			sb.WriteByte('\n')
		}
	}
	title := fmt.Sprintf("Occlusion heatmap for %d", h.Class)
	return lipgloss.JoinVertical(lipgloss.Left, topStyle.Render(title), boxStyle.Render(sb.String()))
}
