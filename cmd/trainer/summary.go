package main

import (
	"fmt"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/mnistdnn/internal/mnist"
	"github.com/janpfeifer/mnistdnn/internal/trainer"
	"strings"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	bestStyle   = cellStyle.Foreground(lipgloss.Color("10"))
)

// renderSummary of the training run: one row per epoch, the best epoch highlighted.
func renderSummary(config trainer.Config, result *trainer.Result) string {
	rows := make([][]string, 0, len(result.History))
	for _, stats := range result.History {
		checkpointed := ""
		if stats.Checkpointed {
			checkpointed = "✓"
		}
		rows = append(rows, []string{
			fmt.Sprint(stats.Epoch),
			fmt.Sprintf("%.4f", stats.Loss),
			fmt.Sprintf("%.2f%%", 100*stats.ValidationAccuracy),
			fmt.Sprintf("%g", stats.LearningRate),
			checkpointed,
		})
	}
	bestRow := result.BestEpoch - 1
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#705090"))).
		Headers("Epoch", "Loss", "Validation", "Learning Rate", "Saved").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row == bestRow:
				return bestStyle
			}
			return cellStyle
		})

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Training summary"))
	sb.WriteString("\n")
	sb.WriteString(t.Render())
	sb.WriteString(fmt.Sprintf("\nBest epoch %d (validation %.2f%%), test accuracy %s, checkpoint %s\n",
		result.BestEpoch, 100*result.BestValidationAccuracy,
		titleStyle.Render(fmt.Sprintf("%.2f%%", 100*result.TestAccuracy)), config.CheckpointPath))
	sb.WriteString(fmt.Sprintf("%s epochs of %s examples in batches of %d\n",
		humanize.Comma(int64(len(result.History))), humanize.Comma(int64(mnist.TrainSize-config.ValidationSize)), config.BatchSize))
	return sb.String()
}
