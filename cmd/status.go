package cmd

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"docflow/internal/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [document-id]",
	Short: "Show a document's parse status and per-step progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		res, err := appInstance.IngestService.ParseStatus(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get parse status: %w", err)
		}

		doc := res.Document
		fmt.Printf("Document: %s (%s)\n", doc.Name, doc.ID)
		fmt.Printf("Status:   %s\n", colorDocStatus(doc.Status))
		fmt.Printf("Progress: %d%%\n", doc.Progress)
		if doc.Message != "" {
			fmt.Printf("Message:  %s\n", doc.Message)
		}
		fmt.Printf("Chunks:   %d\n", doc.ChunkCount)
		if res.Run != nil {
			fmt.Printf("Last run: task %s [%s]", res.Run.TaskID, res.Run.Status)
			if res.Run.ResumeFrom != "" {
				fmt.Printf(" resumed from %s", res.Run.ResumeFrom)
			}
			fmt.Println()
		}
		fmt.Println()

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Step", "Status"})
		table.SetBorder(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)

		for _, s := range res.Steps {
			table.Append([]string{string(s.Name), colorStepStatus(s.Status)})
		}
		table.Render()
		return nil
	},
}

func colorDocStatus(s models.DocumentStatus) string {
	switch s {
	case models.DocStatusCompleted:
		return color.GreenString(string(s))
	case models.DocStatusProcessing:
		return color.CyanString(string(s))
	case models.DocStatusFailed:
		return color.RedString(string(s))
	case models.DocStatusCancelled:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func colorStepStatus(s models.StepStatus) string {
	switch s {
	case models.StepCompleted:
		return color.GreenString(string(s))
	case models.StepRunning:
		return color.CyanString(string(s))
	case models.StepFailed:
		return color.RedString(string(s))
	case models.StepSkipped:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
