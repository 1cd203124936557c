package cmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"docflow/internal/app"
	"docflow/internal/models"
	"docflow/internal/services"
)

var (
	parseResumeFrom string
	parseWait       bool
)

var parseCmd = &cobra.Command{
	Use:   "parse [document-id]",
	Short: "Start or resume a parse run for a document",
	Long: `Enqueues a parse run for a registered document. The worker executes the
workflow; this command returns as soon as the task is enqueued unless --wait
is given. --resume-from restarts a failed run at the named step, reusing the
cached results of the steps before it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		doc, info, err := appInstance.IngestService.StartParse(cmd.Context(), services.StartParseParams{
			DocumentID: args[0],
			ResumeFrom: models.StepName(parseResumeFrom),
		})
		if err != nil {
			return fmt.Errorf("failed to start parse: %w", err)
		}

		if parseResumeFrom != "" {
			fmt.Printf("Parse run enqueued for %q from step %s: task %s on queue %q\n",
				doc.Name, parseResumeFrom, info.ID, info.Queue)
		} else {
			fmt.Printf("Parse run enqueued for %q: task %s on queue %q\n", doc.Name, info.ID, info.Queue)
		}

		if !parseWait {
			fmt.Printf("Track it with: docflow status %s\n", doc.ID)
			return nil
		}
		return waitForParse(cmd, appInstance, doc.ID)
	},
}

// waitForParse polls the document until it leaves PROCESSING.
func waitForParse(cmd *cobra.Command, appInstance *app.App, documentID string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	lastLine := ""
	for {
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-ticker.C:
		}

		status, err := appInstance.IngestService.ParseStatus(cmd.Context(), documentID)
		if err != nil {
			return fmt.Errorf("failed to poll parse status: %w", err)
		}

		doc := status.Document
		line := fmt.Sprintf("%3d%%  %-10s %s", doc.Progress, doc.Status, doc.Message)
		if line != lastLine {
			fmt.Println(line)
			lastLine = line
		}

		switch doc.Status {
		case models.DocStatusCompleted:
			fmt.Printf("%s %d chunks indexed.\n", color.GreenString("Parse completed."), doc.ChunkCount)
			return nil
		case models.DocStatusFailed:
			return fmt.Errorf("parse failed: %s", doc.Message)
		case models.DocStatusCancelled:
			fmt.Println(color.YellowString("Parse cancelled."))
			return nil
		}
	}
}

func init() {
	rootCmd.AddCommand(parseCmd)

	parseCmd.Flags().StringVarP(&parseResumeFrom, "resume-from", "r", "", "Step to resume at (INIT, FETCH_CONTENT, PARSE, EXTRACT_BLOCKS, PROCESS_CHUNKS, FINALIZE)")
	parseCmd.Flags().BoolVarP(&parseWait, "wait", "w", false, "Block until the run reaches a terminal status")
}
