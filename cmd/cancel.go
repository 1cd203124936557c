package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [document-id]",
	Short: "Cancel an in-flight parse run",
	Long: `Requests cancellation of the document's running parse. The worker observes
the request between steps, so the run stops at the next step boundary; the
step in flight is allowed to finish.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		if err := appInstance.IngestService.CancelParse(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("failed to cancel parse: %w", err)
		}

		fmt.Printf("Cancellation requested for document %s.\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
