package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"docflow/internal/clix"
	"docflow/internal/services"
)

var (
	kbName      string
	kbCreatedBy string
	kbModel     string
	kbDim       int
)

// kbCmd groups knowledge base management subcommands.
var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Manage knowledge bases",
}

var kbCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a knowledge base",
	Long: `Creates a knowledge base that documents can be ingested into. The embedding
model and dimension default to the configured provider; chunks from every
document in the knowledge base are embedded with that model.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		if kbName == "" {
			return fmt.Errorf("--name is required")
		}

		model := kbModel
		if model == "" {
			model = appInstance.Config.Embedding.Model
		}
		dim := kbDim
		if dim == 0 {
			dim = appInstance.Config.Embedding.Dimension
		}

		kb, err := appInstance.IngestService.CreateKnowledgeBase(cmd.Context(), services.CreateKnowledgeBaseParams{
			Name:       kbName,
			CreatedBy:  kbCreatedBy,
			EmbedModel: model,
			EmbedDim:   dim,
		})
		if err != nil {
			return fmt.Errorf("failed to create knowledge base: %w", err)
		}

		fmt.Printf("Knowledge base created: %s\n", kb.ID)
		fmt.Printf("  Name:  %s\n", kb.Name)
		fmt.Printf("  Model: %s\n", kb.EmbedModel)
		fmt.Printf("  Dim:   %d\n", kb.EmbedDim)
		return nil
	},
}

var kbGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show a knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		kb, err := appInstance.IngestService.GetKnowledgeBase(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to get knowledge base: %w", err)
		}

		fmt.Printf("ID:      %s\n", kb.ID)
		fmt.Printf("Name:    %s\n", kb.Name)
		fmt.Printf("Model:   %s\n", kb.EmbedModel)
		fmt.Printf("Dim:     %d\n", kb.EmbedDim)
		fmt.Printf("Chunks:  %d\n", kb.ChunkCount)
		fmt.Printf("Created: %s\n", kb.CreatedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

var kbDocsCmd = &cobra.Command{
	Use:   "docs [id]",
	Short: "List documents in a knowledge base",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		page, err := clix.ParsePagination(cmd.Flags())
		if err != nil {
			return err
		}

		docs, err := appInstance.IngestService.ListDocuments(cmd.Context(), args[0], page.Limit, page.Offset)
		if err != nil {
			return fmt.Errorf("failed to list documents: %w", err)
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "Name", "Kind", "Status", "Progress", "Chunks"})
		table.SetBorder(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)

		for _, d := range docs {
			table.Append([]string{
				d.ID,
				d.Name,
				string(d.Kind),
				string(d.Status),
				strconv.Itoa(d.Progress) + "%",
				strconv.Itoa(d.ChunkCount),
			})
		}
		table.Render()
		return nil
	},
}

func init() {
	kbCreateCmd.Flags().StringVarP(&kbName, "name", "n", "", "Knowledge base name (required)")
	kbCreateCmd.Flags().StringVar(&kbCreatedBy, "created-by", "", "Creator identifier recorded on the knowledge base")
	kbCreateCmd.Flags().StringVar(&kbModel, "model", "", "Embedding model (defaults to the configured provider)")
	kbCreateCmd.Flags().IntVar(&kbDim, "dim", 0, "Embedding dimension (defaults to the configured provider)")

	kbDocsCmd.Flags().IntP("limit", "l", 20, "Number of documents to display")
	kbDocsCmd.Flags().IntP("offset", "o", 0, "Number of documents to skip")

	kbCmd.AddCommand(kbCreateCmd)
	kbCmd.AddCommand(kbGetCmd)
	kbCmd.AddCommand(kbDocsCmd)
	rootCmd.AddCommand(kbCmd)
}
