package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"docflow/internal/app"
	"docflow/internal/clix"
	"docflow/internal/fileingest"
	"docflow/internal/inputprocessor"
	"docflow/internal/services"
)

var (
	ingestKB    string
	ingestName  string
	ingestParse bool
	ingestExts  string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [path|url]",
	Short: "Register a document in a knowledge base",
	Long: `Registers a file, every matching file in a directory, or a document
downloaded from an http(s) URL in a knowledge base: the raw bytes are
uploaded to object storage and a document record is created. Registration
alone does not parse anything; pass --parse to enqueue a parse run per
document, or start one later with 'docflow parse'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		if ingestKB == "" {
			return fmt.Errorf("--kb is required")
		}

		if inputprocessor.IsURL(args[0]) {
			return ingestURL(cmd, appInstance, args[0])
		}

		absInput, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve path %q: %w", args[0], err)
		}

		stat, err := os.Stat(absInput)
		if err != nil {
			return fmt.Errorf("failed to stat %q: %w", absInput, err)
		}

		if stat.IsDir() {
			return ingestDirectory(cmd, appInstance, absInput)
		}
		return ingestFile(cmd, appInstance, absInput, ingestName)
	},
}

func ingestFile(cmd *cobra.Command, appInstance *app.App, path, name string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %q: %w", path, err)
	}

	if name == "" {
		name = filepath.Base(path)
	}
	return registerBytes(cmd, appInstance, name, data)
}

// ingestURL downloads a document and registers the bytes like a local file.
func ingestURL(cmd *cobra.Command, appInstance *app.App, rawURL string) error {
	fmt.Printf("Downloading %s\n", rawURL)
	in, err := inputprocessor.Fetch(cmd.Context(), rawURL)
	if err != nil {
		return fmt.Errorf("failed to download %q: %w", rawURL, err)
	}

	name := ingestName
	if name == "" {
		name = in.Name
	}
	return registerBytes(cmd, appInstance, name, in.Data)
}

func registerBytes(cmd *cobra.Command, appInstance *app.App, name string, data []byte) error {
	doc, err := appInstance.IngestService.RegisterDocument(cmd.Context(), services.RegisterDocumentParams{
		KBID: ingestKB,
		Name: name,
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("failed to register document: %w", err)
	}

	fmt.Printf("Document registered: %s (%s, %d bytes)\n", doc.ID, doc.Kind, doc.SizeBytes)

	if !ingestParse {
		fmt.Printf("Start parsing with: docflow parse %s\n", doc.ID)
		return nil
	}

	_, info, err := appInstance.IngestService.StartParse(cmd.Context(), services.StartParseParams{
		DocumentID: doc.ID,
	})
	if err != nil {
		return fmt.Errorf("failed to start parse: %w", err)
	}

	fmt.Printf("Parse run enqueued: task %s on queue %q. Track it with 'docflow status %s'.\n",
		info.ID, info.Queue, doc.ID)
	return nil
}

// ingestDirectory registers every non-hidden file under dir whose extension
// is in the --ext allowlist.
func ingestDirectory(cmd *cobra.Command, appInstance *app.App, dir string) error {
	fmt.Printf("Processing directory: %s\n", dir)

	files, inaccessible, err := fileingest.Discover(cmd.Context(), dir, clix.ParseExtensions(ingestExts))
	if err != nil {
		return fmt.Errorf("directory walk failed: %w", err)
	}

	var added, errored int
	for _, p := range inaccessible {
		fmt.Printf("  - %s accessing %s\n", color.RedString("ERROR"), p)
		errored++
	}
	for _, f := range files {
		if err := ingestFile(cmd, appInstance, f.Path, f.Name); err != nil {
			fmt.Printf("  - %s %s: %v\n", color.RedString("ERROR"), f.Path, err)
			errored++
			continue
		}
		added++
	}

	fmt.Println("------------------------------------")
	fmt.Printf("Files matched:    %d\n", len(files))
	fmt.Printf("Files registered: %d\n", added)
	fmt.Printf("Errors:           %d\n", errored)
	fmt.Println("------------------------------------")
	return nil
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVarP(&ingestKB, "kb", "k", "", "Knowledge base ID to ingest into (required)")
	ingestCmd.Flags().StringVarP(&ingestName, "name", "n", "", "Document name (defaults to the file name or URL path)")
	ingestCmd.Flags().BoolVarP(&ingestParse, "parse", "p", false, "Enqueue a parse run for each registered document")
	ingestCmd.Flags().StringVar(&ingestExts, "ext", "pdf,doc,docx,ppt,pptx,xls,xlsx,csv,txt,md,html", "Comma-separated extensions to include in directory mode")
}
