package cmd

import (
	"fmt"
	"net/http"

	"docflow/internal/apihandlers"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serveAddr string // Listen address
	servePort string // Listen port
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the docflow HTTP API server",
	Long: `Starts an HTTP server exposing knowledge base and document management:
registering documents, starting and cancelling parse runs, and querying
per-step progress. Parse runs execute on the worker, not in this process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		defer appInstance.Close()

		router := gin.Default() // Includes logger and recovery middleware

		apiHandler := apihandlers.NewAPIHandler(appInstance)

		v1 := router.Group("/api/v1")
		{
			kbGroup := v1.Group("/kbs")
			{
				kbGroup.POST("", apiHandler.CreateKnowledgeBaseHandler)
				kbGroup.GET("/:id", apiHandler.GetKnowledgeBaseHandler)
				kbGroup.POST("/:id/documents", apiHandler.RegisterDocumentHandler)
				kbGroup.GET("/:id/documents", apiHandler.ListDocumentsHandler)
			}

			docGroup := v1.Group("/documents")
			{
				docGroup.POST("/:id/parse", apiHandler.StartParseHandler)
				docGroup.POST("/:id/parse/cancel", apiHandler.CancelParseHandler)
				docGroup.GET("/:id/progress", apiHandler.ParseStatusHandler)
				docGroup.GET("/:id/steps/:step", apiHandler.StepStatusHandler)
				docGroup.GET("/:id/runs", apiHandler.ListRunsHandler)
			}
		}

		// Simple health check endpoint
		router.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})

		// Flags win over the config file; the config wins over the
		// compiled-in defaults.
		host, port := serveAddr, servePort
		if !cmd.Flags().Changed("addr") && appInstance.Config.Server.Addr != "" {
			host = appInstance.Config.Server.Addr
		}
		if !cmd.Flags().Changed("port") && appInstance.Config.Server.Port != "" {
			port = appInstance.Config.Server.Port
		}

		listenAddr := fmt.Sprintf("%s:%s", host, port)
		log.WithField("addr", listenAddr).Info("Starting docflow API server")

		// router.Run blocks unless an error occurs
		if err := router.Run(listenAddr); err != nil {
			return fmt.Errorf("failed to run API server: %w", err)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "localhost", "Address to listen on (e.g., '0.0.0.0' for all interfaces)")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on")
}
