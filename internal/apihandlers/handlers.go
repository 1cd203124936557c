package apihandlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"docflow/internal/app"
	"docflow/internal/models"
	"docflow/internal/services"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

type APIHandler struct {
	App *app.App
}

func NewAPIHandler(app *app.App) *APIHandler {
	return &APIHandler{App: app}
}

// --- Knowledge bases ---

func (h *APIHandler) CreateKnowledgeBaseHandler(c *gin.Context) {
	req, err := parseCreateKnowledgeBaseRequest(c)
	if err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	// Unset embedding fields inherit the server's configured provider so a
	// bare {"name": ...} body creates a usable knowledge base.
	if req.EmbedModel == "" {
		req.EmbedModel = h.App.Config.Embedding.Model
	}
	if req.EmbedDim == 0 {
		req.EmbedDim = h.App.Config.Embedding.Dimension
	}

	kb, err := h.App.IngestService.CreateKnowledgeBase(c.Request.Context(), services.CreateKnowledgeBaseParams{
		Name:       req.Name,
		CreatedBy:  req.CreatedBy,
		EmbedModel: req.EmbedModel,
		EmbedDim:   req.EmbedDim,
	})
	if err != nil {
		RespondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": kb})
}

// parseCreateKnowledgeBaseRequest parses and validates the create request body.
func parseCreateKnowledgeBaseRequest(c *gin.Context) (CreateKnowledgeBaseRequest, error) {
	var req CreateKnowledgeBaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return req, err
	}
	if req.Name == "" {
		return req, fmt.Errorf("missing required field: name")
	}
	return req, nil
}

func (h *APIHandler) GetKnowledgeBaseHandler(c *gin.Context) {
	kb, err := h.App.IngestService.GetKnowledgeBase(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": kb})
}

// --- Documents ---

// RegisterDocumentHandler accepts a multipart upload ("file" plus optional
// "name" and "kind" fields), stores the bytes, and records the document. The
// document stays in INIT until a parse run is started for it.
func (h *APIHandler) RegisterDocumentHandler(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, "Missing multipart 'file' field: "+err.Error())
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		Internal(c, "RegisterDocumentHandler: failed to open upload: "+err.Error())
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		Internal(c, "RegisterDocumentHandler: failed to read upload: "+err.Error())
		return
	}

	name := c.PostForm("name")
	if name == "" {
		name = fileHeader.Filename
	}

	doc, err := h.App.IngestService.RegisterDocument(c.Request.Context(), services.RegisterDocumentParams{
		KBID: c.Param("id"),
		Name: name,
		Data: data,
		Kind: models.DocKind(c.PostForm("kind")),
	})
	if err != nil {
		RespondError(c, err)
		return
	}

	log.WithFields(log.Fields{
		"document_id": doc.ID,
		"kb_id":       doc.KBID,
		"name":        doc.Name,
		"size_bytes":  doc.SizeBytes,
	}).Info("API document registered")

	c.JSON(http.StatusCreated, gin.H{"data": doc})
}

func (h *APIHandler) ListDocumentsHandler(c *gin.Context) {
	limit, offset, err := parseListWindow(c, 20)
	if err != nil {
		BadRequest(c, "Invalid query parameters: "+err.Error())
		return
	}

	docs, err := h.App.IngestService.ListDocuments(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": docs})
}

// parseListWindow parses the limit/offset query pair shared by list endpoints.
func parseListWindow(c *gin.Context, defaultLimit int) (int, int, error) {
	limit := defaultLimit
	offset := 0

	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		} else {
			return 0, 0, fmt.Errorf("invalid limit: %s", l)
		}
	}
	if o := c.Query("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		} else {
			return 0, 0, fmt.Errorf("invalid offset: %s", o)
		}
	}
	return limit, offset, nil
}

// --- Parse runs ---

// StartParseHandler admits a parse run for a document and enqueues the task.
// An optional JSON body names a resume step. A run already in flight for the
// document is a 409.
func (h *APIHandler) StartParseHandler(c *gin.Context) {
	req, err := parseStartParseRequest(c)
	if err != nil {
		BadRequest(c, "Invalid request body: "+err.Error())
		return
	}

	doc, info, err := h.App.IngestService.StartParse(c.Request.Context(), services.StartParseParams{
		DocumentID: c.Param("id"),
		ResumeFrom: models.StepName(req.ResumeFrom),
	})
	if err != nil {
		RespondError(c, err)
		return
	}

	log.WithFields(log.Fields{
		"document_id": doc.ID,
		"task_id":     info.ID,
		"queue":       info.Queue,
		"resume_from": req.ResumeFrom,
	}).Info("API parse run enqueued")

	c.JSON(http.StatusAccepted, gin.H{"data": StartParseResponse{
		Document: doc,
		TaskID:   info.ID,
		Queue:    info.Queue,
	}})
}

// parseStartParseRequest reads the optional body. No body means a full run.
func parseStartParseRequest(c *gin.Context) (StartParseRequest, error) {
	var req StartParseRequest
	if c.Request.ContentLength == 0 {
		return req, nil
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		return req, err
	}
	return req, nil
}

func (h *APIHandler) CancelParseHandler(c *gin.Context) {
	documentID := c.Param("id")
	if err := h.App.IngestService.CancelParse(c.Request.Context(), documentID); err != nil {
		RespondError(c, err)
		return
	}

	log.WithField("document_id", documentID).Info("API parse run cancelled")

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"document_id": documentID,
		"cancelled":   true,
	}})
}

// --- Status queries ---

func (h *APIHandler) ParseStatusHandler(c *gin.Context) {
	status, err := h.App.IngestService.ParseStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": status})
}

func (h *APIHandler) StepStatusHandler(c *gin.Context) {
	documentID := c.Param("id")
	step := c.Param("step")

	status, err := h.App.IngestService.StepStatus(c.Request.Context(), documentID, step)
	if err != nil {
		RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": StepStatusResponse{
		DocumentID: documentID,
		Step:       models.StepName(step),
		Status:     status,
	}})
}

func (h *APIHandler) ListRunsHandler(c *gin.Context) {
	limit, _, err := parseListWindow(c, 10)
	if err != nil {
		BadRequest(c, "Invalid query parameters: "+err.Error())
		return
	}

	runs, err := h.App.IngestService.ListRuns(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		RespondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": runs})
}

// --- Request/response types ---

// CreateKnowledgeBaseRequest is the JSON body for creating a knowledge base.
type CreateKnowledgeBaseRequest struct {
	Name       string `json:"name"`
	CreatedBy  string `json:"created_by"`
	EmbedModel string `json:"embed_model"`
	EmbedDim   int    `json:"embed_dim"`
}

// StartParseRequest is the optional JSON body for starting a parse run.
type StartParseRequest struct {
	ResumeFrom string `json:"resume_from"`
}

// StartParseResponse reports the admitted document and the enqueued task.
type StartParseResponse struct {
	Document *models.Document `json:"document"`
	TaskID   string           `json:"task_id"`
	Queue    string           `json:"queue"`
}

// StepStatusResponse reports the lifecycle state of a single step.
type StepStatusResponse struct {
	DocumentID string            `json:"document_id"`
	Step       models.StepName   `json:"step"`
	Status     models.StepStatus `json:"status"`
}
