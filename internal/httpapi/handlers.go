package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/klyne-labs/medintel-gateway/internal/federation"
	"github.com/klyne-labs/medintel-gateway/internal/imaging"
	"github.com/klyne-labs/medintel-gateway/internal/intent"
	"github.com/klyne-labs/medintel-gateway/internal/toolpool"
)

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"service": "medgateway", "status": "ok"})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleMedicalHealth(c *gin.Context) {
	health := gin.H{"status": "ok"}
	if s.Tools != nil {
		health["tools"] = s.Tools.HealthSnapshot()
	}
	c.JSON(http.StatusOK, health)
}

func (s *Server) handleListTools(c *gin.Context) {
	if s.Tools == nil {
		c.JSON(http.StatusOK, gin.H{"providers": map[string]toolpool.ProviderCapability{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": s.Tools.CapabilitySnapshot()})
}

func (s *Server) handleComplianceReport(c *gin.Context) {
	report := gin.H{
		"hipaaAuditEnabled":  s.Config.HIPAAAuditEnabled,
		"requireDisclaimer":  s.Config.RequireDisclaimer,
		"auditRecordsDropped": s.Audit.DroppedCount(),
		"activeSessions":     s.Sessions.Len(),
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleCreateSession(c *gin.Context) {
	st, err := s.Sessions.Create()
	if err != nil {
		writeError(c, newAPIError(CodeInternalError, "failed to create session"))
		return
	}
	token := s.Security.SessionToken(st.ID, st.ExpiresAt)
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": st.ExpiresAt})
}

// handleMedicalChat accepts a multipart form so a free-text message can
// carry an optional attached image alongside structured patient context
// and conversation history, rather than forcing those onto query params.
func (s *Server) handleMedicalChat(c *gin.Context) {
	message := c.PostForm("message")
	if message == "" {
		writeError(c, newAPIError(CodeMissingField, "message is required"))
		return
	}

	var patientContext map[string]any
	if raw := c.PostForm("patientContext"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &patientContext); err != nil {
			writeError(c, newAPIError(CodeInvalidField, "patientContext must be a JSON object"))
			return
		}
	}

	var tail []string
	if raw := c.PostForm("conversationHistory"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &tail); err != nil {
			writeError(c, newAPIError(CodeInvalidField, "conversationHistory must be a JSON array of strings"))
			return
		}
	}

	var artifact *imaging.Artifact
	var files []intent.FileDescriptor
	file, header, err := c.Request.FormFile("medicalImage")
	switch {
	case err == nil:
		defer file.Close()
		maxImageBytes := int64(s.Config.MaxImageSizeMB) << 20
		if header.Size > maxImageBytes {
			writeError(c, newAPIError(CodePayloadTooLarge, "upload exceeds maximum allowed size"))
			return
		}
		if allowed := s.allowedImageMIME(); len(allowed) > 0 && !allowed[header.Header.Get("Content-Type")] {
			writeError(c, newAPIError(CodeUnsupportedMedia, "unsupported image media type"))
			return
		}
		data := make([]byte, header.Size)
		if _, err := file.Read(data); err != nil {
			writeError(c, newAPIError(CodeInvalidImage, "could not read uploaded image"))
			return
		}
		artifact, err = s.Imaging.Process(uuid.NewString(), data)
		if err != nil {
			writeImagingError(c, err)
			return
		}
		files = []intent.FileDescriptor{{Filename: header.Filename, MIME: header.Header.Get("Content-Type")}}
	case errors.Is(err, http.ErrMissingFile):
		// medicalImage is optional on this route.
	default:
		writeError(c, newAPIError(CodeInvalidImage, "could not read uploaded image"))
		return
	}

	s.synthesizeAndRespondFull(c, message, files, tail, patientContext, artifact)
}

type differentialDiagnosisRequest struct {
	Symptoms       string         `json:"symptoms" binding:"required"`
	PatientContext map[string]any `json:"patientContext"`
}

func (s *Server) handleDifferentialDiagnosis(c *gin.Context) {
	var req differentialDiagnosisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, newAPIError(CodeMissingField, "symptoms is required"))
		return
	}
	s.synthesizeAndRespondWithContext(c, req.Symptoms, nil, nil, req.PatientContext)
}

type clinicalTrialsRequest struct {
	Condition string `json:"condition" binding:"required"`
}

func (s *Server) handleClinicalTrials(c *gin.Context) {
	var req clinicalTrialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, newAPIError(CodeMissingField, "condition is required"))
		return
	}
	s.synthesizeAndRespond(c, req.Condition, nil, nil)
}

type drugInteractionsRequest struct {
	Medications []string `json:"medications" binding:"required"`
}

func (s *Server) handleDrugInteractions(c *gin.Context) {
	var req drugInteractionsRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Medications) == 0 {
		writeError(c, newAPIError(CodeMissingField, "medications is required"))
		return
	}
	query := "Check drug interactions for: "
	for i, med := range req.Medications {
		if i > 0 {
			query += ", "
		}
		query += med
	}
	s.synthesizeAndRespond(c, query, nil, nil)
}

func (s *Server) handleImageAnalysis(c *gin.Context) {
	file, header, err := c.Request.FormFile("image")
	if err != nil {
		writeError(c, newAPIError(CodeMissingField, "missing image field"))
		return
	}
	defer file.Close()

	data := make([]byte, header.Size)
	if _, err := file.Read(data); err != nil {
		writeError(c, newAPIError(CodeInvalidImage, "could not read uploaded image"))
		return
	}

	artifact, err := s.Imaging.Process(uuid.NewString(), data)
	if err != nil {
		writeImagingError(c, err)
		return
	}

	query := c.PostForm("query")
	if query == "" {
		query = "Analyze this medical image."
	}

	files := []intent.FileDescriptor{{Filename: header.Filename, MIME: header.Header.Get("Content-Type")}}
	s.synthesizeAndRespondWithImage(c, query, files, artifact)
}

func (s *Server) synthesizeAndRespond(c *gin.Context, query string, files []intent.FileDescriptor, tail []string) {
	s.synthesizeAndRespondFull(c, query, files, tail, nil, nil)
}

func (s *Server) synthesizeAndRespondWithImage(c *gin.Context, query string, files []intent.FileDescriptor, artifact *imaging.Artifact) {
	s.synthesizeAndRespondFull(c, query, files, nil, nil, artifact)
}

func (s *Server) synthesizeAndRespondWithContext(c *gin.Context, query string, files []intent.FileDescriptor, tail []string, patientContext map[string]any) {
	s.synthesizeAndRespondFull(c, query, files, tail, patientContext, nil)
}

// synthesizeAndRespondFull is the single path every chat-shaped handler
// funnels through once it has parsed its own wire format; it owns intent
// classification and the one call into Orchestrator.Synthesize.
func (s *Server) synthesizeAndRespondFull(c *gin.Context, query string, files []intent.FileDescriptor, tail []string, patientContext map[string]any, artifact *imaging.Artifact) {
	available := map[string]bool{}
	if s.Tools != nil {
		for provider, healthy := range s.Tools.HealthSnapshot() {
			available[provider] = healthy
		}
	}
	analysis := intent.Classify(query, files, available)

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.Config.RequestDeadline)
	defer cancel()

	resp, err := s.Orchestrator.Synthesize(ctx, federation.Request{
		SessionID:        sessionIDFromContext(c),
		Query:            query,
		Intent:           analysis,
		Image:            artifact,
		PatientContext:   patientContext,
		ConversationTail: boundTail(tail, 5),
		Deadline:         time.Now().Add(s.Config.RequestDeadline),
	})
	if err != nil {
		writeError(c, newAPIError(CodeInternalError, "synthesis failed"))
		return
	}
	c.JSON(http.StatusOK, resp)
}

// writeImagingError maps a Pipeline.Process failure class to its
// documented HTTP status rather than collapsing every imaging failure
// onto CodeInvalidImage/400.
func writeImagingError(c *gin.Context, err error) {
	var imgErr *imaging.Error
	if !errors.As(err, &imgErr) {
		writeError(c, newAPIError(CodeInvalidImage, err.Error()))
		return
	}
	switch imgErr.Class {
	case imaging.FailureTooLarge:
		writeError(c, newAPIError(CodePayloadTooLarge, imgErr.Error()))
	case imaging.FailureUnsupportedFormat:
		writeError(c, newAPIError(CodeUnsupportedMedia, imgErr.Error()))
	case imaging.FailureTranscodeFailed:
		writeError(c, newAPIError(CodeInternalError, imgErr.Error()))
	default:
		writeError(c, newAPIError(CodeInvalidImage, imgErr.Error()))
	}
}

func boundTail(tail []string, n int) []string {
	if len(tail) <= n {
		return tail
	}
	return tail[len(tail)-n:]
}

func sessionIDFromContext(c *gin.Context) string {
	if id, ok := c.Get(sessionContextKey); ok {
		return id.(string)
	}
	return ""
}
