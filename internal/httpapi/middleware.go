package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/klyne-labs/medintel-gateway/internal/audit"
	"github.com/klyne-labs/medintel-gateway/internal/phi"
)

const sessionContextKey = "gateway.session_id"
const bodyContextKey = "gateway.scrubbed_body"

// writeError renders the fixed {error, code, timestamp, details?} body
// and aborts the chain; it is the only place that shape is built.
func writeError(c *gin.Context, err *apiError) {
	c.JSON(statusFor(err.Code), errorBody{
		Error:     err.Message,
		Code:      err.Code,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Details:   err.Details,
	})
	c.Abort()
}

// auditMiddleware emits one "http" audit record per request, regardless
// of outcome, matching the rule that every error path produces a record.
func (s *Server) auditMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		sessionHash := ""
		if id, ok := c.Get(sessionContextKey); ok {
			sessionHash = hashIdentifier(id.(string))
		}
		s.Audit.Emit(audit.Record{
			Kind:          audit.KindHTTP,
			SessionIDHash: sessionHash,
			Action:        c.Request.Method + " " + c.FullPath(),
			Outcome:       strconv.Itoa(c.Writer.Status()),
			Metadata: map[string]any{
				"duration_ms": time.Since(start).Milliseconds(),
				"status":      c.Writer.Status(),
			},
		})
	}
}

// phiScrubInboundMiddleware scrubs the request body and query string
// before any handler sees them. The scrubbed body is cached in the gin
// context under bodyContextKey since the original io.Reader is consumed.
func (s *Server) phiScrubInboundMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		for key, values := range c.Request.URL.Query() {
			for i, v := range values {
				scrubbed, _ := phi.Scrub(v)
				values[i] = scrubbed
			}
			c.Request.URL.Query()[key] = values
		}

		if c.Request.Body == nil {
			c.Next()
			return
		}
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
		if err != nil {
			writeError(c, newAPIError(CodeInvalidField, "could not read request body"))
			return
		}
		_ = c.Request.Body.Close()

		if len(raw) > 0 && json.Valid(raw) {
			var decoded any
			if err := json.Unmarshal(raw, &decoded); err == nil {
				scrubbed, _ := phi.ScrubRecord(decoded)
				raw, _ = json.Marshal(scrubbed)
			}
		}
		c.Set(bodyContextKey, raw)
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))
		c.Next()
	}
}

const maxBodyBytes = 64 << 20 // 64 MiB ceiling before per-route limits apply

// sessionMiddleware validates the bearer session token for protected
// routes, rejecting with the exact Auth error codes the spec names.
func (s *Server) sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			writeError(c, newAPIError(CodeNoSessionToken, "missing session token"))
			return
		}
		sessionID, err := s.Security.ValidateToken(token)
		if err != nil {
			writeError(c, newAPIError(CodeInvalidSession, "invalid session token"))
			return
		}
		if _, err := s.Sessions.Get(sessionID); err != nil {
			writeError(c, newAPIError(CodeSessionExpired, "session expired or inactive"))
			return
		}
		_ = s.Sessions.Touch(sessionID)
		c.Set(sessionContextKey, sessionID)
		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

// rateLimitMiddleware applies the sliding-window check keyed by session
// id when present, else the hashed peer address — never a raw IP.
func (s *Server) rateLimitMiddleware(endpointClass string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := ""
		if id, ok := c.Get(sessionContextKey); ok {
			identifier = id.(string)
		} else {
			identifier = hashIdentifier(c.ClientIP())
		}

		decision := s.RateLimit.Check(identifier, endpointClass)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if !decision.Allowed {
			s.Audit.Emit(audit.Record{
				Kind:     audit.KindSecurityEvent,
				Severity: audit.SeveritySecurity,
				Action:   "rate-limit",
				Outcome:  "rejected",
				Metadata: map[string]any{"endpoint_class": endpointClass},
			})
			writeError(c, newAPIError(CodeRateLimited, "rate limit exceeded"))
			return
		}
		c.Next()
	}
}

// uploadValidationMiddleware enforces the image size/media-type contract
// on multipart routes before a handler touches the file.
func (s *Server) uploadValidationMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.ContentType() != "multipart/form-data" {
			c.Next()
			return
		}
		if c.Request.ContentLength > maxBytes {
			writeError(c, newAPIError(CodePayloadTooLarge, "upload exceeds maximum allowed size"))
			return
		}
		file, header, err := c.Request.FormFile("image")
		if err != nil {
			writeError(c, newAPIError(CodeMissingField, "missing image field"))
			return
		}
		defer file.Close()
		allowedMIME := s.allowedImageMIME()
		if len(allowedMIME) > 0 && !allowedMIME[header.Header.Get("Content-Type")] {
			writeError(c, newAPIError(CodeUnsupportedMedia, "unsupported image media type"))
			return
		}
		c.Next()
	}
}

// phiScrubOutboundMiddleware scrubs any JSON response body written
// through c.JSON by wrapping the response writer.
func (s *Server) phiScrubOutboundMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		writer := &scrubbingWriter{ResponseWriter: c.Writer, buf: &bytes.Buffer{}}
		c.Writer = writer
		c.Next()
		if writer.buf.Len() == 0 {
			return
		}
		var decoded any
		if err := json.Unmarshal(writer.buf.Bytes(), &decoded); err != nil {
			_, _ = writer.ResponseWriter.Write(writer.buf.Bytes())
			return
		}
		scrubbed, _ := phi.ScrubRecord(decoded)
		out, _ := json.Marshal(scrubbed)
		_, _ = writer.ResponseWriter.Write(out)
	}
}

type scrubbingWriter struct {
	gin.ResponseWriter
	buf *bytes.Buffer
}

func (w *scrubbingWriter) Write(b []byte) (int, error) { return w.buf.Write(b) }

func hashIdentifier(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}
