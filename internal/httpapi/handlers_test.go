package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/klyne-labs/medintel-gateway/internal/audit"
	"github.com/klyne-labs/medintel-gateway/internal/config"
	"github.com/klyne-labs/medintel-gateway/internal/federation"
	"github.com/klyne-labs/medintel-gateway/internal/imaging"
	"github.com/klyne-labs/medintel-gateway/internal/llm"
	"github.com/klyne-labs/medintel-gateway/internal/ratelimit"
	"github.com/klyne-labs/medintel-gateway/internal/security"
	"github.com/klyne-labs/medintel-gateway/internal/session"
	"github.com/klyne-labs/medintel-gateway/internal/toolpool"
)

// stubProvider is a fake llm.Provider used to drive the orchestrator
// through handler tests without any network dependency.
type stubProvider struct {
	name string
	text string
	err  error
}

func (p *stubProvider) Name() string { return p.name }
func (p *stubProvider) Generate(ctx context.Context, systemPrompt, userPrompt string, params llm.Params) (string, error) {
	return p.text, p.err
}

func newTestServer(t *testing.T) (*Server, func()) {
	t.Helper()
	dir := t.TempDir()

	sink, err := audit.New(dir)
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}

	sec, err := security.NewService("enc-secret-enc-secret", "token-secret-token")
	if err != nil {
		t.Fatalf("security.NewService: %v", err)
	}

	sessions := session.New(time.Minute)
	limiter := ratelimit.New(ratelimit.Config{
		WindowSize:      time.Minute,
		DefaultMax:      1000,
		MedicalMax:      1000,
		GlobalBurstRPS:  1000,
		GlobalBurstSize: 1000,
	})

	pool := toolpool.NewPool(map[string]string{})

	chain := &llm.Chain{
		Primary: &stubProvider{name: "stub-primary", text: `{"summary":"test summary","findings":[],"recommendations":[],"confidence":0.9}`},
	}

	orch := federation.New(pool, chain, sink, true)

	imgPipeline, err := imaging.NewPipeline(dir, time.Hour, 10<<20)
	if err != nil {
		t.Fatalf("imaging.NewPipeline: %v", err)
	}

	cfg := config.Config{
		HIPAAAuditEnabled:     true,
		RequireDisclaimer:     true,
		MaxImageSizeMB:        10,
		SupportedImageFormats: []string{"jpeg", "jpg", "png"},
		RequestDeadline:       5 * time.Second,
	}

	srv := NewServer(Server{
		Config:       cfg,
		Audit:        sink,
		Security:     sec,
		Sessions:     sessions,
		RateLimit:    limiter,
		Tools:        pool,
		Imaging:      imgPipeline,
		Orchestrator: orch,
	})

	return srv, func() {
		sec.Destroy()
		_ = sink.Close()
	}
}

func TestHandleHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
}

func TestHandleCreateSessionThenProtectedRoute(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("create session: got status %d, want 200, body=%s", rec.Code, rec.Body.String())
	}

	var created struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create-session response: %v", err)
	}
	if created.Token == "" {
		t.Fatalf("expected a non-empty token")
	}

	toolsReq := httptest.NewRequest(http.MethodGet, "/api/medical/tools", nil)
	toolsReq.Header.Set("Authorization", "Bearer "+created.Token)
	toolsRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(toolsRec, toolsReq)
	if toolsRec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200, body=%s", toolsRec.Code, toolsRec.Body.String())
	}
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/api/medical/tools", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", rec.Code)
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Code != CodeNoSessionToken {
		t.Fatalf("got code %q, want %q", body.Code, CodeNoSessionToken)
	}
}

func TestHandleMedicalChat(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	sessReq := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	sessRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(sessRec, sessReq)
	var created struct {
		Token string `json:"token"`
	}
	json.Unmarshal(sessRec.Body.Bytes(), &created)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	writer.WriteField("message", "What are the symptoms of influenza?")
	writer.WriteField("patientContext", `{"age":41}`)
	writer.WriteField("conversationHistory", `["Have you had a fever?"]`)
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/medical-chat", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+created.Token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp federation.SynthesizedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Summary == "" {
		t.Fatalf("expected non-empty summary")
	}
}

func TestHandleMedicalChatMissingMessageReturnsMissingField(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	sessReq := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	sessRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(sessRec, sessReq)
	var created struct {
		Token string `json:"token"`
	}
	json.Unmarshal(sessRec.Body.Bytes(), &created)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/medical-chat", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+created.Token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
	var errBody errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody.Code != CodeMissingField {
		t.Fatalf("got code %q, want %q", errBody.Code, CodeMissingField)
	}
}

func TestHandleMedicalChatInvalidPatientContextReturnsInvalidField(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	sessReq := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	sessRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(sessRec, sessReq)
	var created struct {
		Token string `json:"token"`
	}
	json.Unmarshal(sessRec.Body.Bytes(), &created)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	writer.WriteField("message", "What are the symptoms of influenza?")
	writer.WriteField("patientContext", "not json")
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/medical-chat", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+created.Token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400, body=%s", rec.Code, rec.Body.String())
	}
	var errBody errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody.Code != CodeInvalidField {
		t.Fatalf("got code %q, want %q", errBody.Code, CodeInvalidField)
	}
}

func TestHandleMedicalChatWithAttachedImage(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	sessReq := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	sessRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(sessRec, sessReq)
	var created struct {
		Token string `json:"token"`
	}
	json.Unmarshal(sessRec.Body.Bytes(), &created)

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 200, B: 10, A: 255})
		}
	}
	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	writer.WriteField("message", "What does this rash look like?")
	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", `form-data; name="medicalImage"; filename="rash.png"`)
	partHeader.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(partHeader)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	part.Write(pngBuf.Bytes())
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/medical-chat", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+created.Token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestHandleImageAnalysis(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	sessReq := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	sessRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(sessRec, sessReq)
	var created struct {
		Token string `json:"token"`
	}
	json.Unmarshal(sessRec.Body.Bytes(), &created)

	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", `form-data; name="image"; filename="lesion.png"`)
	partHeader.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(partHeader)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	part.Write(pngBuf.Bytes())
	writer.WriteField("query", "Is this lesion concerning?")
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/medical/image-analysis", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+created.Token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
}

func TestSetSupportedImageFormatsAppliesLive(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	sessReq := httptest.NewRequest(http.MethodPost, "/api/session", nil)
	sessRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(sessRec, sessReq)
	var created struct {
		Token string `json:"token"`
	}
	json.Unmarshal(sessRec.Body.Bytes(), &created)

	srv.SetSupportedImageFormats([]string{"jpeg"})

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	partHeader := make(textproto.MIMEHeader)
	partHeader.Set("Content-Disposition", `form-data; name="image"; filename="lesion.png"`)
	partHeader.Set("Content-Type", "image/png")
	part, err := writer.CreatePart(partHeader)
	if err != nil {
		t.Fatalf("CreatePart: %v", err)
	}
	part.Write(pngBuf.Bytes())
	writer.WriteField("query", "Is this lesion concerning?")
	writer.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/medical/image-analysis", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+created.Token)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("got status %d, want 415 once png is no longer in the live-tuned format list, body=%s", rec.Code, rec.Body.String())
	}
}

func TestLegacyChatRouteRedirects(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusPermanentRedirect {
		t.Fatalf("got status %d, want 308", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/api/medical-chat" {
		t.Fatalf("got Location %q, want /api/medical-chat", loc)
	}
}
