package httptransport

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clipportal/backend/internal/config"
	"clipportal/backend/internal/domain"
	"clipportal/backend/internal/gate"
	"clipportal/backend/internal/health"
	"clipportal/backend/internal/monitoring"
	"clipportal/backend/internal/service"
	"clipportal/backend/internal/storage/filesystem"
	"clipportal/backend/internal/storage/memory"
)

func testConfig(mode string) *config.Config {
	return &config.Config{
		Mailbox:   config.MailboxConfig{CapabilityMode: mode, MaxContentBytes: 16},
		CORS:      config.CORSConfig{AllowedOrigins: []string{"*"}},
		RateLimit: config.RateLimitConfig{CreatePerHour: 100, SendPerMinute: 100},
	}
}

func newTestRouter(t *testing.T, cfg *config.Config) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := filesystem.NewStore(t.TempDir())
	require.NoError(t, err)

	metrics := monitoring.NewMetrics()
	relay := service.NewRelayService(store, gate.New(store, nil), cfg.Mailbox, nil, metrics)

	return NewRouter(RouterDependencies{
		Config:        cfg,
		RelayService:  relay,
		HealthChecker: health.NewHealthChecker(store, nil),
		Metrics:       metrics,
		RateLimit:     memory.NewStore(),
	})
}

func doJSON(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doSend(router *gin.Engine, receiverID, meta, content string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if meta != "" {
		_ = form.WriteField("meta", meta)
	}
	part, _ := form.CreateFormFile("file", "clipboard")
	_, _ = part.Write([]byte(content))
	_ = form.Close()

	req := httptest.NewRequest(http.MethodPost, "/send/"+receiverID, &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func createUser(t *testing.T, router *gin.Engine) createUserResponse {
	t.Helper()
	w := doJSON(router, http.MethodPost, "/users", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created createUserResponse
	decode(t, w, &created)
	return created
}

func TestRoot(t *testing.T) {
	router := newTestRouter(t, testConfig("secret"))

	w := doJSON(router, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"clipboardportal"}`, w.Body.String())
}

func TestCreateUser(t *testing.T) {
	t.Run("密钥模式", func(t *testing.T) {
		router := newTestRouter(t, testConfig("secret"))

		created := createUser(t, router)
		assert.True(t, domain.IsValidMailboxID(created.ID))
		assert.NotEmpty(t, created.Secret)
		assert.Empty(t, created.PublicKeyBase64)

		// 空 JSON 对象同样可以
		w := doJSON(router, http.MethodPost, "/users", map[string]any{})
		assert.Equal(t, http.StatusCreated, w.Code)
	})

	t.Run("公钥模式", func(t *testing.T) {
		router := newTestRouter(t, testConfig("publickey"))

		w := doJSON(router, http.MethodPost, "/users", map[string]any{})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

		w = doJSON(router, http.MethodPost, "/users", map[string]any{"publicKeyBase64": "cHVibGljLWtleQ=="})
		require.Equal(t, http.StatusCreated, w.Code)

		var created createUserResponse
		decode(t, w, &created)
		assert.Empty(t, created.Secret)
		assert.Equal(t, "cHVibGljLWtleQ==", created.PublicKeyBase64)

		w = doJSON(router, http.MethodGet, "/publickey/"+created.ID, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "cHVibGljLWtleQ==", w.Body.String())
	})

	t.Run("请求体不是 JSON", func(t *testing.T) {
		router := newTestRouter(t, testConfig("secret"))

		req := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader("{"))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("创建限流", func(t *testing.T) {
		cfg := testConfig("secret")
		cfg.RateLimit.CreatePerHour = 1
		router := newTestRouter(t, cfg)

		createUser(t, router)
		w := doJSON(router, http.MethodPost, "/users", nil)
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
	})
}

func TestSendAndReceive(t *testing.T) {
	router := newTestRouter(t, testConfig("secret"))
	created := createUser(t, router)

	t.Run("邮箱不存在", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, doSend(router, "00000000", `{"senderId":"A"}`, "hello").Code)
		assert.Equal(t, http.StatusNotFound, doSend(router, "abc", `{"senderId":"A"}`, "hello").Code)
	})

	t.Run("元数据非法", func(t *testing.T) {
		w := doSend(router, created.ID, "", "hello")
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
		assert.Equal(t, MsgValidationFailed, decode(t, w, nil).Msg)

		assert.Equal(t, http.StatusUnprocessableEntity, doSend(router, created.ID, "{", "hello").Code)
	})

	t.Run("内容过大", func(t *testing.T) {
		w := doSend(router, created.ID, `{"senderId":"A"}`, strings.Repeat("x", 17))
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Equal(t, MsgContentTooLarge, decode(t, w, nil).Msg)
	})

	t.Run("不是 multipart", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/send/"+created.ID, map[string]any{"meta": "{}"})
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("还没有内容时轮询为空", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/receive", map[string]any{"id": created.ID, "capability": created.Secret})
		require.Equal(t, http.StatusOK, w.Code)

		var resp receiveResponse
		decode(t, w, &resp)
		assert.Nil(t, resp.Meta)
		assert.Nil(t, resp.LastModified)
	})

	w := doSend(router, created.ID, `{"senderId":"A","encryptedContentMetadataBase64":"aGk="}`, "hello")
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	assert.Empty(t, w.Body.String())

	var lastModified time.Time

	t.Run("轮询返回元数据", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/receive", map[string]any{"id": created.ID, "secret": created.Secret})
		require.Equal(t, http.StatusOK, w.Code)

		var resp receiveResponse
		decode(t, w, &resp)
		require.NotNil(t, resp.Meta)
		assert.Equal(t, "A", resp.Meta.SenderID)
		assert.Equal(t, "aGk=", resp.Meta.EncryptedContentMetadataBase64)
		require.NotNil(t, resp.LastModified)
		lastModified = *resp.LastModified
	})

	t.Run("since 等于最新标记时为空", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/receive", map[string]any{"id": created.ID, "capability": created.Secret, "since": lastModified})
		require.Equal(t, http.StatusOK, w.Code)

		var resp receiveResponse
		decode(t, w, &resp)
		assert.Nil(t, resp.Meta)
	})

	t.Run("凭证错误", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/receive", map[string]any{"id": created.ID, "capability": "wrong"})
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("轮询不存在的邮箱", func(t *testing.T) {
		w := doJSON(router, http.MethodPost, "/receive", map[string]any{"id": "00000000", "capability": created.Secret})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("下载内容", func(t *testing.T) {
		w := doJSON(router, http.MethodGet, "/content/"+created.ID, nil)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "hello", w.Body.String())
		assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))

		assert.Equal(t, http.StatusNotFound, doJSON(router, http.MethodGet, "/content/00000000", nil).Code)
		assert.Equal(t, http.StatusNotFound, doJSON(router, http.MethodGet, "/content/abc", nil).Code)
	})

	t.Run("密钥模式没有公钥", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, doJSON(router, http.MethodGet, "/publickey/"+created.ID, nil).Code)
	})
}

func TestHealthAndMetrics(t *testing.T) {
	router := newTestRouter(t, testConfig("secret"))

	w := doJSON(router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"storage":"OK"`)

	assert.Equal(t, http.StatusOK, doJSON(router, http.MethodGet, "/health/live", nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(router, http.MethodGet, "/health/ready", nil).Code)

	w = doJSON(router, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "clipportal_http_requests_total")
}
