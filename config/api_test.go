// 配置 API 处理器与中间件测试。
package config

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// configAPIResult 用于解码响应信封
type configAPIResult struct {
	Success bool `json:"success"`
	Data    struct {
		Message         string               `json:"message"`
		Config          map[string]any       `json:"config"`
		Fields          map[string]FieldInfo `json:"fields"`
		Changes         []ConfigChange       `json:"changes"`
		RequiresRestart bool                 `json:"requires_restart"`
	} `json:"data"`
	Error *apiError `json:"error"`
}

func decodeConfigAPI(t *testing.T, w *httptest.ResponseRecorder) configAPIResult {
	t.Helper()
	var resp configAPIResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func newTestHandler(t *testing.T) (*HotReloadManager, *ConfigAPIHandler) {
	t.Helper()
	manager := NewHotReloadManager(DefaultConfig())
	return manager, NewConfigAPIHandler(manager)
}

// --- 处理器测试 ---

func TestConfigAPIHandler_GetConfig(t *testing.T) {
	_, handler := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	w := httptest.NewRecorder()

	handler.HandleConfig(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))

	resp := decodeConfigAPI(t, w)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Data.Config)

	// 配置树包含主要段落
	assert.Contains(t, resp.Data.Config, "Server")
	assert.Contains(t, resp.Data.Config, "Coordination")
}

func TestConfigAPIHandler_UpdateConfig(t *testing.T) {
	manager, handler := newTestHandler(t)

	body := `{"updates": {"Log.Level": "debug"}}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/config", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.HandleConfig(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	resp := decodeConfigAPI(t, w)
	assert.True(t, resp.Success)
	assert.False(t, resp.Data.RequiresRestart)
	assert.Equal(t, "debug", manager.GetConfig().Log.Level)
}

func TestConfigAPIHandler_UpdateConfig_RestartFlag(t *testing.T) {
	manager, handler := newTestHandler(t)

	body := `{"updates": {"Server.HTTPPort": 9999}}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/config", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.HandleConfig(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	resp := decodeConfigAPI(t, w)
	assert.True(t, resp.Success)
	assert.True(t, resp.Data.RequiresRestart)
	assert.Equal(t, 9999, manager.GetConfig().Server.HTTPPort)
}

func TestConfigAPIHandler_UpdateConfig_InvalidField(t *testing.T) {
	manager, handler := newTestHandler(t)

	body := `{"updates": {"Invalid.Field": "value"}}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/config", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	handler.HandleConfig(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	resp := decodeConfigAPI(t, w)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "Unknown field")

	// 配置保持不变
	assert.Equal(t, "info", manager.GetConfig().Log.Level)
}

func TestConfigAPIHandler_UpdateConfig_EmptyUpdates(t *testing.T) {
	_, handler := newTestHandler(t)

	body := `{"updates": {}}`
	req := httptest.NewRequest(http.MethodPut, "/api/v1/config", strings.NewReader(body))
	w := httptest.NewRecorder()

	handler.HandleConfig(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeConfigAPI(t, w)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "No updates provided")
}

func TestConfigAPIHandler_UpdateConfig_BadJSON(t *testing.T) {
	_, handler := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/config", strings.NewReader("{not json"))
	w := httptest.NewRecorder()

	handler.HandleConfig(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConfigAPIHandler_Reload(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
log:
  level: warn
`
	require.NoError(t, os.WriteFile(tmpFile, []byte(configContent), 0644))

	manager := NewHotReloadManager(DefaultConfig(), WithConfigFile(tmpFile))
	handler := NewConfigAPIHandler(manager)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/config/reload", nil)
	w := httptest.NewRecorder()

	handler.HandleReload(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	resp := decodeConfigAPI(t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "warn", manager.GetConfig().Log.Level)
}

func TestConfigAPIHandler_Reload_NoPath(t *testing.T) {
	_, handler := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/config/reload", nil)
	w := httptest.NewRecorder()

	handler.HandleReload(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeConfigAPI(t, w)
	assert.False(t, resp.Success)
}

func TestConfigAPIHandler_GetFields(t *testing.T) {
	_, handler := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config/fields", nil)
	w := httptest.NewRecorder()

	handler.HandleFields(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	resp := decodeConfigAPI(t, w)
	assert.True(t, resp.Success)
	require.NotEmpty(t, resp.Data.Fields)

	// 普通字段回显当前值
	level, ok := resp.Data.Fields["Log.Level"]
	require.True(t, ok)
	assert.Equal(t, "info", level.CurrentValue)
	assert.False(t, level.RequiresRestart)

	// 敏感字段不回显当前值
	secret, ok := resp.Data.Fields["Auth.JWTSecret"]
	require.True(t, ok)
	assert.True(t, secret.Sensitive)
	assert.Nil(t, secret.CurrentValue)
}

func TestConfigAPIHandler_GetChanges(t *testing.T) {
	manager, handler := newTestHandler(t)

	// 做一些改变
	require.NoError(t, manager.UpdateField("Log.Level", "debug"))
	require.NoError(t, manager.UpdateField("Server.HTTPPort", 8090))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config/changes?limit=10", nil)
	w := httptest.NewRecorder()

	handler.HandleChanges(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	resp := decodeConfigAPI(t, w)
	assert.True(t, resp.Success)
	assert.GreaterOrEqual(t, len(resp.Data.Changes), 2)
}

func TestConfigAPIHandler_MethodNotAllowed(t *testing.T) {
	_, handler := newTestHandler(t)

	tests := []struct {
		name    string
		method  string
		handle  func(http.ResponseWriter, *http.Request)
	}{
		{"delete config", http.MethodDelete, handler.HandleConfig},
		{"get reload", http.MethodGet, handler.HandleReload},
		{"post fields", http.MethodPost, handler.HandleFields},
		{"put changes", http.MethodPut, handler.HandleChanges},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/api/v1/config", nil)
			w := httptest.NewRecorder()

			tt.handle(w, req)

			assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		})
	}
}

func TestConfigAPIHandler_CORS(t *testing.T) {
	manager := NewHotReloadManager(DefaultConfig())
	handler := NewConfigAPIHandler(manager, "https://ops.example.com")

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/config", nil)
	w := httptest.NewRecorder()

	handler.HandleConfig(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://ops.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

func TestConfigAPIHandler_CORS_NoOriginConfigured(t *testing.T) {
	_, handler := newTestHandler(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/config", nil)
	w := httptest.NewRecorder()

	handler.HandleConfig(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestConfigAPIHandler_RegisterRoutes(t *testing.T) {
	_, handler := newTestHandler(t)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	routes := []string{
		"/api/v1/config",
		"/api/v1/config/fields",
		"/api/v1/config/changes",
	}

	for _, route := range routes {
		req := httptest.NewRequest(http.MethodGet, route, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, "route %s", route)
	}
}

// --- 中间件测试 ---

func TestConfigAPIMiddleware_RequireAuth(t *testing.T) {
	_, handler := newTestHandler(t)
	middleware := NewConfigAPIMiddleware(handler, "test-api-key")
	wrapped := middleware.RequireAuth(handler.HandleConfig)

	// 缺少 API 密钥
	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	w := httptest.NewRecorder()
	wrapped(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 错误的 API 密钥
	req = httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	w = httptest.NewRecorder()
	wrapped(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 正确的 API 密钥
	req = httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	req.Header.Set("X-API-Key", "test-api-key")
	w = httptest.NewRecorder()
	wrapped(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConfigAPIMiddleware_RequireAuth_QueryParamRejected(t *testing.T) {
	_, handler := newTestHandler(t)
	middleware := NewConfigAPIMiddleware(handler, "test-api-key")
	wrapped := middleware.RequireAuth(handler.HandleConfig)

	// query string 传递 API key 不被接受
	req := httptest.NewRequest(http.MethodGet, "/api/v1/config?api_key=test-api-key", nil)
	w := httptest.NewRecorder()
	wrapped(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestConfigAPIMiddleware_RequireAuth_SkipsOptions(t *testing.T) {
	_, handler := newTestHandler(t)
	middleware := NewConfigAPIMiddleware(handler, "test-api-key")
	wrapped := middleware.RequireAuth(handler.HandleConfig)

	// CORS 预检不需要认证
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/config", nil)
	w := httptest.NewRecorder()
	wrapped(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestConfigAPIMiddleware_RequireAuth_EmptyKeyAllowsAll(t *testing.T) {
	_, handler := newTestHandler(t)
	middleware := NewConfigAPIMiddleware(handler, "")
	wrapped := middleware.RequireAuth(handler.HandleConfig)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	w := httptest.NewRecorder()
	wrapped(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
