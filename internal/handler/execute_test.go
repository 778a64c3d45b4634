package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/snippetbox/internal/apperror"
	"github.com/sakif/snippetbox/internal/auth"
	"github.com/sakif/snippetbox/internal/handler"
	"github.com/sakif/snippetbox/internal/language"
	"github.com/sakif/snippetbox/internal/limiter"
	"github.com/sakif/snippetbox/internal/model"
	"github.com/sakif/snippetbox/internal/repository"
	"github.com/sakif/snippetbox/internal/service"
)

// MockExecutions stands in for the execution service.
type MockExecutions struct {
	CapturedIn   service.ExecuteInput
	CapturedOpts repository.ListOptions
	ReturnRes    model.ExecutionResult
	Records      map[string]model.ExecutionRecord
}

func (m *MockExecutions) Execute(_ context.Context, in service.ExecuteInput) model.ExecutionResult {
	m.CapturedIn = in
	return m.ReturnRes
}

func (m *MockExecutions) Get(_ context.Context, id string) (*model.ExecutionRecord, error) {
	rec, ok := m.Records[id]
	if !ok {
		return nil, apperror.NotFound("execution", id)
	}
	return &rec, nil
}

func (m *MockExecutions) List(_ context.Context, opts repository.ListOptions) ([]model.ExecutionRecord, error) {
	m.CapturedOpts = opts
	out := []model.ExecutionRecord{}
	for _, r := range m.Records {
		out = append(out, r)
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTokens(t *testing.T) *auth.TokenService {
	t.Helper()
	ts, err := auth.NewTokenService("handler-test-secret-0123456789", time.Minute)
	require.NoError(t, err)
	return ts
}

func TestExecuteHandler_HandleExecute(t *testing.T) {
	logger := testLogger()

	t.Run("valid execution", func(t *testing.T) {
		code := 0
		mock := &MockExecutions{ReturnRes: model.ExecutionResult{
			RequestID: "abc",
			Status:    model.StatusSuccess,
			Stdout:    "Hello World\n",
			ExitCode:  &code,
			Duration:  100 * time.Millisecond,
		}}
		h := handler.NewExecuteHandler(mock, 0, logger)

		body := `{"language":"python","source":"print('Hello World')","requested_packages":["numpy"]}`
		req := httptest.NewRequest(http.MethodPost, "/api/execute", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()

		h.HandleExecute(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)

		var raw map[string]any
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&raw))
		assert.Equal(t, "abc", raw["request_id"])
		assert.Equal(t, "success", raw["status"])
		assert.Equal(t, "Hello World\n", raw["stdout"])
		assert.EqualValues(t, 0, raw["exit_code"])
		assert.EqualValues(t, 100, raw["duration_ms"])

		assert.Equal(t, "python", mock.CapturedIn.Language)
		assert.Equal(t, "print('Hello World')", mock.CapturedIn.Source)
		assert.Equal(t, []string{"numpy"}, mock.CapturedIn.Packages)
		assert.Equal(t, limiter.ClassUntrusted, mock.CapturedIn.Class)
		assert.Nil(t, mock.CapturedIn.Overrides)
	})

	t.Run("setup error is still a result", func(t *testing.T) {
		mock := &MockExecutions{ReturnRes: model.SetupFailure("r", `language "ruby" is not supported`)}
		h := handler.NewExecuteHandler(mock, 0, logger)

		req := httptest.NewRequest(http.MethodPost, "/api/execute", strings.NewReader(`{"language":"ruby","source":"puts 1"}`))
		rr := httptest.NewRecorder()
		h.HandleExecute(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		var res model.ExecutionResult
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
		assert.Equal(t, model.StatusSetupError, res.Status)
		assert.Nil(t, res.ExitCode)
		assert.Contains(t, res.Stderr, "ruby")
	})

	t.Run("trusted token carries class and overrides", func(t *testing.T) {
		tokens := newTokens(t)
		token, err := tokens.Generate("ops", limiter.ClassTrusted)
		require.NoError(t, err)

		mock := &MockExecutions{ReturnRes: model.SetupFailure("r", "x")}
		h := auth.Authenticate(tokens)(http.HandlerFunc(handler.NewExecuteHandler(mock, 0, logger).HandleExecute))

		body := `{"language":"bash","source":"echo","limits":{"wall_clock_ms":2500,"memory_bytes":1048576},"keep_artifacts":true}`
		req := httptest.NewRequest(http.MethodPost, "/api/execute", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, limiter.ClassTrusted, mock.CapturedIn.Class)
		require.NotNil(t, mock.CapturedIn.Overrides)
		assert.Equal(t, 2500*time.Millisecond, mock.CapturedIn.Overrides.WallClock)
		assert.Equal(t, int64(1048576), mock.CapturedIn.Overrides.MemoryBytes)
		assert.True(t, mock.CapturedIn.KeepArtifacts)
	})

	t.Run("invalid request body", func(t *testing.T) {
		h := handler.NewExecuteHandler(&MockExecutions{}, 0, logger)

		req := httptest.NewRequest(http.MethodPost, "/api/execute", bytes.NewBufferString(`{"invalid_json":`))
		rr := httptest.NewRecorder()
		h.HandleExecute(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("unknown field", func(t *testing.T) {
		h := handler.NewExecuteHandler(&MockExecutions{}, 0, logger)

		req := httptest.NewRequest(http.MethodPost, "/api/execute", strings.NewReader(`{"code":"print(1)"}`))
		rr := httptest.NewRecorder()
		h.HandleExecute(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		var er handler.ErrorResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&er))
		assert.Equal(t, "validation_error", er.Error)
	})

	t.Run("body too large", func(t *testing.T) {
		h := handler.NewExecuteHandler(&MockExecutions{}, 64, logger)

		body := `{"language":"python","source":"` + strings.Repeat("x", 200) + `"}`
		req := httptest.NewRequest(http.MethodPost, "/api/execute", strings.NewReader(body))
		rr := httptest.NewRecorder()
		h.HandleExecute(rr, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	})
}

func TestHistoryHandler(t *testing.T) {
	code := 0
	mock := &MockExecutions{Records: map[string]model.ExecutionRecord{
		"abc": {
			Result:   model.ExecutionResult{RequestID: "abc", Status: model.StatusSuccess, ExitCode: &code},
			Language: model.Bash,
			Packages: []string{},
		},
	}}
	h := handler.NewHistoryHandler(mock, testLogger())

	r := chi.NewRouter()
	r.Get("/api/executions", h.HandleList)
	r.Get("/api/executions/{id}", h.HandleGet)

	t.Run("list with filters", func(t *testing.T) {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/executions?limit=5&offset=2&language=bash&status=success", nil))

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, repository.ListOptions{Limit: 5, Offset: 2, Language: model.Bash, Status: model.StatusSuccess}, mock.CapturedOpts)

		var records []model.ExecutionRecord
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&records))
		require.Len(t, records, 1)
		assert.Equal(t, "abc", records[0].Result.RequestID)
	})

	t.Run("bad limit", func(t *testing.T) {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/executions?limit=-1", nil))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("get", func(t *testing.T) {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/executions/abc", nil))
		require.Equal(t, http.StatusOK, rr.Code)

		var rec model.ExecutionRecord
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&rec))
		assert.Equal(t, model.Bash, rec.Language)
	})

	t.Run("get missing", func(t *testing.T) {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/executions/nope", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestLanguagesHandler(t *testing.T) {
	h := handler.NewLanguagesHandler(language.NewRegistry(), func(l model.Language) string {
		if l == model.Python {
			return "shared"
		}
		return "ephemeral"
	})

	rr := httptest.NewRecorder()
	h.HandleList(rr, httptest.NewRequest(http.MethodGet, "/api/languages", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var got []map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	require.Len(t, got, 3)
	assert.Equal(t, "bash", got[0]["language"])
	assert.Equal(t, "python", got[2]["language"])
	assert.Equal(t, true, got[2]["supports_packages"])
	assert.Equal(t, "shared", got[2]["environment"])
}

func TestTokenHandler(t *testing.T) {
	tokens := newTokens(t)
	keys := auth.NewKeyService()
	hash, err := keys.Hash("operator-secret")
	require.NoError(t, err)
	h := handler.NewTokenHandler(tokens, keys, hash, testLogger())

	post := func(body string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		h.HandleIssue(rr, httptest.NewRequest(http.MethodPost, "/api/tokens", strings.NewReader(body)))
		return rr
	}

	t.Run("valid key", func(t *testing.T) {
		rr := post(`{"api_key":"operator-secret","subject":"ci"}`)
		require.Equal(t, http.StatusCreated, rr.Code)

		var resp struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		p, err := tokens.Validate(resp.Token)
		require.NoError(t, err)
		assert.Equal(t, limiter.ClassTrusted, p.Class)
		assert.Equal(t, "ci", p.Subject)
	})

	t.Run("wrong key", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, post(`{"api_key":"guess"}`).Code)
	})

	t.Run("missing key", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, post(`{}`).Code)
	})
}

func TestHealthHandler(t *testing.T) {
	ok := handler.NewHealthHandler(map[string]func() error{"db": func() error { return nil }})
	rr := httptest.NewRecorder()
	ok.HandleHealth(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	bad := handler.NewHealthHandler(map[string]func() error{"db": func() error { return errors.New("closed") }})
	rr = httptest.NewRecorder()
	bad.HandleHealth(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "closed")
}
