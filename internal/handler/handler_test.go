package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumire/aidev/internal/domain"
	"github.com/sumire/aidev/internal/repository"
	"github.com/sumire/aidev/internal/service"
)

const (
	testCallbackToken = "cb-token"
	testWebhookSecret = "hook-secret"
)

type stubJobs struct {
	dispatched  []service.DispatchRequest
	dispatchErr error
	callbacks   []domain.Callback
	callbackErr error
	comments    []service.TicketComment
	resume      bool
	filter      repository.JobFilter
	jobs        []domain.Job
}

func (s *stubJobs) Dispatch(_ context.Context, req service.DispatchRequest) (*domain.Job, error) {
	s.dispatched = append(s.dispatched, req)
	if s.dispatchErr != nil {
		return nil, s.dispatchErr
	}
	run := "run-1"
	return &domain.Job{IssueKey: req.IssueKey, Status: domain.JobStatusRunning, CurrentShardJobID: &run}, nil
}

func (s *stubJobs) Confirm(_ context.Context, key string) (*domain.Job, error) {
	return nil, fmt.Errorf("complete %s: %w", key, domain.ErrInvalidTransition)
}

func (s *stubJobs) Cancel(_ context.Context, key string) (*domain.Job, error) {
	return &domain.Job{IssueKey: key, Status: domain.JobStatusFailed}, nil
}

func (s *stubJobs) List(_ context.Context, f repository.JobFilter) ([]domain.Job, error) {
	s.filter = f
	return s.jobs, nil
}

func (s *stubJobs) Get(_ context.Context, key string) (*service.JobDetail, error) {
	if key != "ABC-123" {
		return nil, domain.ErrNotFound
	}
	return &service.JobDetail{Job: &domain.Job{IssueKey: key}, Runs: []domain.ShardJob{}}, nil
}

func (s *stubJobs) Logs(_ context.Context, _ string, _ int) ([]domain.JobLog, error) {
	return []domain.JobLog{}, nil
}

func (s *stubJobs) Warnings(_ context.Context, _ int) ([]domain.OperatorWarning, error) {
	return []domain.OperatorWarning{}, nil
}

func (s *stubJobs) Shards(_ context.Context) ([]domain.Shard, error) {
	return []domain.Shard{{Name: "alpha", APIKey: "never-shown"}}, nil
}

func (s *stubJobs) HandleCallback(_ context.Context, cb domain.Callback) error {
	s.callbacks = append(s.callbacks, cb)
	return s.callbackErr
}

func (s *stubJobs) HandleTicketComment(_ context.Context, ev service.TicketComment) (bool, error) {
	s.comments = append(s.comments, ev)
	return s.resume, nil
}

type testServer struct {
	e     *echo.Echo
	jobs  *stubJobs
	token string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	auth := service.NewAuthService("jwt-secret")
	pair, err := auth.IssueTokenPair("ops")
	require.NoError(t, err)

	jobs := &stubJobs{}
	e := NewServer(jobs, auth, ServerConfig{
		FrontendURL:          "http://localhost:5173",
		CallbackToken:        testCallbackToken,
		TrackerWebhookSecret: testWebhookSecret,
	})
	return &testServer{e: e, jobs: jobs, token: pair.AccessToken}
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) operator() map[string]string {
	return map[string]string{echo.HeaderAuthorization: "Bearer " + s.token}
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestOperatorAPI_RequiresToken(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/jobs", "", map[string]string{echo.HeaderAuthorization: "Bearer junk"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestOperatorAPI_ListPaginates(t *testing.T) {
	s := newTestServer(t)
	s.jobs.jobs = []domain.Job{{ID: 9, IssueKey: "A-9"}, {ID: 8, IssueKey: "A-8"}}

	rec := s.do(t, http.MethodGet, "/api/v1/jobs?status=failed&limit=2&cursor=10", "", s.operator())
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, repository.JobFilter{Status: domain.JobStatusFailed, Cursor: 10, Limit: 2}, s.jobs.filter)
	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Meta)
	assert.True(t, env.Meta.HasNext)
	assert.Equal(t, "8", env.Meta.NextCursor)

	rec = s.do(t, http.MethodGet, "/api/v1/jobs?limit=abc", "", s.operator())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOperatorAPI_GetUnknownJob(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/jobs/NOPE-1", "", s.operator())

	assert.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, "not_found", env.Error.Code)
}

func TestOperatorAPI_Dispatch(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/jobs/ABC-123/dispatch", `{"board_id":1,"task_type":"implement_ticket"}`, s.operator())

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, s.jobs.dispatched, 1)
	assert.Equal(t, "ABC-123", s.jobs.dispatched[0].IssueKey)
	assert.Equal(t, int64(1), s.jobs.dispatched[0].BoardID)
}

func TestOperatorAPI_DispatchErrors(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/jobs/ABC-123/dispatch", `{"kind":"restart"}`, s.operator())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/jobs/ABC-123/dispatch", `{"task_type":"custom"}`, s.operator())
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.jobs.dispatchErr = fmt.Errorf("dispatch ABC-123 (start): %w", domain.ErrInvalidTransition)
	rec = s.do(t, http.MethodPost, "/api/v1/jobs/ABC-123/dispatch", `{}`, s.operator())
	assert.Equal(t, http.StatusConflict, rec.Code)

	s.jobs.dispatchErr = fmt.Errorf("%w: shard alpha at capacity", domain.ErrNoShardAvailable)
	rec = s.do(t, http.MethodPost, "/api/v1/jobs/ABC-123/dispatch", `{}`, s.operator())
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))
	apiErr := decodeEnvelope(t, rec).Error
	assert.Equal(t, "no_shard_available", apiErr.Code)
	assert.Equal(t, "no shard available: shard alpha at capacity", apiErr.Message)
}

func TestOperatorAPI_ConfirmInvalidState(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/jobs/ABC-123/confirm", "", s.operator())

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestOperatorAPI_ShardsHideKeys(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/shards", "", s.operator())

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "never-shown")
}

func TestShardCallback_Auth(t *testing.T) {
	s := newTestServer(t)
	body := `{"job_id":"run-1","status":"completed","result":{"success":true,"pr_url":"https://github.com/x/y/pull/9","exit_code":0}}`

	rec := s.do(t, http.MethodPost, "/webhooks/shard", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/webhooks/shard", body, map[string]string{echo.HeaderAuthorization: "Bearer wrong"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, s.jobs.callbacks)

	rec = s.do(t, http.MethodPost, "/webhooks/shard", body, map[string]string{echo.HeaderAuthorization: "Bearer " + testCallbackToken})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, s.jobs.callbacks, 1)
	assert.Equal(t, "https://github.com/x/y/pull/9", s.jobs.callbacks[0].Result.PRURL)
}

func TestShardCallback_ValidationAndUnknownRun(t *testing.T) {
	s := newTestServer(t)
	auth := map[string]string{echo.HeaderAuthorization: "Bearer " + testCallbackToken}

	rec := s.do(t, http.MethodPost, "/webhooks/shard", `{"job_id":"run-1","status":"exploded"}`, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s.jobs.callbackErr = domain.ErrNotFound
	rec = s.do(t, http.MethodPost, "/webhooks/shard", `{"job_id":"nope","status":"failed","error":"x"}`, auth)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTrackerWebhook(t *testing.T) {
	s := newTestServer(t)
	s.jobs.resume = true
	secret := map[string]string{HeaderWebhookSecret: testWebhookSecret}
	body := `{
		"webhookEvent": "comment_created",
		"issue": {"key": "ABC-123"},
		"comment": {
			"id": "10001",
			"author": {"accountId": "human-1"},
			"body": {"type": "doc", "version": 1, "content": [{"type": "paragraph", "content": [{"type": "text", "text": "Use /v2/orders"}]}]}
		}
	}`

	rec := s.do(t, http.MethodPost, "/webhooks/tracker", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/webhooks/tracker", body, map[string]string{HeaderWebhookSecret: "nope"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/webhooks/tracker", body, secret)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, s.jobs.comments, 1)
	ev := s.jobs.comments[0]
	assert.Equal(t, "ABC-123", ev.IssueKey)
	assert.Equal(t, "10001", ev.CommentID)
	assert.Equal(t, "human-1", ev.AuthorAccountID)
	assert.Equal(t, "Use /v2/orders", ev.Body)
	assert.Contains(t, rec.Body.String(), `"resumed":true`)

	rec = s.do(t, http.MethodPost, "/webhooks/tracker", `{"webhookEvent":"jira:issue_updated","issue":{"key":"ABC-123"}}`, secret)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, s.jobs.comments, 1)
}

func TestAuthRefresh(t *testing.T) {
	auth := service.NewAuthService("jwt-secret")
	pair, err := auth.IssueTokenPair("ops")
	require.NoError(t, err)
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/auth/refresh", `{"refresh_token":"`+pair.RefreshToken+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/auth/refresh", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/auth/me", "", s.operator())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"operator":"ops"`)
}
