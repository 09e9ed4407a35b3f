package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"newsletter/internal/idempotency"
	"newsletter/internal/model"
	"newsletter/internal/repository"
	"newsletter/internal/service/newsletter"
)

type fakeNewsletterService struct {
	publishCalls []newsletter.PublishCommand
	publishUser  uuid.UUID
	publishResp  idempotency.Response
	publishErr   error
	status       *newsletter.IssueStatus
	statusErr    error
}

func (f *fakeNewsletterService) Publish(_ context.Context, userID uuid.UUID, cmd newsletter.PublishCommand) (idempotency.Response, error) {
	f.publishCalls = append(f.publishCalls, cmd)
	f.publishUser = userID
	return f.publishResp, f.publishErr
}

func (f *fakeNewsletterService) GetIssueStatus(_ context.Context, _ uuid.UUID) (*newsletter.IssueStatus, error) {
	return f.status, f.statusErr
}

func newTestRouter(svc NewsletterService, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewNewsletterHandler(svc, 2*time.Second, zap.NewNop())

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if userID != uuid.Nil {
			c.Set("user_id", userID)
		}
		c.Next()
	})
	r.POST("/admin/newsletters", h.PublishIssue)
	r.GET("/admin/newsletters/:id", h.GetIssue)
	return r
}

func publishJSON(t *testing.T, r http.Handler, body map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/admin/newsletters", strings.NewReader(string(raw)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func validBody() map[string]string {
	return map[string]string{
		"title":           "Issue #1",
		"text":            "plain",
		"html":            "<p>html</p>",
		"idempotency_key": "9b2f5c1e-4f4a-4c0e-9a36-3f1d2f1b7c11",
	}
}

func TestPublishIssue_WritesServiceResponse(t *testing.T) {
	resp := idempotency.Response{StatusCode: http.StatusSeeOther, Body: []byte(`{"ok":true}`)}
	resp.AddHeader("Location", "/admin/newsletters/abc")
	resp.AddHeader("Set-Cookie", "a=1")
	resp.AddHeader("Set-Cookie", "b=2")
	svc := &fakeNewsletterService{publishResp: resp}
	userID := uuid.New()

	w := publishJSON(t, newTestRouter(svc, userID), validBody())

	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/admin/newsletters/abc", w.Header().Get("Location"))
	assert.Equal(t, []string{"a=1", "b=2"}, w.Header().Values("Set-Cookie"))
	assert.Equal(t, `{"ok":true}`, w.Body.String())

	require.Len(t, svc.publishCalls, 1)
	assert.Equal(t, userID, svc.publishUser)
	assert.Equal(t, "Issue #1", svc.publishCalls[0].Title)
	assert.Equal(t, "9b2f5c1e-4f4a-4c0e-9a36-3f1d2f1b7c11", svc.publishCalls[0].IdempotencyKey.String())
}

func TestPublishIssue_AcceptsForm(t *testing.T) {
	svc := &fakeNewsletterService{publishResp: idempotency.Response{StatusCode: http.StatusSeeOther}}
	form := url.Values{}
	for k, v := range validBody() {
		form.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, "/admin/newsletters", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	newTestRouter(svc, uuid.New()).ServeHTTP(w, req)

	assert.Equal(t, http.StatusSeeOther, w.Code)
	require.Len(t, svc.publishCalls, 1)
	assert.Equal(t, "<p>html</p>", svc.publishCalls[0].HTML)
}

func TestPublishIssue_MissingField(t *testing.T) {
	svc := &fakeNewsletterService{}
	body := validBody()
	delete(body, "html")

	w := publishJSON(t, newTestRouter(svc, uuid.New()), body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, svc.publishCalls)
}

func TestPublishIssue_InvalidKey(t *testing.T) {
	svc := &fakeNewsletterService{}
	body := validBody()
	body["idempotency_key"] = "too-short"

	w := publishJSON(t, newTestRouter(svc, uuid.New()), body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, svc.publishCalls)
}

func TestPublishIssue_Unauthenticated(t *testing.T) {
	w := publishJSON(t, newTestRouter(&fakeNewsletterService{}, uuid.Nil), validBody())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPublishIssue_InProgress(t *testing.T) {
	svc := &fakeNewsletterService{publishErr: idempotency.ErrReservationInProgress}

	w := publishJSON(t, newTestRouter(svc, uuid.New()), validBody())

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
}

func TestPublishIssue_InternalError(t *testing.T) {
	svc := &fakeNewsletterService{publishErr: errors.New("db down")}

	w := publishJSON(t, newTestRouter(svc, uuid.New()), validBody())

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "db down")
}

func TestGetIssue(t *testing.T) {
	id := uuid.New()
	svc := &fakeNewsletterService{status: &newsletter.IssueStatus{
		Issue:             &model.NewsletterIssue{ID: id, Title: "Hello"},
		PendingDeliveries: 2,
	}}
	r := newTestRouter(svc, uuid.New())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/newsletters/"+id.String(), nil))

	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Issue struct {
			Title string `json:"title"`
		} `json:"issue"`
		PendingDeliveries int64 `json:"pending_deliveries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "Hello", got.Issue.Title)
	assert.Equal(t, int64(2), got.PendingDeliveries)
}

func TestGetIssue_Errors(t *testing.T) {
	r := newTestRouter(&fakeNewsletterService{statusErr: repository.ErrIssueNotFound}, uuid.New())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/newsletters/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/newsletters/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
