package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/unclebandit/mailcast-backend/internal/controller"
	"github.com/unclebandit/mailcast-backend/internal/mailer"
	"github.com/unclebandit/mailcast-backend/internal/model"
	"github.com/unclebandit/mailcast-backend/internal/repository/memstore"
	"github.com/unclebandit/mailcast-backend/internal/service"
)

type stubTestSender struct{ to string }

func (s *stubTestSender) SendTest(_ context.Context, to, _ string, _ mailer.Content) (string, error) {
	s.to = to
	return "msg-123", nil
}

type env struct {
	store  *memstore.Store
	tenant model.Tenant
	sender *stubTestSender
	router http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memstore.New()
	tenant := store.AddTenant(model.Tenant{Name: "Acme", SenderName: "Acme", SenderEmail: "news@acme.test"})
	sender := &stubTestSender{}

	svc := &service.CampaignService{
		CampaignRepo:   store.Campaigns(),
		RecipientRepo:  store.Recipients(),
		SubscriberRepo: store.Subscribers(),
		TenantRepo:     store.Tenants(),
		Renderer:       mailer.NewRenderer("https://mail.acme.test"),
		TestSender:     sender,
		Logger:         zerolog.New(io.Discard),
	}
	ctrl := &controller.CampaignController{CampaignService: svc, Logger: zerolog.New(io.Discard)}

	r := chi.NewRouter()
	r.Post("/campaigns", ctrl.CreateCampaign)
	r.Get("/campaigns", ctrl.ListCampaigns)
	r.Post("/campaigns/test-send", ctrl.SendTest)
	r.Post("/campaigns/{id}/preview", ctrl.PersonalizedPreview)

	return &env{store: store, tenant: tenant, sender: sender, router: r}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestCreateCampaignHandler(t *testing.T) {
	e := newEnv(t)
	e.store.AddSubscriber(model.Subscriber{TenantID: e.tenant.ID, Email: "a@example.com"})
	e.store.AddSubscriber(model.Subscriber{TenantID: e.tenant.ID, Email: "b@example.com"})

	w := e.do(t, "POST", "/campaigns", map[string]any{
		"tenant_id": e.tenant.ID,
		"subject":   "Launch",
		"body":      "We shipped.",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var c model.Campaign
	if err := json.NewDecoder(w.Body).Decode(&c); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if c.ID == 0 || c.Status != model.CampaignQueued || c.TotalRecipients != 2 {
		t.Errorf("unexpected campaign %+v", c)
	}
}

func TestCreateCampaignErrors(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"empty audience", map[string]any{"tenant_id": e.tenant.ID, "subject": "s", "body": "b"}, http.StatusBadRequest},
		{"missing subject", map[string]any{"tenant_id": e.tenant.ID, "body": "b"}, http.StatusBadRequest},
		{"unknown tenant", map[string]any{"tenant_id": 999, "subject": "s", "body": "b"}, http.StatusNotFound},
		{"malformed json", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, "POST", "/campaigns", tt.body)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestListCampaignsHandler_Pagination(t *testing.T) {
	e := newEnv(t)
	e.store.AddSubscriber(model.Subscriber{TenantID: e.tenant.ID, Email: "a@example.com"})
	for i := 0; i < 5; i++ {
		w := e.do(t, "POST", "/campaigns", map[string]any{"tenant_id": e.tenant.ID, "subject": "s", "body": "b"})
		if w.Code != http.StatusCreated {
			t.Fatalf("create: %d", w.Code)
		}
	}

	w := e.do(t, "GET", "/campaigns?page=2&page_size=2&status=queued", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var res struct {
		Data       []model.Campaign `json:"data"`
		Pagination map[string]int   `json:"pagination"`
	}
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(res.Data) != 2 {
		t.Errorf("expected 2 campaigns on page 2, got %d", len(res.Data))
	}
	if res.Pagination["total_count"] != 5 || res.Pagination["total_pages"] != 3 {
		t.Errorf("unexpected pagination %v", res.Pagination)
	}
	if res.Data[0].ID <= res.Data[1].ID {
		t.Errorf("expected descending order")
	}
}

func TestPersonalizedPreviewHandler(t *testing.T) {
	e := newEnv(t)
	sub := e.store.AddSubscriber(model.Subscriber{TenantID: e.tenant.ID, Email: "alice@example.com", Name: "Alice"})
	w := e.do(t, "POST", "/campaigns", map[string]any{"tenant_id": e.tenant.ID, "subject": "Hi {name}", "body": "Hello {name}"})
	var c model.Campaign
	json.NewDecoder(w.Body).Decode(&c)

	w = e.do(t, "POST", "/campaigns/"+strconv.Itoa(c.ID)+"/preview", map[string]any{"subscriber_id": sub.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var res map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	html, ok := res["html"].(string)
	if !ok {
		t.Fatalf("html not found or not a string")
	}
	if !strings.Contains(html, "Alice") {
		t.Errorf("expected 'Alice' in message, got %q", html)
	}
	if res["subject"] != "Hi Alice" {
		t.Errorf("subject = %v", res["subject"])
	}

	w = e.do(t, "POST", "/campaigns/abc/preview", map[string]any{"subscriber_id": sub.ID})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad id, got %d", w.Code)
	}
	w = e.do(t, "POST", "/campaigns/4242/preview", map[string]any{"subscriber_id": sub.ID})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing campaign, got %d", w.Code)
	}
}

func TestSendTestHandler(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, "POST", "/campaigns/test-send", map[string]any{
		"tenant_id": e.tenant.ID, "subject": "s", "body": "b", "to": "me@example.com",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res map[string]string
	json.NewDecoder(w.Body).Decode(&res)
	if res["message_id"] != "msg-123" || e.sender.to != "me@example.com" {
		t.Errorf("res=%v to=%q", res, e.sender.to)
	}
}
