package brevo_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zakinabdul/appointflow/transport"
	"github.com/zakinabdul/appointflow/transport/brevo"
)

func newClient(t *testing.T, h http.HandlerFunc) *brevo.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := brevo.New("test-key", brevo.Sender{Name: "AppointFlow", Email: "noreply@example.com"},
		brevo.WithEndpoint(srv.URL), brevo.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSend_Success(t *testing.T) {
	var got map[string]any
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api-key") != "test-key" {
			t.Errorf("api-key header = %q", r.Header.Get("api-key"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"messageId":"<201@smtp-relay.brevo.com>"}`))
	})

	msgID, err := c.Send(context.Background(), transport.Message{
		To:       "ada@example.com",
		ToName:   "Ada",
		Subject:  "Registration Confirmed: Go Meetup",
		HTMLBody: "<p>hi</p>",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msgID != "<201@smtp-relay.brevo.com>" {
		t.Errorf("messageId = %q", msgID)
	}
	if got["subject"] != "Registration Confirmed: Go Meetup" {
		t.Errorf("subject = %v", got["subject"])
	}
	if got["htmlContent"] != "<p>hi</p>" {
		t.Errorf("htmlContent = %v", got["htmlContent"])
	}
	sender, _ := got["sender"].(map[string]any)
	if sender["email"] != "noreply@example.com" {
		t.Errorf("sender = %v", got["sender"])
	}
}

func TestSend_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   transport.ErrorClass
	}{
		{http.StatusBadRequest, transport.ClassPermanent},
		{http.StatusNotFound, transport.ClassPermanent},
		{http.StatusUnprocessableEntity, transport.ClassPermanent},
		{http.StatusUnauthorized, transport.ClassSystemic},
		{http.StatusForbidden, transport.ClassSystemic},
		{http.StatusTooManyRequests, transport.ClassTransient},
		{http.StatusInternalServerError, transport.ClassTransient},
		{http.StatusBadGateway, transport.ClassTransient},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"code":"some_code","message":"nope"}`))
			})
			_, err := c.Send(context.Background(), transport.Message{To: "x@example.com"})
			if got := transport.ClassOf(err); got != tt.want {
				t.Errorf("class = %v, want %v (err=%v)", got, tt.want, err)
			}
		})
	}
}

func TestSend_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := brevo.New("k", brevo.Sender{Email: "a@example.com"}, brevo.WithEndpoint(url))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Send(context.Background(), transport.Message{To: "x@example.com"})
	if transport.ClassOf(err) != transport.ClassTransient {
		t.Errorf("class = %v, want transient (err=%v)", transport.ClassOf(err), err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := brevo.New("", brevo.Sender{Email: "a@example.com"}); err == nil {
		t.Error("expected error for missing api key")
	}
	if _, err := brevo.New("k", brevo.Sender{}); err == nil {
		t.Error("expected error for missing sender email")
	}
}
