package openhab

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestParseCredential(t *testing.T) {
	cases := []struct {
		raw  string
		want Credential
	}{
		{"", Credential{Kind: CredentialNone}},
		{"   ", Credential{Kind: CredentialNone}},
		{"admin:secret", Credential{Kind: CredentialBasic, User: "admin", Pass: "secret"}},
		{"admin:", Credential{Kind: CredentialBasic, User: "admin", Pass: ""}},
		{"oh.token.abc123", Credential{Kind: CredentialBearer, Token: "oh.token.abc123"}},
	}
	for _, tc := range cases {
		if got := ParseCredential(tc.raw); got != tc.want {
			t.Fatalf("ParseCredential(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestIsNumericType(t *testing.T) {
	cases := []struct {
		itemType string
		want     bool
	}{
		{"Number", true},
		{"Number:Temperature", true},
		{"Number:Pressure", true},
		{"Switch", false},
		{"String", false},
		{"Group", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsNumericType(tc.itemType); got != tc.want {
			t.Fatalf("IsNumericType(%q) = %v, want %v", tc.itemType, got, tc.want)
		}
	}
}

func TestTestConnectionReportsVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"runtimeInfo":{"version":"4.1.2"}}`))
	}))
	defer srv.Close()

	c := New(srv.Client())
	msg, err := c.TestConnection(context.Background(), srv.URL, Credential{})
	if err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if msg != "connected to openHAB 4.1.2" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestCredentialHeadersApplied(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := New(srv.Client())

	if _, err := c.TestConnection(context.Background(), srv.URL, ParseCredential("admin:secret")); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if !strings.HasPrefix(gotAuth, "Basic ") {
		t.Fatalf("expected basic auth header, got %q", gotAuth)
	}

	if _, err := c.TestConnection(context.Background(), srv.URL, ParseCredential("sometoken")); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}
	if gotAuth != "Bearer sometoken" {
		t.Fatalf("expected bearer header, got %q", gotAuth)
	}
}

func TestListItemsFiltersNonNumeric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/items" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]Item{
			{Name: "LivingTemp", Type: "Number:Temperature", State: "21.5"},
			{Name: "HallSwitch", Type: "Switch", State: "ON"},
			{Name: "BoilerPressure", Type: "Number:Pressure", State: "1.4"},
			{Name: "", Type: "Number", State: "2"},
		})
	}))
	defer srv.Close()

	c := New(srv.Client())
	items, err := c.ListItems(context.Background(), srv.URL, Credential{})
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 numeric items, got %d: %+v", len(items), items)
	}
	if items[0].Name != "LivingTemp" || items[1].Name != "BoilerPressure" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestReadItemStateTrimsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/items/LivingTemp/state" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_, _ = w.Write([]byte("21.5 °C\n"))
	}))
	defer srv.Close()

	c := New(srv.Client())
	state, err := c.ReadItemState(context.Background(), srv.URL, Credential{}, "LivingTemp")
	if err != nil {
		t.Fatalf("ReadItemState: %v", err)
	}
	if state != "21.5 °C" {
		t.Fatalf("unexpected state %q", state)
	}
}

func TestSendCommandPostsPlainText(t *testing.T) {
	var gotBody, gotCT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %q", r.Method)
		}
		gotCT = r.Header.Get("Content-Type")
		b := make([]byte, 64)
		n, _ := r.Body.Read(b)
		gotBody = string(b[:n])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.Client())
	if err := c.SendCommand(context.Background(), srv.URL, Credential{}, "HallSwitch", "ON"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}
	if gotBody != "ON" || gotCT != "text/plain" {
		t.Fatalf("unexpected request: body=%q content-type=%q", gotBody, gotCT)
	}
}

func TestErrorKinds(t *testing.T) {
	t.Run("unauthorized", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		c := New(srv.Client())
		_, err := c.ListItems(context.Background(), srv.URL, Credential{})
		var ce *ConnectionError
		if !errors.As(err, &ce) || ce.Kind != ErrUnauthorized {
			t.Fatalf("expected ErrUnauthorized, got %v", err)
		}
	})

	t.Run("bad response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		c := New(srv.Client())
		_, err := c.ListItems(context.Background(), srv.URL, Credential{})
		var ce *ConnectionError
		if !errors.As(err, &ce) || ce.Kind != ErrBadResponse || ce.Status != http.StatusInternalServerError {
			t.Fatalf("expected ErrBadResponse 500, got %v", err)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		srv.Close()

		c := New(nil)
		_, err := c.ListItems(context.Background(), srv.URL, Credential{})
		var ce *ConnectionError
		if !errors.As(err, &ce) || ce.Kind != ErrUnreachable {
			t.Fatalf("expected ErrUnreachable, got %v", err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		block := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-block
		}))
		defer func() { close(block); srv.Close() }()

		c := New(&http.Client{Timeout: 50 * time.Millisecond})
		_, err := c.ListItems(context.Background(), srv.URL, Credential{})
		var ce *ConnectionError
		if !errors.As(err, &ce) || ce.Kind != ErrTimeout {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	})
}
