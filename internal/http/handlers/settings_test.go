package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/open-cnapp/open-cnapp/internal/auth"
	"github.com/open-cnapp/open-cnapp/internal/http/authn"
	"github.com/open-cnapp/open-cnapp/internal/store"
)

func TestValidMinSeverity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		severity string
		want     bool
	}{
		{"Critical", true},
		{"High", true},
		{"Medium", true},
		{"Low", true},
		{"Info", true},
		{"Extreme", false},
		{"high", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := validMinSeverity(tt.severity); got != tt.want {
			t.Errorf("validMinSeverity(%q) = %v, want %v", tt.severity, got, tt.want)
		}
	}
}

func TestHandleSettingsGetDefaultsWhenMissing(t *testing.T) {
	t.Parallel()

	h := &Handlers{Q: store.New(&fixtureDB{})}

	c, rec := newHandlerContext(t, http.MethodGet, "/api/settings", "")
	c.Set(authn.ContextKeyPrincipal, auth.Principal{UserID: 7, Role: auth.RoleViewer})
	if err := h.HandleSettingsGet(c); err != nil {
		t.Fatalf("HandleSettingsGet() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp settingsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CompositeAlertMinSeverity != store.DefaultCompositeAlertMinSeverity {
		t.Fatalf("CompositeAlertMinSeverity = %q, want %q",
			resp.CompositeAlertMinSeverity, store.DefaultCompositeAlertMinSeverity)
	}
}

func TestHandleSettingsGetRequiresPrincipal(t *testing.T) {
	t.Parallel()

	h := &Handlers{Q: store.New(&fixtureDB{})}

	c, rec := newHandlerContext(t, http.MethodGet, "/api/settings", "")
	if err := h.HandleSettingsGet(c); err != nil {
		t.Fatalf("HandleSettingsGet() error = %v", err)
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestHandleSettingsPutRejectsInvalidSeverity(t *testing.T) {
	t.Parallel()

	h := &Handlers{Q: store.New(&fixtureDB{})}

	c, rec := newHandlerContext(t, http.MethodPut, "/api/settings", `{"composite_alert_min_severity":"Extreme"}`)
	c.Set(authn.ContextKeyPrincipal, auth.Principal{UserID: 7, Role: auth.RoleViewer})
	if err := h.HandleSettingsPut(c); err != nil {
		t.Fatalf("HandleSettingsPut() error = %v", err)
	}
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestHandleSettingsPutRoundTrips(t *testing.T) {
	t.Parallel()

	h := &Handlers{Q: store.New(&fixtureDB{})}

	c, rec := newHandlerContext(t, http.MethodPut, "/api/settings", `{"composite_alert_min_severity":"Low"}`)
	c.Set(authn.ContextKeyPrincipal, auth.Principal{UserID: 7, Role: auth.RoleViewer})
	if err := h.HandleSettingsPut(c); err != nil {
		t.Fatalf("HandleSettingsPut() error = %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp settingsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CompositeAlertMinSeverity != "Low" {
		t.Fatalf("CompositeAlertMinSeverity = %q, want Low", resp.CompositeAlertMinSeverity)
	}
}

func TestCompositeMinSeverityPrefersSaved(t *testing.T) {
	t.Parallel()

	h := &Handlers{Q: store.New(&fixtureDB{settings: map[int64]string{5: "Low"}})}

	if got := h.compositeMinSeverity(context.Background(), 5); got != "Low" {
		t.Fatalf("compositeMinSeverity(5) = %q, want Low", got)
	}
	if got := h.compositeMinSeverity(context.Background(), 6); got != store.DefaultCompositeAlertMinSeverity {
		t.Fatalf("compositeMinSeverity(6) = %q, want %q", got, store.DefaultCompositeAlertMinSeverity)
	}
}
