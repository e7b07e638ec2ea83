package lacework

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"
)

func TestQueryIdentities(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	c := testClient(t)
	c.now = func() time.Time { return base }
	c.HTTP.Transport = roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/api/v2/access/tokens" {
			return jsonResponse(req, http.StatusCreated,
				`{"token":"tok","expiresAt":"2030-01-01T00:00:00Z"}`), nil
		}
		if req.URL.Path != "/api/v2/Queries/execute" || req.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
		}

		body, err := io.ReadAll(req.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
		}
		var parsed lqlExecuteRequest
		if err := json.Unmarshal(body, &parsed); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		if parsed.Query.QueryText != identitiesQueryText {
			t.Errorf("unexpected query text: %q", parsed.Query.QueryText)
		}
		if len(parsed.Arguments) != 2 {
			t.Errorf("unexpected arguments: %#v", parsed.Arguments)
		} else {
			if parsed.Arguments[0].Name != "StartTimeRange" || parsed.Arguments[0].Value != "2026-08-18T12:00:00Z" {
				t.Errorf("unexpected start argument: %#v", parsed.Arguments[0])
			}
			if parsed.Arguments[1].Name != "EndTimeRange" || parsed.Arguments[1].Value != "2026-08-25T12:00:00Z" {
				t.Errorf("unexpected end argument: %#v", parsed.Arguments[1])
			}
		}

		return jsonResponse(req, http.StatusOK,
			`{"data":[{"PRINCIPAL_ID":"p1"},{"PRINCIPAL_ID":"p2"}]}`), nil
	})

	rows, err := c.QueryIdentities(context.Background(), 7)
	if err != nil {
		t.Fatalf("QueryIdentities error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
}

func TestQueryIdentitiesDefaultsLookback(t *testing.T) {
	base := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	c := testClient(t)
	c.now = func() time.Time { return base }
	c.HTTP.Transport = roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/api/v2/access/tokens" {
			return jsonResponse(req, http.StatusCreated,
				`{"token":"tok","expiresAt":"2030-01-01T00:00:00Z"}`), nil
		}
		body, _ := io.ReadAll(req.Body)
		var parsed lqlExecuteRequest
		if err := json.Unmarshal(body, &parsed); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		if len(parsed.Arguments) == 2 && parsed.Arguments[0].Value != "2026-08-18T12:00:00Z" {
			t.Errorf("expected 7-day default lookback, got %q", parsed.Arguments[0].Value)
		}
		return jsonResponse(req, http.StatusOK, `{"data":[]}`), nil
	})

	if _, err := c.QueryIdentities(context.Background(), 0); err != nil {
		t.Fatalf("QueryIdentities error: %v", err)
	}
}
