package linear

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentbridge/agentbridge/internal/provider"
)

func newTestServer(t *testing.T, handle func(query string, vars map[string]any) any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		data := handle(req.Query, req.Variables)
		raw, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("marshaling fixture: %v", err)
		}
		resp := graphqlResponse{Data: raw}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestFetchIssue_ReturnsLabelsAndCustomFields(t *testing.T) {
	srv := newTestServer(t, func(query string, vars map[string]any) any {
		return map[string]any{
			"issue": map[string]any{
				"id":          "abc",
				"identifier":  "ENG-7",
				"title":       "Fix crash",
				"description": "it crashes",
				"team":        map[string]any{"id": "team-1"},
				"labels": map[string]any{
					"nodes": []map[string]any{{"id": "L1", "name": "ai-attempt"}},
				},
				"customFields": map[string]any{"Repository": "my-proj"},
				"comments":     map[string]any{"nodes": []any{}},
			},
		}
	})
	defer srv.Close()

	c := NewClient("key", WithEndpoint(srv.URL))
	issue, err := c.FetchIssue(context.Background(), "abc", false)
	if err != nil {
		t.Fatalf("FetchIssue: %v", err)
	}
	if issue.Identifier != "ENG-7" || issue.Title != "Fix crash" {
		t.Errorf("unexpected issue: %+v", issue)
	}
	if len(issue.Labels) != 1 || issue.Labels[0].Name != "ai-attempt" {
		t.Errorf("unexpected labels: %+v", issue.Labels)
	}
}

func TestFetchIssue_NotFound(t *testing.T) {
	srv := newTestServer(t, func(query string, vars map[string]any) any {
		return map[string]any{"issue": nil}
	})
	defer srv.Close()

	c := NewClient("key", WithEndpoint(srv.URL))
	_, err := c.FetchIssue(context.Background(), "missing", false)
	if err != provider.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhook_ValidSignature(t *testing.T) {
	a := New(NewClient("key"), Config{WebhookSecret: "s"})
	body := []byte(`{"type":"Issue"}`)
	ok, event, err := a.VerifyWebhook(body, map[string]string{"Linear-Signature": sign("s", body)})
	if err != nil || !ok {
		t.Fatalf("VerifyWebhook: ok=%v err=%v", ok, err)
	}
	if event.Tag != provider.Linear {
		t.Errorf("event.Tag = %v", event.Tag)
	}
}

func TestVerifyWebhook_WrongSignature_Rejected(t *testing.T) {
	a := New(NewClient("key"), Config{WebhookSecret: "s"})
	ok, _, err := a.VerifyWebhook([]byte(`{}`), map[string]string{"Linear-Signature": "0000"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected signature rejection")
	}
}

func TestVerifyWebhook_MissingHeader_Rejected(t *testing.T) {
	a := New(NewClient("key"), Config{WebhookSecret: "s"})
	ok, _, err := a.VerifyWebhook([]byte(`{}`), map[string]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected signature rejection for missing header")
	}
}

func TestShouldTrigger_LabelAddedMatchesTriggerLabel(t *testing.T) {
	srv := newTestServer(t, func(query string, vars map[string]any) any {
		return map[string]any{"issueLabel": map[string]any{"name": "ai-attempt"}}
	})
	defer srv.Close()

	a := New(NewClient("key", WithEndpoint(srv.URL)), Config{TriggerLabel: "ai-attempt"})
	body := []byte(`{"type":"Issue","action":"update","data":{"id":"abc","labelIds":["L1"]},"updatedFrom":{"labelIds":[]}}`)
	match, err := a.ShouldTrigger(&provider.WebhookEvent{Tag: provider.Linear, Raw: body})
	if err != nil {
		t.Fatalf("ShouldTrigger: %v", err)
	}
	if match.IssueID != "abc" {
		t.Errorf("IssueID = %q, want abc", match.IssueID)
	}
}

func TestShouldTrigger_NoLabelDiff_Ignored(t *testing.T) {
	a := New(NewClient("key"), Config{TriggerLabel: "ai-attempt"})
	body := []byte(`{"type":"Issue","action":"update","data":{"id":"abc","labelIds":["L1"]},"updatedFrom":{"labelIds":["L1"]}}`)
	_, err := a.ShouldTrigger(&provider.WebhookEvent{Tag: provider.Linear, Raw: body})
	if err != provider.ErrNoTrigger {
		t.Fatalf("err = %v, want ErrNoTrigger", err)
	}
}

func TestShouldTrigger_WrongResourceType_Ignored(t *testing.T) {
	a := New(NewClient("key"), Config{TriggerLabel: "ai-attempt"})
	body := []byte(`{"type":"Comment","action":"create"}`)
	_, err := a.ShouldTrigger(&provider.WebhookEvent{Tag: provider.Linear, Raw: body})
	if err != provider.ErrNoTrigger {
		t.Fatalf("err = %v, want ErrNoTrigger", err)
	}
}
