package classifier

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func moderationServer(t *testing.T, flagged bool, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/moderations" {
			http.NotFound(w, r)
			return
		}
		if status != http.StatusOK {
			http.Error(w, "server error", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if flagged {
			_, _ = w.Write([]byte(`{"id":"modr-1","model":"omni-moderation-latest","results":[{"flagged":true,"categories":{},"category_scores":{}}]}`))
		} else {
			_, _ = w.Write([]byte(`{"id":"modr-1","model":"omni-moderation-latest","results":[{"flagged":false,"categories":{},"category_scores":{}}]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClassifyFlagged(t *testing.T) {
	srv := moderationServer(t, true, http.StatusOK)
	c := NewOpenAI("test-key", srv.URL, "")
	flagged, err := c.Classify(context.Background(), "some hostile text")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !flagged {
		t.Error("expected flagged = true")
	}
}

func TestClassifyClean(t *testing.T) {
	srv := moderationServer(t, false, http.StatusOK)
	c := NewOpenAI("test-key", srv.URL, "")
	flagged, err := c.Classify(context.Background(), "hello everyone")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if flagged {
		t.Error("expected flagged = false")
	}
}

func TestClassifyServerError(t *testing.T) {
	srv := moderationServer(t, false, http.StatusInternalServerError)
	c := NewOpenAI("test-key", srv.URL, "")
	if _, err := c.Classify(context.Background(), "anything"); err == nil {
		t.Error("expected error on server failure")
	}
}
