package ollama

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func chatServer(t *testing.T, content string, seen *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if seen != nil {
			if err := json.NewDecoder(r.Body).Decode(seen); err != nil {
				t.Errorf("bad request body: %v", err)
			}
		}
		resp := map[string]any{
			"model":      "test",
			"created_at": "2024-01-01T00:00:00Z",
			"message":    map[string]any{"role": "assistant", "content": content},
			"done":       true,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestAnalyzeFaces(t *testing.T) {
	var seen map[string]any
	srv := chatServer(t, `{"faces":[{"confidence":0.9,"box":{"x":0.1,"y":0.2,"w":0.3,"h":0.4}}]}`, &seen)
	defer srv.Close()

	c, err := NewClient(srv.URL + "/api/chat")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	img := base64.StdEncoding.EncodeToString([]byte("jpeg bytes"))
	result, err := c.AnalyzeFaces(context.Background(), "minicpm-v4.5", "find faces", img)
	if err != nil {
		t.Fatalf("AnalyzeFaces failed: %v", err)
	}
	if len(result.Faces) != 1 || result.Faces[0].Box.H != 0.4 {
		t.Errorf("Unexpected result %+v", result)
	}

	if seen["format"] != "json" {
		t.Errorf("Expected json format request, got %v", seen["format"])
	}
	if _, ok := seen["options"]; !ok {
		t.Error("Expected model options for minicpm")
	}
}

func TestSimpleQuery(t *testing.T) {
	srv := chatServer(t, "A person looking at the camera.", nil)
	defer srv.Close()

	c, err := NewClient(srv.URL)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	got, err := c.SimpleQuery(context.Background(), "llava", "describe", base64.StdEncoding.EncodeToString([]byte("x")))
	if err != nil {
		t.Fatalf("SimpleQuery failed: %v", err)
	}
	if got != "A person looking at the camera." {
		t.Errorf("Unexpected answer %q", got)
	}
}

func TestAnalyzeFacesRejectsBadInput(t *testing.T) {
	if _, err := NewClient("not a url"); err == nil {
		t.Error("Expected error for invalid URL")
	}

	c, err := NewClient("http://127.0.0.1:1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.AnalyzeFaces(context.Background(), "m", "p", "%%%"); err == nil {
		t.Error("Expected error for invalid base64")
	}
}
