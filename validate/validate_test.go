package validate

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCheckClassDefSubgraphNoNetwork(t *testing.T) {
	// No server behind the URL; the pre-check must trip before any request.
	c := New("http://127.0.0.1:1/mermaid/svg")

	code := "flowchart TD\n  classDef subgraph fill:#f00\n  a --> b"
	res, err := c.Check(context.Background(), code)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Valid {
		t.Fatal("classDef subgraph passed validation")
	}
	if !strings.Contains(res.Error, "subgraph") {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestCheckEmptyCode(t *testing.T) {
	c := New("http://127.0.0.1:1/mermaid/svg")
	res, err := c.Check(context.Background(), "   ")
	if err != nil || res.Valid {
		t.Fatalf("res = %+v err = %v, want invalid without network", res, err)
	}
}

func TestCheckValid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]string
		if err := json.Unmarshal(body, &req); err != nil || req["diagram_source"] == "" {
			t.Errorf("bad request body: %s", body)
		}
		w.Write([]byte("<svg/>"))
	}))
	defer srv.Close()

	c := New(srv.URL + "/mermaid/svg")
	res, err := c.Check(context.Background(), "flowchart TD\n  a --> b")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !res.Valid {
		t.Errorf("res = %+v, want valid", res)
	}
}

func TestCheckRendererRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "syntax error at line 2", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(srv.URL + "/mermaid/svg")
	res, err := c.Check(context.Background(), "flowchart TD\n  a -> b")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Valid {
		t.Fatal("rejected diagram came back valid")
	}
	if !strings.Contains(res.Error, "syntax error at line 2") {
		t.Errorf("Error = %q, want renderer message", res.Error)
	}
}

func TestCheckTransportError(t *testing.T) {
	c := New("http://127.0.0.1:1/mermaid/svg")
	if _, err := c.Check(context.Background(), "flowchart TD\n  a --> b"); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestCheckDOTReroutes(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("<svg/>"))
	}))
	defer srv.Close()

	c := New(srv.URL + "/mermaid/svg")
	if _, err := c.Check(context.Background(), "digraph G { a -> b }"); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if gotPath != "/graphviz/svg" {
		t.Errorf("path = %q, want DOT routed to graphviz", gotPath)
	}
}
