// Package validate checks diagram code by rendering it against a kroki-style
// endpoint, with a local pre-check for the one syntax error renderers accept
// but browsers choke on.
package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// classDefSubgraph catches Mermaid code that defines a classDef named
// "subgraph". Kroki renders it but mermaid.js in the browser does not, so
// it must fail validation before any network round trip.
var classDefSubgraph = regexp.MustCompile(`classDef\s+subgraph\b`)

// Result is one validation outcome.
type Result struct {
	Valid bool
	Error string
}

// Checker validates diagram code against a renderer endpoint.
type Checker struct {
	url  string
	http *http.Client
}

// New returns a Checker for a kroki-style URL such as
// "https://kroki.io/mermaid/svg".
func New(url string) *Checker {
	return &Checker{
		url:  url,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Check validates code. The returned error covers transport failures only;
// syntax problems come back as an invalid Result.
func (c *Checker) Check(ctx context.Context, code string) (Result, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Result{Valid: false, Error: "empty diagram code"}, nil
	}
	if classDefSubgraph.MatchString(code) {
		return Result{
			Valid: false,
			Error: `a classDef must not be named "subgraph"; rename the class`,
		}, nil
	}

	body, err := json.Marshal(map[string]string{"diagram_source": code})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.renderURL(code), bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("validate: renderer unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Result{Valid: true}, nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return Result{
		Valid: false,
		Error: fmt.Sprintf("renderer rejected the diagram (%d): %s", resp.StatusCode, strings.TrimSpace(string(msg))),
	}, nil
}

// renderURL picks the renderer for the code's language. DOT code reroutes
// the configured mermaid endpoint to graphviz.
func (c *Checker) renderURL(code string) string {
	if isDOT(code) {
		return strings.Replace(c.url, "/mermaid/", "/graphviz/", 1)
	}
	return c.url
}

func isDOT(code string) bool {
	head := strings.TrimSpace(code)
	return strings.HasPrefix(head, "digraph") ||
		strings.HasPrefix(head, "strict digraph") ||
		strings.HasPrefix(head, "graph {")
}
