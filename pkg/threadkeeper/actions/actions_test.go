package actions

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
)

const ddgFixture = `<html><body>
<div class="result results_links">
  <h2 class="result__title"><a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fweather.example%2Ftokyo&rut=abc">Tokyo <b>Weather</b></a></h2>
  <a class="result__snippet" href="#">Sunny, 22°C right now.</a>
</div>
<div class="result results_links">
  <h2 class="result__title"><a class="result__a" href="https://news.example/jp">Japan news</a></h2>
  <a class="result__snippet" href="#">Headlines.</a>
</div>
<div class="result"><a class="result__a" href="x"></a></div>
</body></html>`

func TestParseDDG(t *testing.T) {
	results, err := parseDDG(strings.NewReader(ddgFixture))
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d: %+v", len(results), results)
	}
	if results[0].Title != "Tokyo Weather" || results[0].URL != "https://weather.example/tokyo" {
		t.Errorf("unexpected first result: %+v", results[0])
	}
	if results[0].Snippet != "Sunny, 22°C right now." {
		t.Errorf("unexpected snippet %q", results[0].Snippet)
	}
	if results[1].URL != "https://news.example/jp" {
		t.Errorf("unexpected second url %q", results[1].URL)
	}
}

func TestSearcher_DuckDuckGo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("q"); got != "tokyo weather" {
			t.Errorf("unexpected query %q", got)
		}
		w.Write([]byte(ddgFixture))
	}))
	defer srv.Close()

	s := NewSearcher(WebSearchConfig{DuckDuckGoURL: srv.URL, MaxResults: 1}, nil)
	out, err := s.Search(context.Background(), "tokyo weather")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Tokyo Weather") || strings.Contains(out, "Japan news") {
		t.Errorf("expected only the first result, got:\n%s", out)
	}
}

func TestSearcher_Brave(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "brave-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"web": map[string]any{
				"results": []map[string]string{
					{"title": "Bitcoin price", "url": "https://btc.example", "description": "<strong>BTC</strong> is up"},
				},
			},
		})
	}))
	defer srv.Close()

	s := NewSearcher(WebSearchConfig{Provider: "brave", BraveAPIKey: "brave-key", BraveURL: srv.URL}, nil)
	out, err := s.Search(context.Background(), "price of bitcoin")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Bitcoin price") || !strings.Contains(out, "BTC is up") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestSearcher_BraveError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	s := NewSearcher(WebSearchConfig{Provider: "brave", BraveAPIKey: "k", BraveURL: srv.URL}, nil)
	if _, err := s.Search(context.Background(), "q"); err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected 429 error, got %v", err)
	}
}

func TestWebSearchConfig_BraveWithoutKeyFallsBack(t *testing.T) {
	cfg := WebSearchConfig{Provider: "brave"}.Effective()
	if cfg.Provider != "duckduckgo" {
		t.Errorf("expected fallback to duckduckgo, got %q", cfg.Provider)
	}
}

func TestFormatResults_Empty(t *testing.T) {
	if got := FormatResults("nothing", nil, 5); got != "No results found for: nothing" {
		t.Errorf("got %q", got)
	}
}

func TestImageGenerator_SavesFile(t *testing.T) {
	png := []byte("\x89PNG fake")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/generations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["style"] != "natural" || body["prompt"] != "a red fox" {
			t.Errorf("unexpected body %+v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"b64_json": base64.StdEncoding.EncodeToString(png)}},
		})
	}))
	defer srv.Close()

	dir := t.TempDir()
	g := NewImageGenerator(ImageGenConfig{APIKey: "k", BaseURL: srv.URL, OutputDir: dir}, nil)
	path, err := g.Generate(context.Background(), "a red fox", "natural")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(path, dir) {
		t.Errorf("image saved outside output dir: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || string(data) != string(png) {
		t.Fatalf("unexpected file contents: %q %v", data, err)
	}
}

func TestImageGenerator_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"content policy"}}`))
	}))
	defer srv.Close()

	g := NewImageGenerator(ImageGenConfig{APIKey: "k", BaseURL: srv.URL, OutputDir: t.TempDir()}, nil)
	if _, err := g.Generate(context.Background(), "x", ""); err == nil || !strings.Contains(err.Error(), "content policy") {
		t.Fatalf("expected API error, got %v", err)
	}
}

func TestExecutor_RejectsUnknownGenerationKind(t *testing.T) {
	e := NewExecutor(WebSearchConfig{}, ImageGenConfig{APIKey: "k"}, nil)
	if _, err := e.RunGeneration(context.Background(), "x", "video", ""); err == nil {
		t.Fatal("expected error for unsupported kind")
	}
}

func TestImageGenerator_Unconfigured(t *testing.T) {
	g := NewImageGenerator(ImageGenConfig{}, nil)
	if _, err := g.Generate(context.Background(), "x", ""); err == nil {
		t.Fatal("expected error without api key")
	}
}
