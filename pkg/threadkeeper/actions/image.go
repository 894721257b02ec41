package actions

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ImageGenConfig configures the OpenAI-compatible image endpoint.
type ImageGenConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	Size    string `yaml:"size"`
	Quality string `yaml:"quality"`

	// OutputDir receives generated images. Empty uses the OS temp dir.
	OutputDir string `yaml:"output_dir"`
}

// Effective fills zero values with defaults.
func (c ImageGenConfig) Effective() ImageGenConfig {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "dall-e-3"
	}
	switch c.Size {
	case "1024x1024", "1024x1792", "1792x1024":
	default:
		c.Size = "1024x1024"
	}
	if c.Quality != "standard" && c.Quality != "hd" {
		c.Quality = "standard"
	}
	return c
}

type imageGenResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json"`
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// ImageGenerator creates images and stores them as files.
type ImageGenerator struct {
	cfg    ImageGenConfig
	client *http.Client
	logger *slog.Logger
}

// NewImageGenerator creates an ImageGenerator.
func NewImageGenerator(cfg ImageGenConfig, logger *slog.Logger) *ImageGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageGenerator{
		cfg:    cfg.Effective(),
		client: &http.Client{Timeout: 120 * time.Second},
		logger: logger.With("component", "image_generation"),
	}
}

// Generate produces one image for prompt and returns a reference to it: the
// provider URL when one is returned, otherwise the path of the saved file.
func (g *ImageGenerator) Generate(ctx context.Context, prompt, style string) (string, error) {
	if g.cfg.APIKey == "" {
		return "", fmt.Errorf("image generation is not configured (missing api_key)")
	}
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt is required")
	}

	reqBody := map[string]any{
		"model":           g.cfg.Model,
		"prompt":          prompt,
		"n":               1,
		"size":            g.cfg.Size,
		"quality":         g.cfg.Quality,
		"response_format": "b64_json",
	}
	// Style is only supported for dall-e-3.
	if strings.HasPrefix(g.cfg.Model, "dall-e") {
		if style != "vivid" && style != "natural" {
			style = "vivid"
		}
		reqBody["style"] = style
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := strings.TrimRight(g.cfg.BaseURL, "/") + "/images/generations"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	var result imageGenResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("image API error: %s", result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("image API returned %d", resp.StatusCode)
	}
	if len(result.Data) == 0 {
		return "", fmt.Errorf("no image generated")
	}

	img := result.Data[0]
	if img.B64JSON == "" {
		if img.URL == "" {
			return "", fmt.Errorf("image response has neither data nor url")
		}
		return img.URL, nil
	}

	data, err := base64.StdEncoding.DecodeString(img.B64JSON)
	if err != nil {
		return "", fmt.Errorf("decoding image data: %w", err)
	}
	path, err := g.save(data)
	if err != nil {
		return "", err
	}
	g.logger.Info("image generated", "path", path, "bytes", len(data))
	return path, nil
}

// save writes data to a file readable only by the owner.
func (g *ImageGenerator) save(data []byte) (string, error) {
	dir := g.cfg.OutputDir
	if dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("creating output dir: %w", err)
		}
	}
	f, err := os.CreateTemp(dir, "threadkeeper-img-*.png")
	if err != nil {
		return "", fmt.Errorf("creating image file: %w", err)
	}
	path := f.Name()
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("setting image file permissions: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("saving image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("closing image file: %w", err)
	}
	return filepath.Clean(path), nil
}
