package visionqa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/menta2k/vision-qa/pkg/config"
	"github.com/menta2k/vision-qa/pkg/inference"
)

// createTestImage creates a simple test image with a bright subject in the center
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x > width/3 && x < 2*width/3 && y > height/3 && y < 2*height/3 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{64, 64, 64, 255})
			}
		}
	}
	return img
}

func writeTestImage(t *testing.T) (string, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, createTestImage(120, 90)); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "subject.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, buf.Bytes()
}

type capturedRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Images  []string `json:"images"`
	Stream  bool     `json:"stream"`
	Options struct {
		NumPredict  int     `json:"num_predict"`
		Temperature float64 `json:"temperature"`
	} `json:"options"`
}

// newOllama fakes the generate endpoint and records every request
func newOllama(t *testing.T, reply string) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var reqs []capturedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req capturedRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("Invalid request body: %v", err)
		}
		reqs = append(reqs, req)
		json.NewEncoder(w).Encode(map[string]any{"model": req.Model, "response": reply, "done": true})
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func testConfig(endpoint string) *config.Config {
	cfg := config.Default()
	cfg.Ollama.Endpoint = endpoint
	return cfg
}

func TestNew(t *testing.T) {
	vqa, err := New(config.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if vqa.Client() == nil || vqa.Service() == nil || vqa.Processor() == nil || vqa.Probe() == nil {
		t.Error("All components should be initialized")
	}
	if vqa.Client().Endpoint() != inference.DefaultEndpoint {
		t.Errorf("Unexpected endpoint %s", vqa.Client().Endpoint())
	}
	if vqa.Probe().BaseURL() != "http://localhost:11434" {
		t.Errorf("Unexpected probe URL %s", vqa.Probe().BaseURL())
	}
}

func TestNewInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Tokens.AnswerCeiling = 0
	if _, err := New(cfg); err == nil {
		t.Error("Expected invalid config to fail")
	}

	cfg = config.Default()
	cfg.Ollama.Endpoint = "ftp://nowhere"
	if _, err := New(cfg); err == nil {
		t.Error("Expected invalid endpoint to fail")
	}
}

func TestAnswerFile(t *testing.T) {
	srv, reqs := newOllama(t, "  A white square on grey.  ")
	path, data := writeTestImage(t)

	vqa, err := New(testConfig(srv.URL + "/api/generate"))
	if err != nil {
		t.Fatal(err)
	}

	answer, err := vqa.AnswerFile(context.Background(), "moondream", "What is in the middle?", path, 900)
	if err != nil {
		t.Fatalf("AnswerFile failed: %v", err)
	}
	if answer != "A white square on grey." {
		t.Errorf("Unexpected answer %q", answer)
	}

	if len(*reqs) != 1 {
		t.Fatalf("Expected 1 request, got %d", len(*reqs))
	}
	req := (*reqs)[0]
	if req.Options.NumPredict != 400 {
		t.Errorf("Expected answer budget capped at 400, got %d", req.Options.NumPredict)
	}
	if req.Options.Temperature != 0.4 || req.Stream {
		t.Errorf("Unexpected options: %+v stream=%v", req.Options, req.Stream)
	}
	if len(req.Images) != 1 || req.Images[0] != base64.StdEncoding.EncodeToString(data) {
		t.Error("Expected the file bytes to be sent as a single base64 image")
	}
}

func TestSummarizeFile(t *testing.T) {
	srv, reqs := newOllama(t, "Two paragraphs.")
	path, _ := writeTestImage(t)

	vqa, err := New(testConfig(srv.URL + "/api/generate"))
	if err != nil {
		t.Fatal(err)
	}

	summary, err := vqa.SummarizeFile(context.Background(), "llava-phi3", path, 900)
	if err != nil {
		t.Fatalf("SummarizeFile failed: %v", err)
	}
	if summary != "Two paragraphs." {
		t.Errorf("Unexpected summary %q", summary)
	}
	if (*reqs)[0].Options.NumPredict != 900 {
		t.Errorf("Expected full budget 900, got %d", (*reqs)[0].Options.NumPredict)
	}
}

func TestAnswerFileErrors(t *testing.T) {
	srv, reqs := newOllama(t, "unused")
	vqa, err := New(testConfig(srv.URL + "/api/generate"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := vqa.AnswerFile(context.Background(), "m", "q", filepath.Join(t.TempDir(), "missing.png"), 900); err == nil {
		t.Error("Expected missing file to fail")
	}

	notImage := filepath.Join(t.TempDir(), "notes.png")
	os.WriteFile(notImage, []byte("plain text"), 0o644)
	if _, err := vqa.AnswerFile(context.Background(), "m", "q", notImage, 900); err == nil {
		t.Error("Expected non-image file to fail")
	}

	if len(*reqs) != 0 {
		t.Error("No request should reach the server for invalid input")
	}
}

func TestAnswerFileBackendDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL + "/api/generate"
	srv.Close()

	path, _ := writeTestImage(t)
	vqa, err := New(testConfig(endpoint))
	if err != nil {
		t.Fatal(err)
	}

	_, err = vqa.AnswerFile(context.Background(), "m", "q", path, 900)
	if !inference.IsTransport(err) {
		t.Errorf("Expected transport error, got %v", err)
	}
}

func TestGetVersion(t *testing.T) {
	if GetVersion() != Version {
		t.Errorf("Expected %s, got %s", Version, GetVersion())
	}
}
