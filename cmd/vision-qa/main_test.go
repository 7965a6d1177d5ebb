package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeOllama serves generate and tags and records the num_predict of each generate call
func fakeOllama(t *testing.T) (*httptest.Server, *[]int) {
	t.Helper()
	var budgets []int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/generate", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Prompt  string `json:"prompt"`
			Options struct {
				NumPredict int `json:"num_predict"`
			} `json:"options"`
		}
		json.Unmarshal(body, &req)
		budgets = append(budgets, req.Options.NumPredict)
		json.NewEncoder(w).Encode(map[string]string{"response": " reply to: " + req.Prompt[:6] + " "})
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"models":[{"name":"moondream:latest","model":"moondream:latest"}]}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &budgets
}

// workspace creates a config file and a test image in a temp dir and chdirs into it
func workspace(t *testing.T) (cfgPath, imgPath string) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)

	cfgPath = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log:\n  level: error\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8)))
	imgPath = filepath.Join(dir, "img.png")
	if err := os.WriteFile(imgPath, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfgPath, imgPath
}

func TestRunAsk(t *testing.T) {
	srv, budgets := fakeOllama(t)
	cfgPath, imgPath := workspace(t)

	var out bytes.Buffer
	err := run(context.Background(), "ask", []string{
		"-config", cfgPath,
		"-url", srv.URL + "/api/generate",
		"-max-tokens", "900",
		"-image", imgPath,
		"-q", "what is it?",
	}, &out)
	if err != nil {
		t.Fatalf("ask failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != "reply to: Answer" {
		t.Errorf("Unexpected output %q", out.String())
	}
	if len(*budgets) != 1 || (*budgets)[0] != 400 {
		t.Errorf("Expected answer budget 400, got %v", *budgets)
	}
}

func TestRunDescribe(t *testing.T) {
	srv, budgets := fakeOllama(t)
	cfgPath, imgPath := workspace(t)

	var out bytes.Buffer
	err := run(context.Background(), "describe", []string{
		"-config", cfgPath,
		"-url", srv.URL + "/api/generate",
		"-max-tokens", "1000",
		"-image", imgPath,
	}, &out)
	if err != nil {
		t.Fatalf("describe failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != "reply to: You ar" {
		t.Errorf("Unexpected output %q", out.String())
	}
	if (*budgets)[0] != 1000 {
		t.Errorf("Expected full budget 1000, got %d", (*budgets)[0])
	}
}

func TestRunModels(t *testing.T) {
	srv, _ := fakeOllama(t)
	cfgPath, _ := workspace(t)

	var out bytes.Buffer
	if err := run(context.Background(), "models", []string{"-config", cfgPath, "-url", srv.URL + "/api/generate"}, &out); err != nil {
		t.Fatalf("models failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines, got %q", out.String())
	}
	if !strings.Contains(out.String(), "moondream") || !strings.Contains(lines[1], "installed") {
		t.Errorf("Expected moondream to be installed: %q", out.String())
	}
	if !strings.Contains(lines[0], "missing") {
		t.Errorf("Expected llava-phi3 to be missing: %q", lines[0])
	}
}

func TestRunErrors(t *testing.T) {
	cfgPath, imgPath := workspace(t)

	tests := []struct {
		name    string
		command string
		args    []string
	}{
		{"unknown command", "paint", nil},
		{"ask without question", "ask", []string{"-config", cfgPath, "-image", imgPath}},
		{"describe without image", "describe", []string{"-config", cfgPath}},
		{"tokens out of range", "describe", []string{"-config", cfgPath, "-image", imgPath, "-max-tokens", "9000"}},
		{"missing config", "ask", []string{"-config", filepath.Join(t.TempDir(), "none.yaml")}},
		{"unknown model", "ask", []string{"-config", cfgPath, "-model", "not-a-configured-model", "-image", imgPath, "-q", "what?"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := run(context.Background(), tt.command, tt.args, io.Discard); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestRunVersion(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), "version", nil, &out); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) == "" {
		t.Error("Expected a version string")
	}
}

func TestRunInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	var out bytes.Buffer
	if err := run(context.Background(), "init", []string{"-config", path}, &out); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Expected config file: %v", err)
	}

	if err := run(context.Background(), "init", []string{"-config", path}, io.Discard); err == nil {
		t.Error("Expected existing file to be kept without -force")
	}
	if err := run(context.Background(), "init", []string{"-config", path, "-force"}, io.Discard); err != nil {
		t.Errorf("Expected -force to overwrite: %v", err)
	}
}

func TestRunUnknownModelSendsNothing(t *testing.T) {
	srv, budgets := fakeOllama(t)
	cfgPath, imgPath := workspace(t)

	var out bytes.Buffer
	err := run(context.Background(), "ask", []string{
		"-config", cfgPath,
		"-url", srv.URL + "/api/generate",
		"-model", "not-a-configured-model",
		"-image", imgPath,
		"-q", "what is it?",
	}, &out)
	if err == nil || !strings.Contains(err.Error(), "unknown model") {
		t.Fatalf("Expected unknown model error, got %v", err)
	}
	if len(*budgets) != 0 {
		t.Errorf("Expected no generate calls, got %d", len(*budgets))
	}
	if out.Len() != 0 {
		t.Errorf("Expected no output, got %q", out.String())
	}

	// a configured model goes through
	if err := run(context.Background(), "ask", []string{
		"-config", cfgPath,
		"-url", srv.URL + "/api/generate",
		"-model", "moondream",
		"-image", imgPath,
		"-q", "what is it?",
	}, io.Discard); err != nil {
		t.Errorf("Expected configured model to be accepted: %v", err)
	}
}
