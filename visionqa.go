// Package visionqa answers questions about images and describes them using
// vision models served by a local Ollama instance.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"fmt"
//		"log"
//
//		visionqa "github.com/menta2k/vision-qa"
//		"github.com/menta2k/vision-qa/pkg/config"
//	)
//
//	func main() {
//		vqa, err := visionqa.New(config.Default())
//		if err != nil {
//			log.Fatal(err)
//		}
//
//		answer, err := vqa.AnswerFile(context.Background(), "llava-phi3", "What breed is the dog?", "dog.jpg", 900)
//		if err != nil {
//			log.Fatal(err)
//		}
//		fmt.Println(answer)
//	}
//
// The package consists of these components:
//
// 1. Inference (pkg/inference): the single generate request/response exchange
// 2. Q&A (pkg/qa): the answer and summarize actions with their prompts and token budgets
// 3. Processing (pkg/processing): upload validation, WebP conversion and optional downscaling
// 4. Ollama (pkg/ollama): server health and installed model queries
// 5. Web (pkg/web): the browser shell
//
// Every request uses a fixed temperature of 0.4 and disables streaming. An
// answer never requests more than 400 output tokens; a summary uses the full
// configured budget.
package visionqa

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/menta2k/vision-qa/pkg/config"
	"github.com/menta2k/vision-qa/pkg/inference"
	"github.com/menta2k/vision-qa/pkg/ollama"
	"github.com/menta2k/vision-qa/pkg/processing"
	"github.com/menta2k/vision-qa/pkg/qa"
	"github.com/menta2k/vision-qa/pkg/types"
)

// Version of the vision-qa library
const Version = "1.0.0"

// VisionQA wires the inference client, actions and upload processing together
type VisionQA struct {
	client    *inference.Client
	service   *qa.Service
	processor *processing.Processor
	probe     *ollama.Client
}

// Option customizes New
type Option func(*options)

type options struct {
	logger     zerolog.Logger
	clientOpts []inference.Option
}

// WithLogger sets the logger shared by all components
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClientOptions passes extra options to the inference client
func WithClientOptions(opts ...inference.Option) Option {
	return func(o *options) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// New creates a VisionQA from configuration
func New(cfg *config.Config, opts ...Option) (*VisionQA, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	clientOpts := append([]inference.Option{
		inference.WithTimeout(cfg.Ollama.Timeout),
		inference.WithLogger(o.logger),
	}, o.clientOpts...)
	client, err := inference.NewClient(cfg.Ollama.Endpoint, clientOpts...)
	if err != nil {
		return nil, err
	}

	probe, err := ollama.NewClient(cfg.Ollama.Endpoint)
	if err != nil {
		return nil, err
	}

	processor := processing.NewProcessorWithConfig(processing.Config{
		MaxSide: cfg.Upload.MaxSide,
		Quality: cfg.Upload.Quality,
		Formats: cfg.Upload.Formats,
	})

	return &VisionQA{
		client:    client,
		service:   qa.NewServiceWithCeiling(client, cfg.Tokens.AnswerCeiling, o.logger),
		processor: processor,
		probe:     probe,
	}, nil
}

// Client returns the underlying inference client
func (v *VisionQA) Client() *inference.Client {
	return v.client
}

// Service returns the answer/summarize actions
func (v *VisionQA) Service() *qa.Service {
	return v.service
}

// Processor returns the upload processor
func (v *VisionQA) Processor() *processing.Processor {
	return v.processor
}

// Probe returns the Ollama server probe
func (v *VisionQA) Probe() *ollama.Client {
	return v.probe
}

// LoadImage reads an image from a file or URL and prepares it for the model
func (v *VisionQA) LoadImage(source string) (*types.Upload, error) {
	data, err := v.processor.LoadSource(source)
	if err != nil {
		return nil, err
	}
	upload, err := v.processor.PrepareUpload(data)
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", source, err)
	}
	return upload, nil
}

// AnswerFile asks a question about the image at source
func (v *VisionQA) AnswerFile(ctx context.Context, model, question, source string, maxTokens int) (string, error) {
	upload, err := v.LoadImage(source)
	if err != nil {
		return "", err
	}
	return v.service.Answer(ctx, model, question, upload.Data, maxTokens)
}

// SummarizeFile describes the image at source in long form
func (v *VisionQA) SummarizeFile(ctx context.Context, model, source string, maxTokens int) (string, error) {
	upload, err := v.LoadImage(source)
	if err != nil {
		return "", err
	}
	return v.service.Summarize(ctx, model, upload.Data, maxTokens)
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
