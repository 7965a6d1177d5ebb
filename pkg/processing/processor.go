package processing

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"

	"github.com/menta2k/vision-qa/pkg/types"
)

// ErrUnsupportedFormat is returned for data that is not a supported image
var ErrUnsupportedFormat = errors.New("unsupported image format")

// ErrEmptyImage is returned when no image data was provided
var ErrEmptyImage = errors.New("empty image")

// DefaultFormats are the image formats accepted from users
var DefaultFormats = []string{"jpeg", "png", "webp"}

// Config controls how uploads are prepared
type Config struct {
	// MaxSide downscales images whose long side exceeds it; 0 sends the original bytes
	MaxSide int
	// Quality is the JPEG quality used when an image has to be re-encoded
	Quality int
	Formats []string
}

// Processor validates and prepares images before they are sent to a model
type Processor struct {
	config Config
}

// NewProcessor creates a processor that passes JPEG and PNG through unchanged
func NewProcessor() *Processor {
	return NewProcessorWithConfig(Config{Quality: 85, Formats: DefaultFormats})
}

// NewProcessorWithConfig creates a processor with custom configuration
func NewProcessorWithConfig(cfg Config) *Processor {
	if cfg.Quality < 1 || cfg.Quality > 100 {
		cfg.Quality = 85
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = DefaultFormats
	}
	return &Processor{config: cfg}
}

// LoadFromURL downloads image bytes from a URL
func (p *Processor) LoadFromURL(imageURL string) ([]byte, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	req, err := http.NewRequest(http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "vision-qa/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image: HTTP %d %s", resp.StatusCode, resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image data: %w", err)
	}
	return data, nil
}

// LoadSource reads image bytes from either a file path or an http(s) URL
func (p *Processor) LoadSource(source string) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return p.LoadFromURL(source)
	}
	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read image file: %w", err)
	}
	return data, nil
}

// PrepareUpload checks that data is a supported image and returns the bytes to send.
// JPEG and PNG within MaxSide are returned unchanged; WebP is converted to JPEG.
func (p *Processor) PrepareUpload(data []byte) (*types.Upload, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	if !p.isFormatSupported(format) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	upload := &types.Upload{
		Data:   data,
		Format: format,
		MIME:   "image/" + format,
		Width:  cfg.Width,
		Height: cfg.Height,
	}

	needsResize := p.config.MaxSide > 0 && (cfg.Width > p.config.MaxSide || cfg.Height > p.config.MaxSide)
	if format != "webp" && !needsResize {
		return upload, nil
	}

	img, err := p.decode(data, format)
	if err != nil {
		return nil, err
	}

	if needsResize {
		img = imaging.Fit(img, p.config.MaxSide, p.config.MaxSide, imaging.Lanczos)
		upload.Resized = true
	}

	outFormat := format
	if format == "webp" {
		outFormat = "jpeg"
		upload.Converted = true
	}

	encoded, err := p.encode(img, outFormat)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	upload.Data = encoded
	upload.Format = outFormat
	upload.MIME = "image/" + outFormat
	upload.Width = b.Dx()
	upload.Height = b.Dy()
	return upload, nil
}

// DataURL encodes an upload for inline display
func DataURL(u *types.Upload) string {
	return "data:" + u.MIME + ";base64," + base64.StdEncoding.EncodeToString(u.Data)
}

func (p *Processor) decode(data []byte, format string) (image.Image, error) {
	if format == "webp" {
		img, err := webp.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("failed to decode webp: %w", err)
		}
		return img, nil
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

func (p *Processor) encode(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("failed to encode png: %w", err)
		}
	default:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: p.config.Quality}); err != nil {
			return nil, fmt.Errorf("failed to encode jpeg: %w", err)
		}
	}
	return buf.Bytes(), nil
}

func (p *Processor) isFormatSupported(format string) bool {
	for _, supported := range p.config.Formats {
		if strings.EqualFold(format, supported) || (format == "jpeg" && strings.EqualFold(supported, "jpg")) {
			return true
		}
	}
	return false
}
