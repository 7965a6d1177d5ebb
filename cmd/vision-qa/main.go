package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	visionqa "github.com/menta2k/vision-qa"
	"github.com/menta2k/vision-qa/internal/logging"
	"github.com/menta2k/vision-qa/pkg/config"
	"github.com/menta2k/vision-qa/pkg/ollama"
	"github.com/menta2k/vision-qa/pkg/web"
)

const usage = `usage: %s <command> [flags]

commands:
  serve      run the web shell
  ask        answer a question about an image
  describe   write a long-form description of an image
  models     list configured models and whether they are installed
  init       write a default config file
  version    print the version

run "%s <command> -h" for command flags
`

// commonFlags are shared by every subcommand
type commonFlags struct {
	configPath string
	url        string
	model      string
	maxTokens  int
	timeout    time.Duration
	logLevel   string
	logFormat  string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "config file (YAML); defaults to "+config.GetConfigPath())
	fs.StringVar(&c.url, "url", "", "Ollama generate endpoint (default from config, http://localhost:11434/api/generate)")
	fs.StringVar(&c.model, "model", "", "model name (default: first configured model)")
	fs.IntVar(&c.maxTokens, "max-tokens", 0, "output token budget (default from config)")
	fs.DurationVar(&c.timeout, "timeout", -1, "request timeout, 0 waits indefinitely (default from config)")
	fs.StringVar(&c.logLevel, "log-level", "", "log level: debug|info|warn|error")
	fs.StringVar(&c.logFormat, "log-format", "", "log format: console|json")
}

// load builds the effective configuration: file, then environment, then flags
func (c *commonFlags) load() (*config.Config, error) {
	path := c.configPath
	if path == "" {
		path = config.GetConfigPath()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if c.url != "" {
		cfg.Ollama.Endpoint = c.url
	}
	if c.timeout >= 0 {
		cfg.Ollama.Timeout = c.timeout
	}
	if c.maxTokens > 0 {
		cfg.Tokens.Default = c.maxTokens
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.logFormat != "" {
		cfg.Log.Format = c.logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if c.model == "" {
		c.model = cfg.Ollama.Models[0]
	}
	if !cfg.HasModel(c.model) {
		return nil, fmt.Errorf("unknown model %q (configured: %s)", c.model, strings.Join(cfg.Ollama.Models, ", "))
	}
	return cfg, nil
}

func main() {
	prog := filepath.Base(os.Args[0])
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, prog, prog)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", prog, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string, stdout io.Writer) error {
	switch command {
	case "serve":
		return runServe(ctx, args)
	case "ask":
		return runAsk(ctx, args, stdout)
	case "describe":
		return runDescribe(ctx, args, stdout)
	case "models":
		return runModels(ctx, args, stdout)
	case "init":
		return runInit(args, stdout)
	case "version":
		fmt.Fprintln(stdout, visionqa.GetVersion())
		return nil
	case "-h", "--help", "help":
		prog := filepath.Base(os.Args[0])
		fmt.Fprintf(stdout, usage, prog, prog)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// setup parses flags and builds config, logger and the library. apply, when
// set, adjusts the configuration before anything is built from it.
func setup(fs *flag.FlagSet, common *commonFlags, args []string, apply func(*config.Config)) (*config.Config, zerolog.Logger, *visionqa.VisionQA, error) {
	if err := fs.Parse(args); err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	cfg, err := common.load()
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	if apply != nil {
		apply(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, zerolog.Nop(), nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), nil, err
	}
	vqa, err := visionqa.New(cfg, visionqa.WithLogger(logger))
	if err != nil {
		return nil, logger, nil, err
	}
	return cfg, logger, vqa, nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	var addr string
	var maxSide int
	fs.StringVar(&addr, "addr", "", "listen address (default from config, :8501)")
	fs.IntVar(&maxSide, "max-side", -1, "downscale uploads whose long side exceeds this (px), 0=send original")

	cfg, logger, vqa, err := setup(fs, &common, args, func(cfg *config.Config) {
		if addr != "" {
			cfg.Server.Addr = addr
		}
		if maxSide >= 0 {
			cfg.Upload.MaxSide = maxSide
		}
	})
	if err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := vqa.Probe().Ping(pingCtx); err != nil {
		logger.Warn().Err(err).Str("url", vqa.Probe().BaseURL()).Msg("Ollama server not reachable; requests will fail until it is up")
	}
	cancel()

	srv, err := web.NewServer(cfg, vqa.Service(), vqa.Processor(), vqa.Probe(), logger)
	if err != nil {
		return err
	}
	logger.Info().
		Str("endpoint", vqa.Client().Endpoint()).
		Strs("models", cfg.Ollama.Models).
		Dur("timeout", cfg.Ollama.Timeout).
		Msg("starting vision-qa " + visionqa.GetVersion())

	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runAsk(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	var imagePath, question string
	fs.StringVar(&imagePath, "image", "", "input image path or URL (jpg/png/webp)")
	fs.StringVar(&question, "q", "", "question about the image")

	cfg, logger, vqa, err := setup(fs, &common, args, nil)
	if err != nil {
		return err
	}
	if imagePath == "" || strings.TrimSpace(question) == "" {
		return fmt.Errorf("ask requires -image and -q")
	}

	logger.Debug().Str("model", common.model).Str("image", imagePath).Msg("asking")
	answer, err := vqa.AnswerFile(ctx, common.model, question, imagePath, cfg.Tokens.Default)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, answer)
	return nil
}

func runDescribe(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("describe", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	var imagePath string
	fs.StringVar(&imagePath, "image", "", "input image path or URL (jpg/png/webp)")

	cfg, logger, vqa, err := setup(fs, &common, args, nil)
	if err != nil {
		return err
	}
	if imagePath == "" {
		return fmt.Errorf("describe requires -image")
	}

	logger.Debug().Str("model", common.model).Str("image", imagePath).Msg("describing")
	summary, err := vqa.SummarizeFile(ctx, common.model, imagePath, cfg.Tokens.Default)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, summary)
	return nil
}

func runModels(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("models", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)

	cfg, _, vqa, err := setup(fs, &common, args, nil)
	if err != nil {
		return err
	}

	installed, err := vqa.Probe().InstalledModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range ollama.MatchModels(cfg.Ollama.Models, installed) {
		mark := "missing"
		if m.Installed {
			mark = "installed"
		}
		fmt.Fprintf(stdout, "%-20s %s\n", m.Name, mark)
	}
	return nil
}

func runInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	var path string
	var force bool
	fs.StringVar(&path, "config", config.GetConfigPath(), "where to write the config file")
	fs.BoolVar(&force, "force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", path)
	}
	if err := config.Default().SaveToFile(path); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", path)
	return nil
}
