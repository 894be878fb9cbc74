package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	faceoverlay "github.com/menta2k/face-overlay"
	"github.com/menta2k/face-overlay/internal/config"
	"github.com/menta2k/face-overlay/internal/logger"
	"github.com/menta2k/face-overlay/pkg/capture"
)

func main() {
	var configPath, envPath string
	var source, device, path string
	var modelsPath, modelsURL string
	var backend, url, model string
	var interval time.Duration
	var overlap, display, previewAddr, snapshotDir, snapshotFmt string
	var logLevel, logFile string
	var listCameras, showVersion, writeConfig bool

	flag.StringVar(&configPath, "config", "", "JSON config file (default "+config.GetConfigPath()+" if present)")
	flag.StringVar(&envPath, "env", ".env", "env file with FACEOVERLAY_* overrides")

	flag.StringVar(&source, "source", "", "camera source: webcam|file|image")
	flag.StringVar(&device, "device", "", "webcam device (e.g. /dev/video0)")
	flag.StringVar(&path, "path", "", "video file, image or image directory for file/image sources")

	flag.StringVar(&modelsPath, "models", "", "directory or URL path of the model weight manifests")
	flag.StringVar(&modelsURL, "models-url", "", "base URL the models path is served from")

	flag.StringVar(&backend, "backend", "", "detector backend: remote|ollama|llamacpp")
	flag.StringVar(&url, "url", "", "detector URL (defaults: remote=ws://localhost:8080/ws, ollama="+faceoverlay.DefaultOllamaURL+", llamacpp="+faceoverlay.DefaultLlamaCppURL+")")
	flag.StringVar(&model, "model", "", "vision model name for ollama/llamacpp")

	flag.DurationVar(&interval, "interval", 0, "detection interval (default 200ms)")
	flag.StringVar(&overlap, "overlap", "", "policy for ticks during a running cycle: skip|queue")
	flag.StringVar(&display, "display", "", "display size WxH (default 720x560)")

	flag.StringVar(&previewAddr, "preview", "", "serve the preview on this address (e.g. :8090)")
	flag.StringVar(&snapshotDir, "snapshots", "", "write snapshots of frames with faces to this directory")
	flag.StringVar(&snapshotFmt, "snapshot-format", "", "snapshot format: jpg|png|webp")

	flag.StringVar(&logLevel, "log-level", "", "log level: trace|debug|info|warn|error")
	flag.StringVar(&logFile, "log-file", "", "also write logs to this rotating file")

	flag.BoolVar(&listCameras, "list-cameras", false, "list webcam devices and exit")
	flag.BoolVar(&writeConfig, "write-config", false, "write the effective config to -config and exit")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("faceoverlay %s\n", faceoverlay.Version)
		return
	}
	if listCameras {
		cams, err := capture.ListCameras()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list cameras: %v\n", err)
			os.Exit(1)
		}
		for _, cam := range cams {
			fmt.Println(cam)
		}
		return
	}

	if configPath == "" {
		configPath = config.GetConfigPath()
	}
	cfg, err := config.Load(configPath, envPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override file and environment settings
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Camera.Source, source)
	set(&cfg.Camera.Device, device)
	set(&cfg.Camera.Path, path)
	set(&cfg.Models.Path, modelsPath)
	set(&cfg.Models.BaseURL, modelsURL)
	if backend != "" && backend != cfg.Detector.Backend {
		cfg.Detector.Backend = backend
		cfg.Detector.URL = ""
		if backend == config.BackendRemote {
			cfg.Detector.URL = config.Default().Detector.URL
		}
	}
	set(&cfg.Detector.URL, url)
	set(&cfg.Detector.Model, model)
	set(&cfg.Poller.Overlap, overlap)
	set(&cfg.Snapshot.Format, snapshotFmt)
	set(&cfg.Log.Level, logLevel)
	set(&cfg.Log.File, logFile)
	if interval > 0 {
		cfg.Poller.Interval = config.Duration{Duration: interval}
	}
	if display != "" {
		w, h, err := parseSize(display)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -display: %v\n", err)
			os.Exit(2)
		}
		cfg.Display.Width, cfg.Display.Height = w, h
	}
	if previewAddr != "" {
		cfg.Preview.Enabled = true
		cfg.Preview.Addr = previewAddr
	}
	if snapshotDir != "" {
		cfg.Snapshot.Enabled = true
		cfg.Snapshot.Dir = snapshotDir
	}

	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}

	if writeConfig {
		if err := cfg.SaveToFile(configPath); err != nil {
			log.WithError(err).Fatal("failed to write config")
		}
		log.WithField("path", filepath.Clean(configPath)).Info("config written")
		return
	}

	app, err := faceoverlay.New(cfg, faceoverlay.WithLogger(log))
	if err != nil {
		log.WithError(err).Fatal("failed to initialize")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(logger.Fields{
		"version": faceoverlay.Version,
		"source":  cfg.Camera.Source,
		"backend": cfg.Detector.Backend,
		"display": fmt.Sprintf("%dx%d", cfg.Display.Width, cfg.Display.Height),
	}).Info("starting face overlay")

	if err := app.Run(ctx); err != nil {
		log.WithError(err).Fatal("face overlay stopped")
	}

	stats := app.Stats()
	log.WithFields(logger.Fields{
		"completed": stats.Completed,
		"failed":    stats.Failed,
		"skipped":   stats.Skipped,
	}).Info("face overlay stopped")
}

func parseSize(s string) (int, int, error) {
	parts := strings.SplitN(strings.ToLower(s), "x", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected WxH, got %q", s)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad width in %q: %w", s, err)
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("bad height in %q: %w", s, err)
	}
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("size must be positive, got %q", s)
	}
	return w, h, nil
}
