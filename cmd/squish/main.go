package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"

	"squish/internal/codec"
	"squish/internal/config"
	"squish/internal/logx"
	"squish/internal/scheduler"
	"squish/internal/task"
	"squish/internal/util"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

func main() {
	startTime := time.Now()

	defaults := config.Default()

	configPath := flag.String("config", "", "Path to TOML config file")
	srcDir := flag.String("src", defaults.SourceDir, "Source directory to scan for images")
	outDir := flag.String("out", defaults.OutputDir, "Output directory (default: alongside sources)")
	workerCount := flag.Int("workers", defaults.WorkerCount, "Number of compression workers")
	recursive := flag.Bool("recursive", defaults.RecursiveScan, "Recursively scan directories")
	verbose := flag.Bool("verbose", defaults.Verbose, "Enable verbose output")
	diagnose := flag.Bool("diagnose", false, "Show diagnostic information")

	mode := flag.String("mode", defaults.Mode, "Compression mode: lossy or lossless")
	quality := flag.Int("quality", defaults.Quality, "Encoding quality 0-100 (lossy)")
	targetSize := flag.Int("target-size", defaults.TargetSizeKB, "Target output size in KB (0 = off, implies lossy)")
	maxWidth := flag.Int("max-width", defaults.MaxWidth, "Maximum output width in pixels (0 = unlimited)")
	maxHeight := flag.Int("max-height", defaults.MaxHeight, "Maximum output height in pixels (0 = unlimited)")
	format := flag.String("format", defaults.Format, "Target format: auto, jpeg, png, gif, tiff or bmp")
	keepMetadata := flag.Bool("keep-metadata", defaults.KeepMetadata, "Request metadata preservation")

	logFile := flag.String("log-file", defaults.LogFile, "Write logs to this file (rotated)")

	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	// Explicit flags win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "src":
			cfg.SourceDir = *srcDir
		case "out":
			cfg.OutputDir = *outDir
		case "workers":
			cfg.WorkerCount = *workerCount
		case "recursive":
			cfg.RecursiveScan = *recursive
		case "verbose":
			cfg.Verbose = *verbose
		case "mode":
			cfg.Mode = *mode
		case "quality":
			cfg.Quality = *quality
		case "target-size":
			cfg.TargetSizeKB = *targetSize
		case "max-width":
			cfg.MaxWidth = *maxWidth
		case "max-height":
			cfg.MaxHeight = *maxHeight
		case "format":
			cfg.Format = *format
		case "keep-metadata":
			cfg.KeepMetadata = *keepMetadata
		case "log-file":
			cfg.LogFile = *logFile
		}
	})

	logCfg := logx.Default()
	logCfg.Level = cfg.LogLevel
	logCfg.Format = cfg.LogFormat
	logCfg.FilePath = cfg.LogFile
	if cfg.Verbose {
		logCfg.Level = "debug"
	}
	logger := logx.Setup(logCfg)

	fmt.Printf("Squish batch image compressor\n")
	fmt.Printf("Scanning directory: %s\n", cfg.SourceDir)
	fmt.Printf("Workers: %d\n", cfg.WorkerCount)

	if *diagnose {
		stopDiagnostics := util.StartDiagnosticMonitor(logger, startTime, 30*time.Second)
		defer close(stopDiagnostics)
		util.LogFullDiagnostics(logger, startTime)
	}

	opts, err := buildOptions(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	files, err := discoverFiles(cfg.SourceDir, cfg.RecursiveScan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: file discovery failed: %v\n", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Printf("No image files found in %s\n", cfg.SourceDir)
		return
	}

	var totalSize int64
	for _, f := range files {
		totalSize += f.Size
	}
	fmt.Printf("Found %d image files to compress (%s total)\n",
		len(files), util.FormatBytes(totalSize))

	schedCfg := scheduler.DefaultConfig()
	schedCfg.Workers = cfg.WorkerCount
	schedCfg.MaxQueue = cfg.MaxQueue
	sched := scheduler.New(schedCfg, codec.NewExecutor(logger), logger)
	defer sched.Close()

	enqueued := 0
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			logger.Warn().Str("path", f.Path).Err(err).Msg("skipping unreadable file")
			continue
		}
		if _, _, err := sched.Enqueue(f.Path, data, opts); err != nil {
			logger.Warn().Str("path", f.Path).Err(err).Msg("enqueue rejected")
			break
		}
		enqueued++
	}
	if enqueued == 0 {
		fmt.Println("Nothing to do")
		return
	}

	bar := progressbar.NewOptions(enqueued,
		progressbar.OptionSetDescription("Compressing"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)

	// The update stream is best-effort and may drop notifications under
	// pressure; Stats is authoritative, so the bar polls it instead.
	stopBar := make(chan struct{})
	go func() {
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopBar:
				return
			case <-ticker.C:
				st := sched.Stats()
				bar.Set(st.Completed + st.Failed + st.Cancelled)
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		fmt.Printf("\nReceived signal %v, cancelling...\n", sig)
		sched.Cancel()
	}()

	sched.Start()
	sched.Wait()
	close(stopBar)

	stats := sched.Stats()
	bar.Set(stats.Completed + stats.Failed + stats.Cancelled)
	bar.Finish()

	written, failed := writeOutputs(sched, cfg.OutputDir, logger)

	elapsed := time.Since(startTime).Round(time.Millisecond)

	fmt.Printf("\nProcessing completed in %s\n", elapsed)
	fmt.Printf("Compressed: %d, Failed: %d, Cancelled: %d\n",
		stats.Completed, stats.Failed, stats.Cancelled)
	if stats.OutputBytes > 0 {
		saved := stats.InputBytes - stats.OutputBytes
		fmt.Printf("Data: %s in, %s out (%.1f%% saved)\n",
			util.FormatBytes(stats.InputBytes),
			util.FormatBytes(stats.OutputBytes),
			float64(saved)/float64(stats.InputBytes)*100)
	}
	fmt.Printf("Files written: %d\n", written)

	if len(failed) > 0 {
		fmt.Printf("\nFailed to compress %d files:\n", len(failed))
		for i, t := range failed {
			if i >= 10 {
				fmt.Printf("  - ... and %d more\n", len(failed)-10)
				break
			}
			fmt.Printf("  - %s: %s\n", t.Name, t.Error)
		}
	}

	if *diagnose {
		util.LogFullDiagnostics(logger, startTime)
	}
}

// buildOptions translates CLI configuration into per-task encoding options.
func buildOptions(cfg config.Config) (task.Options, error) {
	opts := task.DefaultOptions()
	opts.Mode = task.Mode(cfg.Mode)
	opts.Quality = cfg.Quality
	opts.TargetFormat = task.Format(cfg.Format)
	opts.PreserveMetadata = cfg.KeepMetadata
	if cfg.TargetSizeKB > 0 {
		v := cfg.TargetSizeKB
		opts.TargetSizeKB = &v
	}
	if cfg.MaxWidth > 0 {
		v := cfg.MaxWidth
		opts.MaxWidth = &v
	}
	if cfg.MaxHeight > 0 {
		v := cfg.MaxHeight
		opts.MaxHeight = &v
	}

	adjustments, err := opts.Normalize()
	if err != nil {
		return opts, err
	}
	for _, a := range adjustments {
		fmt.Printf("Note: %s\n", a)
	}
	return opts, nil
}

// FileInfo represents a discovered file
type FileInfo struct {
	Path string
	Size int64
}

// discoverFiles finds all supported image files in the source directory
func discoverFiles(sourceDir string, recursive bool) ([]FileInfo, error) {
	var files []FileInfo

	walkFn := func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() && !recursive && path != sourceDir {
			return filepath.SkipDir
		}

		if !info.IsDir() && imageExtensions[strings.ToLower(filepath.Ext(path))] {
			files = append(files, FileInfo{
				Path: path,
				Size: info.Size(),
			})
		}

		return nil
	}

	if err := filepath.Walk(sourceDir, walkFn); err != nil {
		return nil, err
	}

	return files, nil
}

// writeOutputs persists completed results and returns the write count plus
// the tasks that failed compression.
func writeOutputs(sched *scheduler.Scheduler, outDir string, logger zerolog.Logger) (int, []task.Task) {
	written := 0
	var failed []task.Task

	for _, t := range sched.Snapshot() {
		switch t.Status {
		case task.StatusFailed:
			failed = append(failed, t)
			continue
		case task.StatusCompleted:
		default:
			continue
		}

		dir := outDir
		if dir == "" {
			dir = filepath.Dir(t.Name)
		} else if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Warn().Str("dir", dir).Err(err).Msg("cannot create output directory")
			continue
		}

		base := strings.TrimSuffix(filepath.Base(t.Name), filepath.Ext(t.Name))
		outPath := filepath.Join(dir, base+"_compressed."+extensionFor(t.OutputFormat))
		if err := os.WriteFile(outPath, t.Output, 0o644); err != nil {
			logger.Warn().Str("path", outPath).Err(err).Msg("cannot write output")
			continue
		}
		written++
	}
	return written, failed
}

func extensionFor(format string) string {
	switch format {
	case "jpeg":
		return "jpg"
	case "":
		return "out"
	default:
		return format
	}
}
