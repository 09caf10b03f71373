package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/nnserver/pkg/annotate"
	"github.com/cyclopcam/nnserver/pkg/archive"
	"github.com/cyclopcam/nnserver/pkg/buildinfo"
	"github.com/cyclopcam/nnserver/pkg/camera"
	"github.com/cyclopcam/nnserver/pkg/config"
	"github.com/cyclopcam/nnserver/pkg/emit"
	"github.com/cyclopcam/nnserver/pkg/nn"
	"github.com/cyclopcam/nnserver/pkg/nnload"
	"github.com/cyclopcam/nnserver/pkg/scheduler"
	"github.com/cyclopcam/nnserver/pkg/shell"
	"github.com/cyclopcam/nnserver/pkg/source"
)

const (
	exitOK    = 0
	exitUsage = 1
	exitFatal = 2
)

const annotationTimestampFormat = "2006-01-02 15:04:05"

func main() {
	parser := argparse.NewParser("nnserver", "Run a neural network over every image that arrives in a directory, or from a camera")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file"})
	showDefaults := parser.Flag("", "defaults", &argparse.Options{Help: "Print the default configuration and exit", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(exitUsage)
	}
	if *showDefaults {
		fmt.Println(config.DefaultJSON())
		os.Exit(exitOK)
	}
	if *configFile == "" {
		fmt.Print(parser.Usage("--config is required"))
		fmt.Printf("\nDefault configuration:\n%v\n", config.DefaultJSON())
		os.Exit(exitUsage)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(exitFatal)
	}

	logger.Infof("nnserver %v", buildinfo.Version)

	cfg, merged, warnings, err := config.Load(*configFile)
	if merged != nil {
		logger.Infof("Configuration:\n%v", config.Format(merged))
	}
	for _, w := range warnings {
		logger.Warnf("%v", w)
	}
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(exitFatal)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, logger, cfg); err != nil {
		logger.Errorf("%v", err)
		daemon.SdNotify(false, daemon.SdNotifyStopping)
		os.Exit(exitFatal)
	}
	daemon.SdNotify(false, daemon.SdNotifyStopping)
}

func serve(ctx context.Context, logger logs.Log, cfg *config.Config) error {
	network := cfg.NNServer.Lib.Network
	lib := cfg.NNServer.Lib.Settings
	settings := cfg.NNServer.Server.Settings

	model, err := nnload.LoadModel(logger, nnload.ModelSettings{
		Driver:      network.Driver,
		Model:       network.Model,
		Names:       network.Names,
		ONNXRuntime: network.ONNXRuntime,
		URL:         network.URL,
		Width:       network.Width,
		Height:      network.Height,
		Threads:     lib.General.Threads,
	})
	if err != nil {
		return err
	}
	defer model.Close()
	predictor := nn.NewPredictor(model, predictorOptions(cfg))

	if settings.ClearOutputDirectoryOnStartup {
		logger.Infof("Clearing %v", settings.OutputDirectory)
		if err := os.RemoveAll(settings.OutputDirectory); err != nil {
			return fmt.Errorf("Failed to clear output directory: %w", err)
		}
	}
	if err := os.MkdirAll(settings.OutputDirectory, 0755); err != nil {
		return fmt.Errorf("Failed to create output directory: %w", err)
	}

	var src source.Source
	if settings.UseCameraForInput {
		cam := settings.Camera
		src, err = camera.Open(logger, camera.Options{
			Name:            cam.Name,
			Width:           cam.Width,
			Height:          cam.Height,
			FPS:             cam.FPS,
			BufferSize:      cam.BufferSize,
			SaveOriginal:    cam.SaveOriginalImage,
			OutputDirectory: settings.OutputDirectory,
		})
	} else {
		if err := os.MkdirAll(settings.InputDirectory, 0755); err != nil {
			return fmt.Errorf("Failed to create input directory: %w", err)
		}
		src, err = source.NewDirectory(logger, directoryOptions(&settings))
	}
	if err != nil {
		return err
	}
	defer src.Close()

	annotation := annotate.Options{
		LineThickness:   lib.Annotation.LineThickness,
		Shade:           lib.Annotation.ShadePredictions,
		AutoHideLabels:  lib.Annotation.AutoHideLabels,
		IncludeDuration: lib.Annotation.IncludeDuration,
	}
	if lib.Annotation.IncludeTimestamp {
		annotation.TimestampFormat = annotationTimestampFormat
	}
	emitter := emit.NewEmitter(logger, predictor, emit.Options{
		OutputDirectory: settings.OutputDirectory,
		SaveAnnotated:   settings.SaveAnnotatedImage,
		SaveTxt:         settings.SaveTxtAnnotations,
		SaveJSON:        settings.SaveJSONResults,
		SaveCrops:       settings.CropAndSaveDetectedObjects,
		Annotation:      annotation,
	})

	archiver, closeArchive, err := openArchive(ctx, logger, settings.Archive)
	if err != nil {
		return err
	}
	defer closeArchive()

	sched := scheduler.NewScheduler(logger, scheduler.Options{
		OutputDirectory: settings.OutputDirectory,
		ExitIfIdle:      settings.ExitIfIdle,
		IdleTime:        settings.IdleTime(),
		MaxBatchSize:    settings.MaxImagesToProcessAtOnce,
		Command:         settings.RunCmdAfterProcessingImages,
		CommandTimeout:  settings.CommandTimeout(),
		PurgeAfterCmd:   settings.PurgeFilesAfterCmdCompletes,
		ApplyROI:        settings.ApplyROI,
	}, src, emitter, shell.NewRunner(), archiver)

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	phase, err := sched.Run(ctx)
	state := sched.State()
	logger.Infof("Stopped in phase %v after %v images in %v batches (%v command failures)", phase, state.TotalProcessed, state.Batches, state.CommandFailures)
	if lib.General.Debug {
		avg, n := emitter.ResetStats()
		if n != 0 {
			logger.Infof("Average inference time: %.1f ms over %v images", avg.Seconds()*1000, n)
		}
		for _, w := range state.Warnings {
			logger.Infof("Warning during run: %v", w)
		}
	}
	return err
}

// ROI sidecars only travel to the outbox when they are going to be used
func directoryOptions(settings *config.ServerSettings) source.DirectoryOptions {
	return source.DirectoryOptions{
		Input:        settings.InputDirectory,
		Output:       settings.OutputDirectory,
		MoveROI:      settings.ApplyROI,
		PollInterval: settings.PollInterval(),
	}
}

func predictorOptions(cfg *config.Config) nn.PredictorOptions {
	lib := cfg.NNServer.Lib.Settings
	return nn.PredictorOptions{
		Params: nn.DetectionParams{
			ProbabilityThreshold: lib.General.Threshold,
			NmsIouThreshold:      lib.General.NMSThreshold,
		},
		EnableTiles: lib.Tiling.EnableTiles,
		Tiling: nn.TilingOptions{
			MinPadding:   lib.Tiling.TilePadding,
			CombineTiles: lib.Tiling.CombineTilePredictions,
		},
		FixOutOfBounds:         lib.General.FixOutOfBoundValues,
		Sort:                   nn.SortOrder(lib.General.SortPredictions),
		NamesIncludePercentage: lib.General.NamesIncludePercentage,
		IncludeAllNames:        lib.Annotation.IncludeAllNames,
	}
}

// Returns a nil archiver if archiving is disabled
func openArchive(ctx context.Context, logger logs.Log, settings config.Archive) (scheduler.Archiver, func(), error) {
	switch {
	case settings.Directory != "":
		store, err := archive.NewStoreFS(logger, settings.Directory)
		if err != nil {
			return nil, nil, err
		}
		logger.Infof("Archiving batches to %v", store.Root)
		return archive.NewArchiver(logger, store, settings.Prefix), func() {}, nil
	case settings.Bucket != "":
		store, err := archive.NewStoreGCS(ctx, logger, settings.Bucket)
		if err != nil {
			return nil, nil, err
		}
		logger.Infof("Archiving batches to gs://%v", settings.Bucket)
		return archive.NewArchiver(logger, store, settings.Prefix), func() { store.Close() }, nil
	}
	return nil, func() {}, nil
}
