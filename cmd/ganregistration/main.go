package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/klauspost/cpuid/v2"

	"ganregistration/internal/models"
	"ganregistration/pkg/config"
	"ganregistration/pkg/logging"
	"ganregistration/pkg/nn"
	"ganregistration/pkg/registration"
	"ganregistration/pkg/sampler"
	"ganregistration/pkg/visualization"
	"ganregistration/pkg/volio"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "ganregistration.yaml", "Configuration file (.yaml or .toml)")
	initConfig := flag.Bool("init-config", false, "Write a default configuration file to -config and exit")
	dataRoot := flag.String("data", "", "Directory holding the dataset volumes")
	variant := flag.String("variant", "", fmt.Sprintf("Dataset variant %v", sampler.Variants()))
	epochs := flag.Int("epochs", 0, "Number of training epochs")
	batchSize := flag.Int("batch", 0, "Crops per batch")
	workers := flag.Int("workers", -1, "Operator parallelism (0: all logical cores)")
	checkpointDir := flag.String("checkpoint-dir", "", "Directory for network checkpoints")
	sampleDir := flag.String("sample-dir", "", "Directory for evaluation slices")
	resume := flag.String("resume", "", "Checkpoint to resume training from")
	exportVolume := flag.String("extract-slices", "", "Volume file whose slices are exported instead of training")
	slicesDir := flag.String("slices-dir", "extracted_slices", "Directory to save extracted slices")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	if *exportVolume != "" {
		if err := extractSlices(*exportVolume, *slicesDir); err != nil {
			log.Fatalf("Slice extraction failed: %v", err)
		}
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data":
			cfg.Dataset.DataRoot = *dataRoot
		case "variant":
			cfg.Dataset.Variant = *variant
		case "epochs":
			cfg.Training.Epochs = *epochs
		case "batch":
			cfg.Training.BatchSize = *batchSize
		case "workers":
			cfg.Training.Workers = *workers
		case "checkpoint-dir":
			cfg.Output.CheckpointDir = *checkpointDir
		case "sample-dir":
			cfg.Output.SampleDir = *sampleDir
		case "verbose":
			cfg.Output.Verbose = *verbose
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	cfg.Log.SetLogger()
	defer logging.Shutdown()
	if cfg.Output.Verbose {
		logging.SetLogMode(logging.DebugMode)
	}
	nn.SetWorkers(cfg.Training.Workers)

	fmt.Println("================================")
	fmt.Println("ADVERSARIAL DEFORMABLE REGISTRATION OF 3D MICROSCOPY VOLUMES")
	fmt.Println("================================")
	fmt.Printf("Dataset: %s (%s)\n", cfg.Dataset.Variant, cfg.Dataset.DataRoot)
	fmt.Printf("CPU: %s, %d operator workers\n", cpuid.CPU.BrandName, nn.Workers())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ds, err := sampler.LookupDataset(cfg.Dataset.Variant)
	if err != nil {
		log.Fatalf("Failed to load corpus: %v", err)
	}
	opts := sampler.LoadOptions{
		Root:      cfg.Dataset.DataRoot,
		BatchSize: cfg.Training.BatchSize,
		Workers:   cfg.Dataset.LoadWorkers,
	}
	if c := cfg.Dataset.CropSize; c[0] > 0 && c[1] > 0 && c[2] > 0 {
		opts.CropSize = models.Shape(c)
	}
	crop := ds.CropSize
	if opts.CropSize != (models.Shape{}) {
		crop = opts.CropSize
	}
	if _, err := registration.PlanCrop(crop); err != nil {
		log.Fatalf("Variant %s cannot be trained with %s crops: %v", ds.Name, crop, err)
	}
	corpus, err := sampler.LoadCorpus(ctx, ds, opts)
	if err != nil {
		log.Fatalf("Failed to load corpus: %v", err)
	}

	trainer, err := registration.NewTrainer(corpus, cfg)
	if err != nil {
		log.Fatalf("Failed to build networks: %v", err)
	}
	if *resume != "" {
		if err := trainer.LoadCheckpoint(*resume); err != nil {
			log.Fatalf("Failed to resume: %v", err)
		}
	}

	fmt.Printf("Training run %s: %d epochs of %d batches\n", trainer.RunID(), cfg.Training.Epochs, corpus.BatchesPerEpoch())
	startTime := time.Now()
	history, err := trainer.Train(ctx)
	processingTime := time.Since(startTime)
	if err != nil {
		if ctx.Err() != nil && cfg.Output.CheckpointDir != "" {
			path := filepath.Join(cfg.Output.CheckpointDir, trainer.RunID()+"-interrupted.ckpt")
			if serr := trainer.SaveCheckpoint(path); serr == nil {
				fmt.Printf("Interrupted; checkpoint saved to %s\n", path)
			}
		}
		log.Fatalf("Training failed after %d epochs: %v", trainer.Epoch(), err)
	}

	fmt.Printf("\nTraining completed in %.2f seconds\n", processingTime.Seconds())
	if len(history) > 0 {
		last := history[len(history)-1]
		fmt.Printf("Final epoch %d:\n", last.Epoch)
		fmt.Printf("- Discriminator loss: %.4f (accuracy %.1f%%)\n", last.DiscLoss, 100*last.DiscAccuracy)
		fmt.Printf("- Generator loss: %.4f (gradient penalty %.4f)\n", last.GenLoss, last.Penalty)
		if ev := last.Evaluation; ev != nil {
			fmt.Printf("- %s volume %d RMSE: %.4f -> %.4f\n", ev.Mode, ev.Subject, ev.Before.RMSE, ev.After.RMSE)
			fmt.Printf("- %s volume %d correlation: %.4f -> %.4f\n", ev.Mode, ev.Subject, ev.Before.Correlation, ev.After.Correlation)
		}
	}
	if cfg.Output.CheckpointDir != "" {
		fmt.Printf("Checkpoints saved to: %s\n", cfg.Output.CheckpointDir)
	}
}

// extractSlices writes every slice of a volume file along all axes.
func extractSlices(path, outputDir string) error {
	vol, hdr, err := volio.Read(path)
	if err != nil {
		return err
	}
	fmt.Printf("Extracting slices of %s (%s, %s)\n", path, hdr.Format, vol.Shape)
	viewer := visualization.NewViewer(vol)
	for _, axis := range []string{"x", "y", "z"} {
		axisDir := filepath.Join(outputDir, axis)
		fmt.Printf("Saving %s-axis slices to: %s\n", axis, axisDir)
		if err := viewer.SaveSliceSequence(axis, axisDir); err != nil {
			log.Printf("Warning: Failed to save %s-axis slices: %v", axis, err)
		}
	}
	fmt.Println("Slice extraction completed!")
	return nil
}
