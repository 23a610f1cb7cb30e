// igvc-train trains and evaluates the IGVC lane segmentation network.
//
// Usage:
//
//	igvc-train --cfgfile=cfg/igvc.cfg --epochs=5 --batch_size=4 --im_size=3,400,400 --save_model
//	igvc-train --cfgfile=cfg/igvc.cfg --test --load_model=backup/IGVCModel_5.ckpt
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/suhacker1/igvc-software/artifacts"
	"github.com/suhacker1/igvc-software/async"
	"github.com/suhacker1/igvc-software/checkpoints"
	"github.com/suhacker1/igvc-software/config"
	"github.com/suhacker1/igvc-software/engine"
	"github.com/suhacker1/igvc-software/layers"
	"github.com/suhacker1/igvc-software/tensor"
	"github.com/suhacker1/igvc-software/training"
	"github.com/suhacker1/igvc-software/vision/dataloader"
	"github.com/suhacker1/igvc-software/vision/dataset"
	"github.com/suhacker1/igvc-software/vision/preprocessing"
)

var (
	batchSize            = flag.Int("batch_size", 1, "input batch size for training")
	epochs               = flag.Int("epochs", 5, "number of epochs to train")
	imSize               = flag.String("im_size", "3,400,400", "image dimensions for training as channels,height,width")
	kernelSize           = flag.Int("kernel_size", 3, "convolution kernel size")
	lr                   = flag.Float64("lr", 1e-3, "learning rate")
	lrDecay              = flag.Float64("lr_decay", 1.0, "learning rate decay multiplier")
	stepInterval         = flag.Int("step_interval", 100, "epochs between learning rate decays")
	weightDecay          = flag.Float64("weight_decay", 0, "L2 weight decay")
	optimizerName        = flag.String("optimizer", "adam", "optimizer: adam or sgd")
	saveModel            = flag.Bool("save_model", false, "save checkpoints to the backup directory")
	saveInterval         = flag.Int("save_interval", 1, "epochs between checkpoints")
	loadModel            = flag.String("load_model", "", "checkpoint to initialize the model from")
	logInterval          = flag.Int("log_interval", 10, "batches between validation and logging")
	visualize            = flag.Bool("vis", false, "write prediction images at every log interval")
	noCuda               = flag.Bool("no_cuda", false, "disable accelerator training")
	seed                 = flag.Int64("seed", 1, "random seed")
	cfgFile              = flag.String("cfgfile", "cfg/igvc.cfg", "data config naming the train, test and backup locations")
	testMode             = flag.Bool("test", false, "evaluate a loaded model on the test split instead of training")
	valSamples           = flag.Int("val_samples", 10, "leading train list entries held out for validation")
	valBatches           = flag.Int("val_batches", 80, "batches per validation pass, -1 for all")
	addDistortion        = flag.Bool("add_distortion", false, "randomly shift saturation and value of training images")
	distortionPercentage = flag.Float64("distortion_percentage", 0.1, "maximum saturation/value shift as a fraction of 255")
	workers              = flag.Int("workers", 1, "goroutines loading samples of a batch")
	checkpointFormat     = flag.String("checkpoint_format", "proto", "checkpoint encoding: proto or json")
	logLevel             = flag.String("log_level", "info", "log level")
	plotURL              = flag.String("plot_url", "", "plotting sidecar base URL, empty to disable")
	cacheMB              = flag.Int("cache_mb", 256, "decoded image cache size in MB, 0 to disable")
	prefetch             = flag.Int("prefetch", 2, "training batches loaded ahead of the model, 0 to disable")
)

const modelName = "IGVCModel"

func main() {
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	log.SetLevel(level)

	if err := run(); err != nil {
		log.WithError(err).Error("igvc-train failed")
		os.Exit(1)
	}
}

// parseImSize parses "channels,height,width"
func parseImSize(s string) ([3]int, error) {
	var dims [3]int
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return dims, fmt.Errorf("%w: im_size must be channels,height,width, got %q", training.ErrConfig, s)
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return dims, fmt.Errorf("%w: im_size: %v", training.ErrConfig, err)
		}
		dims[i] = v
	}
	return dims, nil
}

// hyperparameters builds the run configuration from the flags
func hyperparameters() (training.Hyperparameters, error) {
	hp := training.DefaultHyperparameters()

	dims, err := parseImSize(*imSize)
	if err != nil {
		return hp, err
	}
	format, err := checkpoints.ParseFormat(*checkpointFormat)
	if err != nil {
		return hp, fmt.Errorf("%w: %v", training.ErrConfig, err)
	}

	hp.BatchSize = *batchSize
	hp.Epochs = *epochs
	hp.Channels, hp.Height, hp.Width = dims[0], dims[1], dims[2]
	hp.KernelSize = *kernelSize
	hp.LearningRate = *lr
	hp.LRDecay = *lrDecay
	hp.StepInterval = *stepInterval
	hp.WeightDecay = *weightDecay
	hp.Optimizer = *optimizerName
	hp.LogInterval = *logInterval
	hp.SaveModel = *saveModel
	hp.SaveInterval = *saveInterval
	hp.ValSamples = *valSamples
	hp.ValBatches = *valBatches
	hp.AddDistortion = *addDistortion
	hp.DistortionPercentage = *distortionPercentage
	hp.Seed = *seed
	hp.Visualize = *visualize
	hp.Workers = *workers
	hp.CheckpointFormat = format

	// The engine only runs on the CPU
	hp.Device = tensor.CPU
	if !*noCuda {
		log.Warn("no accelerator available, training on CPU")
	}
	return hp, hp.Validate()
}

func run() error {
	hp, err := hyperparameters()
	if err != nil {
		return err
	}
	if *testMode && *loadModel == "" {
		return fmt.Errorf("%w: --test requires --load_model", training.ErrConfig)
	}

	dataCfg, err := config.Load(*cfgFile)
	if err != nil {
		return fmt.Errorf("%w: %v", training.ErrConfig, err)
	}

	var mirror training.ArtifactMirror
	if dataCfg.Mirror != "" {
		s3Mirror, err := artifacts.NewS3Mirror(dataCfg.Mirror, artifacts.ConfigFromEnv())
		if err != nil {
			return fmt.Errorf("%w: %v", training.ErrConfig, err)
		}
		mirror = s3Mirror
	}

	runID := uuid.NewString()
	spec, err := layers.LaneNetSpec(hp.BatchSize, hp.Channels, hp.Height, hp.Width, hp.KernelSize)
	if err != nil {
		return fmt.Errorf("%w: %v", training.ErrConfig, err)
	}
	model, err := engine.NewModelTrainingEngine(spec, engine.Config{
		Optimizer:        hp.Optimizer,
		LearningRate:     hp.LearningRate,
		WeightDecay:      hp.WeightDecay,
		Seed:             hp.Seed,
		CheckpointFormat: hp.CheckpointFormat,
		RunID:            runID,
	})
	if err != nil {
		return err
	}
	log.Info(model.GetModelSummary())

	cm := training.NewCheckpointManager(training.CheckpointConfig{
		SaveDirectory: dataCfg.Backup,
		SaveFrequency: hp.SaveInterval,
	}, mirror)
	if *loadModel != "" {
		if err := cm.Load(model, *loadModel); err != nil {
			return err
		}
		log.WithField("path", *loadModel).Info("Loaded model")
	}

	var cache *dataloader.CacheManager
	if *cacheMB > 0 {
		cache = dataloader.GetGlobalSharedCache().GetOrCreateCache("igvc", *cacheMB<<20)
		if !cache.CanHold(hp.Width, hp.Height) {
			log.WithFields(log.Fields{"cache_mb": *cacheMB, "width": hp.Width, "height": hp.Height}).
				Warn("Image cache too small for one frame; images will not be cached")
		}
		defer dataloader.GetGlobalSharedCache().LogStats(log.WithField("component", "cache"))
	}
	plain := preprocessing.NewImageProcessor(hp.Channels, hp.Height, hp.Width, nil)

	if err := os.MkdirAll(dataCfg.Backup, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	opts := []training.TrainerOption{
		training.WithRunID(runID),
		training.WithCheckpointManager(cm),
		training.WithOutputDir(dataCfg.Backup),
		training.WithModelName(modelName),
	}

	if *testMode {
		testSet, err := dataset.Load(dataCfg.Test, plain, cache)
		if err != nil {
			return fmt.Errorf("%w: %v", training.ErrConfig, err)
		}
		trainer, err := training.NewTrainer(hp, model, opts...)
		if err != nil {
			return err
		}
		_, err = trainer.Test(training.NewDataLoader(testSet, 1, false, hp.Workers, hp.Seed))
		return err
	}

	samples, err := dataset.ReadList(dataCfg.Train)
	if err != nil {
		return fmt.Errorf("%w: %v", training.ErrConfig, err)
	}
	trainSplit, valSplit, err := splits(hp, samples, cache)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"train": trainSplit.Len(), "val": valSplit.Len()}).Info("Loaded datasets")

	exporter, err := training.NewMetricsExporter(filepath.Join(dataCfg.Backup, training.MetricsTextFile), runID)
	if err != nil {
		return err
	}
	opts = append(opts, training.WithExporter(exporter))
	if *plotURL != "" {
		cfg := training.DefaultPlottingServiceConfig()
		cfg.BaseURL = *plotURL
		opts = append(opts, training.WithPlottingService(training.NewPlottingService(cfg)))
	}

	trainer, err := training.NewTrainer(hp, model, opts...)
	if err != nil {
		return err
	}
	var trainLoader training.Provider = training.NewDataLoader(trainSplit, hp.BatchSize, true, hp.Workers, hp.Seed)
	if *prefetch > 0 {
		prefetching, err := async.NewAsyncDataLoader(trainLoader, async.AsyncDataLoaderConfig{PrefetchDepth: *prefetch})
		if err != nil {
			return err
		}
		defer prefetching.Stop()
		trainLoader = prefetching
	}

	_, err = trainer.Run(trainLoader, training.NewDataLoader(valSplit, hp.BatchSize, true, hp.Workers, hp.Seed+1))
	if mirror != nil {
		mirrorOutputs(mirror, dataCfg.Backup)
	}
	return err
}

// splits builds the training and validation splits of one list. Both share
// the image cache; only the training split is augmented.
func splits(hp training.Hyperparameters, samples []dataset.Sample, cache *dataloader.CacheManager) (train, val training.Dataset, err error) {
	plain := preprocessing.NewImageProcessor(hp.Channels, hp.Height, hp.Width, nil)
	trainProcessor := plain
	if hp.AddDistortion {
		augment := preprocessing.RandomSaturationValue(hp.DistortionPercentage, hp.Seed)
		trainProcessor = preprocessing.NewImageProcessor(hp.Channels, hp.Height, hp.Width, augment)
	}

	trainSplit, _, err := training.SplitDataset(dataset.New(samples, trainProcessor, cache), hp.ValSamples)
	if err != nil {
		return nil, nil, err
	}
	_, valSplit, err := training.SplitDataset(dataset.New(samples, plain, cache), hp.ValSamples)
	if err != nil {
		return nil, nil, err
	}
	return trainSplit, valSplit, nil
}

// mirrorOutputs uploads the run's metrics artifacts. Failures are logged
// only; checkpoints are mirrored as they are written.
func mirrorOutputs(mirror training.ArtifactMirror, dir string) {
	for _, name := range []string{training.MetricsSnapshotFile, training.MetricsTextFile, training.PlotsFile} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := mirror.Upload(context.Background(), path); err != nil {
			log.WithError(err).Warnf("failed to mirror %s", name)
		}
	}
}
