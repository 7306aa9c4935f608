// Command evaluate-dataset scores a trained U-Net on the training,
// validation and test splits and writes the Dice scores and qualitative
// grids under the results directory.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"github.com/sugarme/gotch"
	"go.uber.org/zap"

	"github.com/sugarme/segeval/config"
	"github.com/sugarme/segeval/dataset"
	"github.com/sugarme/segeval/evaluate"
	"github.com/sugarme/segeval/logger"
	"github.com/sugarme/segeval/results"
	"github.com/sugarme/segeval/unet"
)

type split struct {
	name     string
	dir      string
	ds       dataset.Dataset
	dropLast bool
}

func main() {
	cfg, err := config.Load(os.Args[0], os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	l, err := logger.GetZapLogger(cfg.Debug)
	if err != nil {
		panic(err)
	}
	defer func() {
		// can't handle the error due to https://github.com/uber-go/zap/issues/880
		_ = l.Sync()
	}()

	runID, err := uuid.NewV4()
	if err != nil {
		l.Fatal(err.Error())
	}
	l = l.With(zap.String("run_id", runID.String()))

	if err := run(cfg, runID.String(), l); err != nil {
		l.Fatal(err.Error())
	}
}

func run(cfg *config.Config, runID string, l *zap.Logger) error {
	device := gotch.CPU
	if cfg.Cuda {
		device = gotch.NewCuda().CudaIfAvailable()
	}

	netCfg := unet.Config{
		Channels: int64(cfg.Channels),
		Classes:  int64(cfg.Classes),
		Bilinear: cfg.Bilinear,
	}
	net, half, err := unet.NewNet(cfg.Arch, netCfg, device, cfg.AMP)
	if err != nil {
		return err
	}
	if cfg.AMP && !half {
		l.Warn("mixed precision needs CUDA, running in full precision")
	}

	if _, err := net.Load(cfg.Model, false); err != nil {
		return err
	}
	l.Info("Model loaded",
		zap.String("model", cfg.Model),
		zap.String("arch", cfg.Arch),
		zap.Int("classes", cfg.Classes),
		zap.Bool("cuda", device != gotch.CPU))
	for _, v := range net.Vars() {
		l.Debug("variable", zap.String("name", v.Name), zap.Int64s("size", v.Size))
	}

	splits, err := buildSplits(cfg, l)
	if err != nil {
		return err
	}

	summary := results.Summary{
		RunID:    runID,
		Model:    cfg.Model,
		Arch:     cfg.Arch,
		Classes:  cfg.Classes,
		Channels: cfg.Channels,
		Device:   fmt.Sprintf("%v", device),
		AMP:      half,
	}

	for _, s := range splits {
		sampler, err := dataset.NewBatchSampler(s.ds.Len(), cfg.Eval.BatchSize, s.dropLast, false)
		if err != nil {
			return err
		}
		loader, err := dataset.NewDataLoader(s.ds, sampler)
		if err != nil {
			return err
		}

		res, err := evaluate.Evaluate(net, loader,
			evaluate.WithLogger(l), evaluate.WithName(s.name))
		if err != nil {
			return errors.Wrapf(err, "evaluating %s set", s.name)
		}
		l.Info(fmt.Sprintf("%s Dice score: %.4f", s.name, res.Dice),
			zap.Float64("dice", res.Dice),
			zap.Float64("iou", res.IoU),
			zap.Float64("loss", res.Loss),
			zap.Int("samples", s.ds.Len()),
			zap.Int("batches", res.Batches))

		summary.Splits = append(summary.Splits, results.Split{
			Name:    s.name,
			Samples: s.ds.Len(),
			Batches: res.Batches,
			Dice:    res.Dice,
			IoU:     res.IoU,
			Loss:    res.Loss,
		})
	}

	outDir := cfg.Results
	for _, s := range splits {
		if err := os.MkdirAll(filepath.Join(outDir, s.dir), 0755); err != nil {
			return err
		}
	}

	scores := summary.Scores()
	if err := results.WriteScores(filepath.Join(outDir, "scores.csv"), scores); err != nil {
		return err
	}
	l.Info("Scores saved", zap.String("path", filepath.Join(outDir, "scores.csv")))

	if err := results.PlotScores(filepath.Join(outDir, "scores.png"), scores); err != nil {
		l.Warn("plotting scores", zap.Error(err))
	}
	if err := results.WriteSummary(filepath.Join(outDir, "summary.yaml"), summary); err != nil {
		return err
	}

	for _, s := range splits {
		dir := filepath.Join(outDir, s.dir)
		if err := results.Qualitative(s.ds, dir, net, cfg.Image.FullWidth, cfg.Image.FullHeight); err != nil {
			return errors.Wrapf(err, "qualitative results of %s set", s.name)
		}
	}
	l.Info("Qualitative results saved", zap.String("path", outDir))

	return nil
}

// buildSplits opens the train, validation and test sets. In default mode a
// single directory is split randomly and the validation part doubles as the
// test set.
func buildSplits(cfg *config.Config, l *zap.Logger) ([]split, error) {
	opts := []dataset.Option{
		dataset.WithChannels(cfg.Channels),
		dataset.WithLogger(l),
	}

	if cfg.Default {
		ds, err := dataset.Open(cfg.Data.Images, cfg.Data.Masks, cfg.Eval.Scale, opts...)
		if err != nil {
			return nil, err
		}
		nVal := int(float64(ds.Len()) * cfg.Eval.ValPercent)
		nTrain := ds.Len() - nVal
		parts, err := dataset.RandomSplit(ds, []int{nTrain, nVal}, cfg.Eval.Seed)
		if err != nil {
			return nil, err
		}
		return []split{
			{name: "Training", dir: "train", ds: parts[0]},
			{name: "Validation", dir: "val", ds: parts[1], dropLast: true},
			{name: "Test", dir: "test", ds: parts[1], dropLast: true},
		}, nil
	}

	dirs := []struct {
		name, dir string
		paths     config.SplitDirs
		dropLast  bool
	}{
		{"Training", "train", cfg.Data.Train, false},
		{"Validation", "val", cfg.Data.Val, true},
		{"Test", "test", cfg.Data.Test, true},
	}
	splits := make([]split, 0, len(dirs))
	for _, d := range dirs {
		ds, err := dataset.Open(d.paths.Images, d.paths.Masks, cfg.Eval.Scale, opts...)
		if err != nil {
			return nil, errors.Wrapf(err, "%s set", d.name)
		}
		splits = append(splits, split{name: d.name, dir: d.dir, ds: ds, dropLast: d.dropLast})
	}
	return splits, nil
}
