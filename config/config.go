// Package config loads the evaluation settings from defaults, an optional
// YAML file, SEGEVAL_ environment variables and command-line flags, in that
// order of precedence.
package config

import (
	"flag"
	"io"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/pkg/errors"
)

// EnvPrefix prefixes environment overrides, e.g. SEGEVAL_EVAL_BATCHSIZE=8.
const EnvPrefix = "SEGEVAL_"

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("config: invalid")

// SplitDirs locates the images and masks of one split.
type SplitDirs struct {
	Images string `koanf:"images"`
	Masks  string `koanf:"masks"`
}

// DataConfig holds dataset locations. Images and Masks are used in default
// mode, the per-split directories otherwise.
type DataConfig struct {
	Images string    `koanf:"images"`
	Masks  string    `koanf:"masks"`
	Train  SplitDirs `koanf:"train"`
	Val    SplitDirs `koanf:"val"`
	Test   SplitDirs `koanf:"test"`
}

// EvalConfig holds evaluation parameters.
type EvalConfig struct {
	Scale      float64 `koanf:"scale"`
	ValPercent float64 `koanf:"valpercent"`
	BatchSize  int     `koanf:"batchsize"`
	Seed       int64   `koanf:"seed"`
}

// ImageConfig is the size qualitative grids are resized to.
type ImageConfig struct {
	FullWidth  int `koanf:"fullwidth"`
	FullHeight int `koanf:"fullheight"`
}

// Config is the full evaluation configuration.
type Config struct {
	Model    string      `koanf:"model"`
	Arch     string      `koanf:"arch"`
	AMP      bool        `koanf:"amp"`
	Bilinear bool        `koanf:"bilinear"`
	Classes  int         `koanf:"classes"`
	Channels int         `koanf:"channels"`
	Default  bool        `koanf:"default"`
	Cuda     bool        `koanf:"cuda"`
	Debug    bool        `koanf:"debug"`
	Results  string      `koanf:"results"`
	Data     DataConfig  `koanf:"data"`
	Eval     EvalConfig  `koanf:"eval"`
	Image    ImageConfig `koanf:"image"`
}

// Defaults returns the built-in configuration layer.
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"model":             "MODEL.pth",
		"arch":              "unet",
		"amp":               false,
		"bilinear":          false,
		"classes":           2,
		"channels":          1,
		"default":           false,
		"cuda":              false,
		"debug":             false,
		"results":           "results",
		"data.images":       "./data/imgs",
		"data.masks":        "./data/masks",
		"data.train.images": "./data/train/imgs",
		"data.train.masks":  "./data/train/masks",
		"data.val.images":   "./data/val/imgs",
		"data.val.masks":    "./data/val/masks",
		"data.test.images":  "./data/test/imgs",
		"data.test.masks":   "./data/test/masks",
		"eval.scale":        0.5,
		"eval.valpercent":   0.1,
		"eval.batchsize":    32,
		"eval.seed":         0,
		"image.fullwidth":   140,
		"image.fullheight":  175,
	}
}

// flags binds command-line flags to config keys.
type flags struct {
	fs         *flag.FlagSet
	configPath string
	keys       map[string]string
}

func newFlags(name string, output io.Writer) *flags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(output)
	f := &flags{fs: fs, keys: map[string]string{}}

	str := func(key, usage string, names ...string) {
		for _, n := range names {
			fs.String(n, "", usage)
			f.keys[n] = key
		}
	}
	boolean := func(key, usage string, names ...string) {
		for _, n := range names {
			fs.Bool(n, false, usage)
			f.keys[n] = key
		}
	}
	integer := func(key, usage string, names ...string) {
		for _, n := range names {
			fs.Int(n, 0, usage)
			f.keys[n] = key
		}
	}

	fs.StringVar(&f.configPath, "config", "", "YAML configuration file")
	str("model", "Load model weights from this file (default MODEL.pth)", "model", "m")
	str("arch", "Model architecture: unet, resnet34-unet or resnet18-unet", "arch")
	str("results", "Output directory", "results")
	boolean("amp", "Use mixed precision", "amp")
	boolean("bilinear", "Use bilinear upsampling", "bilinear")
	boolean("default", "Evaluate a random split of a single dataset directory", "default")
	boolean("cuda", "Run on CUDA when available", "cuda")
	boolean("debug", "Log per-batch progress", "debug")
	integer("classes", "Number of classes (default 2)", "classes", "c")
	integer("channels", "Number of image channels, 1 or 3 (default 1)", "channels")
	integer("eval.batchsize", "Batch size (default 32)", "batch")
	fs.Float64("scale", 0, "Downscaling factor of the images (default 0.5)")
	f.keys["scale"] = "eval.scale"

	return f
}

// set returns the values of flags given on the command line.
func (f *flags) set() map[string]interface{} {
	values := map[string]interface{}{}
	f.fs.Visit(func(fl *flag.Flag) {
		key, ok := f.keys[fl.Name]
		if !ok {
			return
		}
		values[key] = fl.Value.(flag.Getter).Get()
	})
	return values
}

// Load parses args (without the program name) and builds the configuration.
// It returns flag.ErrHelp when help was requested.
func Load(name string, args []string, output io.Writer) (*Config, error) {
	f := newFlags(name, output)
	if err := f.fs.Parse(args); err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(Defaults(), "."), nil); err != nil {
		return nil, errors.Wrap(err, "loading defaults")
	}

	if f.configPath != "" {
		if err := k.Load(file.Provider(f.configPath), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "loading config file %q", f.configPath)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, errors.Wrap(err, "loading environment")
	}

	if err := k.Load(confmap.Provider(f.set(), "."), nil); err != nil {
		return nil, errors.Wrap(err, "loading flags")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func Validate(cfg *Config) error {
	switch {
	case cfg.Classes < 1:
		return errors.Wrapf(ErrInvalid, "classes must be at least 1, got %d", cfg.Classes)
	case cfg.Channels != 1 && cfg.Channels != 3:
		return errors.Wrapf(ErrInvalid, "channels must be 1 or 3, got %d", cfg.Channels)
	case cfg.Eval.Scale <= 0 || cfg.Eval.Scale > 1:
		return errors.Wrapf(ErrInvalid, "scale must be in (0, 1], got %v", cfg.Eval.Scale)
	case cfg.Eval.BatchSize < 1:
		return errors.Wrapf(ErrInvalid, "batch size must be at least 1, got %d", cfg.Eval.BatchSize)
	case cfg.Eval.ValPercent < 0 || cfg.Eval.ValPercent >= 1:
		return errors.Wrapf(ErrInvalid, "validation percent must be in [0, 1), got %v", cfg.Eval.ValPercent)
	case cfg.Image.FullWidth < 1 || cfg.Image.FullHeight < 1:
		return errors.Wrapf(ErrInvalid, "full image size must be positive, got %dx%d", cfg.Image.FullWidth, cfg.Image.FullHeight)
	case cfg.Model == "":
		return errors.Wrap(ErrInvalid, "model path is empty")
	}
	return nil
}
