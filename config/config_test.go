package config_test

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sugarme/segeval/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("test", nil, io.Discard)
	require.NoError(t, err)

	assert.Equal(t, "MODEL.pth", cfg.Model)
	assert.Equal(t, "unet", cfg.Arch)
	assert.Equal(t, 2, cfg.Classes)
	assert.Equal(t, 1, cfg.Channels)
	assert.False(t, cfg.Default)
	assert.Equal(t, 0.5, cfg.Eval.Scale)
	assert.Equal(t, 0.1, cfg.Eval.ValPercent)
	assert.Equal(t, 32, cfg.Eval.BatchSize)
	assert.Equal(t, "./data/imgs", cfg.Data.Images)
	assert.Equal(t, "./data/test/masks", cfg.Data.Test.Masks)
	assert.Equal(t, 140, cfg.Image.FullWidth)
	assert.Equal(t, 175, cfg.Image.FullHeight)
}

func TestLoadLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
model: file.ot
classes: 3
eval:
  batchsize: 4
  scale: 0.25
data:
  val:
    images: /srv/val/imgs
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	// file over defaults
	cfg, err := config.Load("test", []string{"--config", path}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "file.ot", cfg.Model)
	assert.Equal(t, 3, cfg.Classes)
	assert.Equal(t, 4, cfg.Eval.BatchSize)
	assert.Equal(t, 0.25, cfg.Eval.Scale)
	assert.Equal(t, "/srv/val/imgs", cfg.Data.Val.Images)
	assert.Equal(t, "./data/val/masks", cfg.Data.Val.Masks)

	// environment over file
	t.Setenv("SEGEVAL_EVAL_BATCHSIZE", "8")
	t.Setenv("SEGEVAL_MODEL", "env.ot")
	cfg, err = config.Load("test", []string{"--config", path}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Eval.BatchSize)
	assert.Equal(t, "env.ot", cfg.Model)

	// flags over environment
	cfg, err = config.Load("test", []string{"--config", path, "-m", "flag.ot", "--batch", "2", "-c", "1", "--bilinear"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "flag.ot", cfg.Model)
	assert.Equal(t, 2, cfg.Eval.BatchSize)
	assert.Equal(t, 1, cfg.Classes)
	assert.True(t, cfg.Bilinear)
	assert.Equal(t, 0.25, cfg.Eval.Scale)
}

func TestLoadErrors(t *testing.T) {
	_, err := config.Load("test", []string{"--help"}, io.Discard)
	assert.True(t, errors.Is(err, flag.ErrHelp))

	_, err = config.Load("test", []string{"--nope"}, io.Discard)
	assert.Error(t, err)

	_, err = config.Load("test", []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}, io.Discard)
	assert.Error(t, err)

	_, err = config.Load("test", []string{"--classes", "0"}, io.Discard)
	assert.True(t, errors.Is(err, config.ErrInvalid))
}

func TestValidate(t *testing.T) {
	valid := func() *config.Config {
		return &config.Config{
			Model:    "m.ot",
			Classes:  2,
			Channels: 3,
			Eval:     config.EvalConfig{Scale: 1, BatchSize: 1},
			Image:    config.ImageConfig{FullWidth: 1, FullHeight: 1},
		}
	}
	require.NoError(t, config.Validate(valid()))

	for name, mutate := range map[string]func(*config.Config){
		"channels":   func(c *config.Config) { c.Channels = 2 },
		"scale zero": func(c *config.Config) { c.Eval.Scale = 0 },
		"scale big":  func(c *config.Config) { c.Eval.Scale = 1.5 },
		"batch":      func(c *config.Config) { c.Eval.BatchSize = 0 },
		"val":        func(c *config.Config) { c.Eval.ValPercent = 1 },
		"size":       func(c *config.Config) { c.Image.FullHeight = 0 },
		"model":      func(c *config.Config) { c.Model = "" },
	} {
		cfg := valid()
		mutate(cfg)
		err := config.Validate(cfg)
		assert.True(t, errors.Is(err, config.ErrInvalid), name)
	}
}
