package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultConfig checks the defaults used by the multimodal conversion
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 2.0, cfg.Matching.Tolerance)
	assert.Equal(t, 2, cfg.Matching.RoundDecimals)
	assert.True(t, cfg.Matching.FlipAuxiliary)
	assert.Equal(t, 512.0, cfg.Window.AuxiliaryCenter)
	assert.Equal(t, 1024.0, cfg.Window.AuxiliaryWidth)
	assert.Equal(t, -150.0, cfg.Filter.MinPosition)
	assert.Equal(t, 108.0, cfg.Filter.MaxPosition)
	assert.Equal(t, ModeMultimodal2D, cfg.Dataset.Mode)
	assert.Equal(t, []string{"CT", "MRI_T1", "MRI_T2"}, cfg.Dataset.Channels)
	require.NoError(t, cfg.Validate())
}

func TestApplyPreset(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.ApplyPreset(ModeMultimodal3D))
	assert.Equal(t, []string{"GTV", "GTVnd"}, cfg.Dataset.Categories)
	assert.Equal(t, ".nii.gz", cfg.Dataset.FileEnding)
	assert.True(t, cfg.Volumetric())
	assert.True(t, cfg.Multimodal())

	require.NoError(t, cfg.ApplyPreset(ModeCTRaw))
	assert.Equal(t, []string{"GTV", "GTVnd", "CTV1", "CTV2"}, cfg.Dataset.Categories)
	assert.False(t, cfg.Volumetric())

	err := cfg.ApplyPreset("mri4d")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestValidateRejectsChannelMismatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Dataset.AuxiliaryDirs = []string{"MR/S2010"}

	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

// TestLoadConfigMissingFile verifies defaults are returned when no file exists
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Matching, cfg.Matching)
}

// TestLoadConfigPreset verifies a mode in the file applies its preset before overrides
func TestLoadConfigPreset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "dataset:\n  mode: ct3d\n  categories: [GTV]\nmatching:\n  tolerance: 1.5\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ModeCT3D, cfg.Dataset.Mode)
	assert.Equal(t, []string{"CT_3d"}, cfg.Dataset.Channels)
	assert.Equal(t, []string{"GTV"}, cfg.Dataset.Categories)
	assert.Equal(t, 1.5, cfg.Matching.Tolerance)
	assert.Equal(t, 2, cfg.Matching.RoundDecimals)
}

func TestSaveAndLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Dataset.AuxiliaryDirs, cfg.Dataset.AuxiliaryDirs)
}
