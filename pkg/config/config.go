// Package config provides configuration loading and management for dcm2nnunet.
// It handles loading configuration from YAML files, provides default values
// and fills dataset presets for the supported conversion modes.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Conversion modes
const (
	ModeCT2D         = "ct2d"
	ModeCT3D         = "ct3d"
	ModeCTRaw        = "ctraw"
	ModeMultimodal2D = "multimodal2d"
	ModeMultimodal3D = "multimodal3d"
)

var (
	// ErrUnknownMode is returned for a dataset mode without a preset
	ErrUnknownMode = errors.New("unknown dataset mode")

	// ErrInvalidConfig is returned by Validate
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumWorkers is the number of cases converted concurrently
		NumWorkers int `yaml:"numWorkers"`
	} `yaml:"processing"`

	// Slice matching parameters
	Matching struct {
		// Tolerance is the exclusive upper bound on the rounded position difference in mm
		Tolerance float64 `yaml:"tolerance"`

		// RoundDecimals is the rounding applied to differences before comparison
		RoundDecimals int `yaml:"roundDecimals"`

		// FlipAuxiliary negates auxiliary positions; MR runs opposite to CT in this data
		FlipAuxiliary bool `yaml:"flipAuxiliary"`

		// Exclusive enforces one-to-one matching
		Exclusive bool `yaml:"exclusive"`
	} `yaml:"matching"`

	// Intensity windows used to normalize slices to 8-bit gray levels
	Window struct {
		ReferenceCenter float64 `yaml:"referenceCenter"`
		ReferenceWidth  float64 `yaml:"referenceWidth"`
		AuxiliaryCenter float64 `yaml:"auxiliaryCenter"`
		AuxiliaryWidth  float64 `yaml:"auxiliaryWidth"`
	} `yaml:"window"`

	// Reference slice position filter (inclusive bounds)
	Filter struct {
		Enabled     bool    `yaml:"enabled"`
		MinPosition float64 `yaml:"minPosition"`
		MaxPosition float64 `yaml:"maxPosition"`
	} `yaml:"filter"`

	// Registration parameters
	Registration struct {
		// Method is "rigid" or "bspline" (rigid followed by B-spline)
		Method string `yaml:"method"`

		// RigidParamFile is the elastix-format rigid parameter file
		RigidParamFile string `yaml:"rigidParamFile"`

		// BSplineParamFile is the elastix-format B-spline parameter file
		BSplineParamFile string `yaml:"bsplineParamFile"`

		// LogFile receives the verbose registration log
		LogFile string `yaml:"logFile"`

		// Seed drives the random sampler of the metrics
		Seed int64 `yaml:"seed"`
	} `yaml:"registration"`

	// Dataset layout and manifest parameters
	Dataset struct {
		// Mode selects the conversion preset
		Mode string `yaml:"mode"`

		// DataDir is the root of the raw study tree
		DataDir string `yaml:"dataDir"`

		// CaseGlob matches one directory per patient, relative to DataDir
		CaseGlob string `yaml:"caseGlob"`

		// ReferenceGlob matches the CT series directory, relative to a case
		ReferenceGlob string `yaml:"referenceGlob"`

		// StructureGlob matches the RT structure file, relative to a case
		StructureGlob string `yaml:"structureGlob"`

		// AuxiliaryDirs are the MR series directories, relative to a case
		AuxiliaryDirs []string `yaml:"auxiliaryDirs"`

		// CategoryMapFile maps ROI names to categories
		CategoryMapFile string `yaml:"categoryMapFile"`

		// BodyROINames are ROI names used as the body mask
		BodyROINames []string `yaml:"bodyROINames"`

		Channels     []string `yaml:"channels"`
		Categories   []string `yaml:"categories"`
		FileEnding   string   `yaml:"fileEnding"`
		ReaderWriter string   `yaml:"readerWriter"`
	} `yaml:"dataset"`

	// Output parameters
	Output struct {
		// Dir is the dataset output directory (imagesTr, labelsTr, dataset.json)
		Dir string `yaml:"dir"`

		// Clean removes the output directory before writing
		Clean bool `yaml:"clean"`

		// PreviewDir receives registration checkerboard previews when set
		PreviewDir string `yaml:"previewDir"`

		// LogFile receives the run log in addition to the terminal
		LogFile string `yaml:"logFile"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = 1

	// Matching tolerance of the source data
	cfg.Matching.Tolerance = 2.0
	cfg.Matching.RoundDecimals = 2
	cfg.Matching.FlipAuxiliary = true
	cfg.Matching.Exclusive = true

	// Soft-tissue window for CT, fixed window for MR
	cfg.Window.ReferenceCenter = 40
	cfg.Window.ReferenceWidth = 400
	cfg.Window.AuxiliaryCenter = 512
	cfg.Window.AuxiliaryWidth = 1024

	cfg.Filter.Enabled = true
	cfg.Filter.MinPosition = -150
	cfg.Filter.MaxPosition = 108

	cfg.Registration.Method = "bspline"
	cfg.Registration.RigidParamFile = "../RegistrationParameters/Parameters_Rigid.txt"
	cfg.Registration.BSplineParamFile = "../RegistrationParameters/Parameters_BSpline.txt"
	cfg.Registration.LogFile = "elastix.log"
	cfg.Registration.Seed = 1

	cfg.Dataset.DataDir = "."
	cfg.Dataset.CaseGlob = "npc/*"
	cfg.Dataset.ReferenceGlob = "首次CT/*/*/CT"
	cfg.Dataset.StructureGlob = "首次CT/*/*/RTSTRUCT/*"
	cfg.Dataset.AuxiliaryDirs = []string{"MR/S2010", "MR/S3010"}
	cfg.Dataset.CategoryMapFile = "label_target.txt"
	cfg.Dataset.BodyROINames = []string{"BODY", "Body", "External", "EXTERNAL"}
	_ = cfg.ApplyPreset(ModeMultimodal2D)

	cfg.Output.Dir = "nnUNet_raw/Dataset002_CT_MRI"
	cfg.Output.Verbose = false

	return cfg
}

// ApplyPreset fills the dataset channels, categories and file format for a mode
func (c *Config) ApplyPreset(mode string) error {
	switch mode {
	case ModeCT2D:
		c.Dataset.Channels = []string{"CT"}
		c.Dataset.Categories = []string{"GTV", "GTVnd", "CTVnd", "CTV1", "CTV2"}
		c.Dataset.FileEnding = ".png"
		c.Dataset.ReaderWriter = "NaturalImage2DIO"
	case ModeCT3D:
		c.Dataset.Channels = []string{"CT_3d"}
		c.Dataset.Categories = []string{"GTV", "GTVnd", "CTVnd", "CTV1", "CTV2"}
		c.Dataset.FileEnding = ".nii.gz"
		c.Dataset.ReaderWriter = "SimpleITKIO"
	case ModeCTRaw:
		c.Dataset.Channels = []string{"CT"}
		c.Dataset.Categories = []string{"GTV", "GTVnd", "CTV1", "CTV2"}
		c.Dataset.FileEnding = ".nii.gz"
		c.Dataset.ReaderWriter = "SimpleITKIO"
	case ModeMultimodal2D:
		c.Dataset.Channels = []string{"CT", "MRI_T1", "MRI_T2"}
		c.Dataset.Categories = []string{"GTV", "GTVnd", "CTVnd", "CTV1", "CTV2"}
		c.Dataset.FileEnding = ".png"
		c.Dataset.ReaderWriter = "NaturalImage2DIO"
	case ModeMultimodal3D:
		c.Dataset.Channels = []string{"CT_3D", "MRI_T1_3D", "MRI_T2_3D"}
		c.Dataset.Categories = []string{"GTV", "GTVnd"}
		c.Dataset.FileEnding = ".nii.gz"
		c.Dataset.ReaderWriter = "SimpleITKIO"
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	c.Dataset.Mode = mode
	return nil
}

// Multimodal reports whether the mode registers auxiliary series
func (c *Config) Multimodal() bool {
	return c.Dataset.Mode == ModeMultimodal2D || c.Dataset.Mode == ModeMultimodal3D
}

// Volumetric reports whether the mode writes one file per case instead of one per slice
func (c *Config) Volumetric() bool {
	return c.Dataset.Mode == ModeCT3D || c.Dataset.Mode == ModeMultimodal3D
}

// Validate checks the configuration for inconsistent values
func (c *Config) Validate() error {
	if c.Processing.NumWorkers < 1 {
		return fmt.Errorf("%w: numWorkers must be at least 1", ErrInvalidConfig)
	}
	if c.Matching.Tolerance <= 0 {
		return fmt.Errorf("%w: matching tolerance must be positive", ErrInvalidConfig)
	}
	if c.Window.ReferenceWidth <= 0 || c.Window.AuxiliaryWidth <= 0 {
		return fmt.Errorf("%w: window widths must be positive", ErrInvalidConfig)
	}
	if c.Filter.Enabled && c.Filter.MinPosition > c.Filter.MaxPosition {
		return fmt.Errorf("%w: filter minPosition above maxPosition", ErrInvalidConfig)
	}
	if c.Registration.Method != "rigid" && c.Registration.Method != "bspline" {
		return fmt.Errorf("%w: registration method %q", ErrInvalidConfig, c.Registration.Method)
	}
	if len(c.Dataset.Categories) > 255 {
		return fmt.Errorf("%w: too many categories for 8-bit labels", ErrInvalidConfig)
	}
	if c.Multimodal() && len(c.Dataset.Channels) != len(c.Dataset.AuxiliaryDirs)+1 {
		return fmt.Errorf("%w: %d channels for %d auxiliary series", ErrInvalidConfig,
			len(c.Dataset.Channels), len(c.Dataset.AuxiliaryDirs))
	}
	return nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// A mode in the file selects its preset before the file's own values apply
	var probe struct {
		Dataset struct {
			Mode string `yaml:"mode"`
		} `yaml:"dataset"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	if probe.Dataset.Mode != "" {
		if err := cfg.ApplyPreset(probe.Dataset.Mode); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
