package registration

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// ParameterMap holds elastix-style registration parameters: every key maps to
// one or more values.
type ParameterMap map[string][]string

// ReadParameterFile parses an elastix parameter file
func ReadParameterFile(path string) (ParameterMap, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening parameter file: %w", err)
	}
	defer f.Close()

	p, err := ParseParameterMap(f)
	if err != nil {
		return nil, fmt.Errorf("error parsing parameter file %s: %w", path, err)
	}
	return p, nil
}

// ParseParameterMap reads "(Key value ...)" entries. Text after // is a
// comment; quoted values may contain spaces.
func ParseParameterMap(r io.Reader) (ParameterMap, error) {
	p := make(ParameterMap)
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		for {
			open := strings.IndexByte(line, '(')
			if open < 0 {
				break
			}
			end := strings.IndexByte(line[open:], ')')
			if end < 0 {
				return nil, fmt.Errorf("line %d: unterminated entry", lineNo)
			}
			tokens, err := tokenize(line[open+1 : open+end])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			if len(tokens) > 0 {
				p[tokens[0]] = tokens[1:]
			}
			line = line[open+end+1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

func stripComment(line string) string {
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch {
		case line[i] == '"':
			inQuote = !inQuote
		case !inQuote && strings.HasPrefix(line[i:], "//"):
			return line[:i]
		}
	}
	return line
}

func tokenize(s string) ([]string, error) {
	var tokens []string
	for {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return tokens, nil
		}
		if s[0] == '"' {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated string")
			}
			tokens = append(tokens, s[1:end+1])
			s = s[end+2:]
			continue
		}
		end := strings.IndexAny(s, " \t")
		if end < 0 {
			end = len(s)
		}
		tokens = append(tokens, s[:end])
		s = s[end:]
	}
}

// String returns the first value of key
func (p ParameterMap) String(key, def string) string {
	if v := p[key]; len(v) > 0 {
		return v[0]
	}
	return def
}

// Int returns the first value of key as an integer
func (p ParameterMap) Int(key string, def int) int {
	if v := p[key]; len(v) > 0 {
		if n, err := strconv.Atoi(v[0]); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(v[0], 64); err == nil {
			return int(f)
		}
	}
	return def
}

// IntAt returns value i of key, falling back to the last value then to def.
// Per-resolution settings use this form.
func (p ParameterMap) IntAt(key string, i, def int) int {
	v := p[key]
	if len(v) == 0 {
		return def
	}
	if i >= len(v) {
		i = len(v) - 1
	}
	if n, err := strconv.Atoi(v[i]); err == nil {
		return n
	}
	return def
}

// Float returns the first value of key as a float
func (p ParameterMap) Float(key string, def float64) float64 {
	if v := p[key]; len(v) > 0 {
		if f, err := strconv.ParseFloat(v[0], 64); err == nil {
			return f
		}
	}
	return def
}

// Floats returns every value of key as floats, skipping unparsable values
func (p ParameterMap) Floats(key string) []float64 {
	var out []float64
	for _, s := range p[key] {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// Bool returns the first value of key as a boolean ("true"/"false")
func (p ParameterMap) Bool(key string, def bool) bool {
	if v := p[key]; len(v) > 0 {
		if b, err := strconv.ParseBool(v[0]); err == nil {
			return b
		}
	}
	return def
}

// DefaultRigidParameters mirrors the elastix default rigid map
func DefaultRigidParameters() ParameterMap {
	return ParameterMap{
		"Transform":                              {"EulerTransform"},
		"Metric":                                 {"AdvancedMattesMutualInformation"},
		"Optimizer":                              {"AdaptiveStochasticGradientDescent"},
		"NumberOfResolutions":                    {"4"},
		"MaximumNumberOfIterations":              {"250"},
		"NumberOfSpatialSamples":                 {"2048"},
		"NumberOfHistogramBins":                  {"32"},
		"AutomaticTransformInitialization":       {"true"},
		"AutomaticTransformInitializationMethod": {"CenterOfGravity"},
		"FinalBSplineInterpolationOrder":         {"1"},
		"DefaultPixelValue":                      {"0"},
		"ResultImagePixelType":                   {"unsigned char"},
	}
}

// DefaultBSplineParameters mirrors the elastix default B-spline map
func DefaultBSplineParameters() ParameterMap {
	return ParameterMap{
		"Transform":                      {"BSplineTransform"},
		"Metric":                         {"AdvancedMeanSquares"},
		"Optimizer":                      {"AdaptiveStochasticGradientDescent"},
		"NumberOfResolutions":            {"4"},
		"MaximumNumberOfIterations":      {"250"},
		"NumberOfSpatialSamples":         {"2048"},
		"FinalGridSpacingInVoxels":       {"16"},
		"FinalBSplineInterpolationOrder": {"1"},
		"DefaultPixelValue":              {"0"},
		"ResultImagePixelType":           {"unsigned char"},
	}
}
