package dicomio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ErrMissingElement is returned when a required element is absent
var ErrMissingElement = errors.New("missing DICOM element")

// SafelyParseFile parses a DICOM file, converting parser panics into errors
func SafelyParseFile(path string, opts ...dicom.ParseOption) (ds dicom.Dataset, err error) {
	defer func() {
		if panicErr := recover(); panicErr != nil {
			err = fmt.Errorf("%v", panicErr)
		}
	}()

	return dicom.ParseFile(path, nil, opts...)
}

// Strings returns the values of a string-valued element
func Strings(el *dicom.Element) []string {
	if el == nil || el.Value == nil {
		return nil
	}
	switch v := el.Value.GetValue().(type) {
	case []string:
		out := make([]string, len(v))
		for i, s := range v {
			out[i] = strings.TrimSpace(strings.Trim(s, "\x00"))
		}
		return out
	case []int:
		out := make([]string, len(v))
		for i, n := range v {
			out[i] = strconv.Itoa(n)
		}
		return out
	}
	return nil
}

// Floats returns the numeric values of an element. Decimal and integer
// strings are parsed; binary numeric values are converted.
func Floats(el *dicom.Element) ([]float64, error) {
	if el == nil || el.Value == nil {
		return nil, ErrMissingElement
	}
	switch v := el.Value.GetValue().(type) {
	case []int:
		out := make([]float64, len(v))
		for i, n := range v {
			out[i] = float64(n)
		}
		return out, nil
	case []float64:
		return append([]float64(nil), v...), nil
	case []string:
		var out []float64
		for _, s := range v {
			for _, part := range strings.Split(s, "\\") {
				part = strings.TrimSpace(strings.Trim(part, "\x00"))
				if part == "" {
					continue
				}
				f, err := strconv.ParseFloat(part, 64)
				if err != nil {
					return nil, fmt.Errorf("element %s: %w", el.Tag, err)
				}
				out = append(out, f)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("element %s has unsupported value type %d", el.Tag, el.Value.ValueType())
}

// Items returns the element lists of a sequence element
func Items(el *dicom.Element) [][]*dicom.Element {
	if el == nil || el.Value == nil {
		return nil
	}
	seq, ok := el.Value.GetValue().([]*dicom.SequenceItemValue)
	if !ok {
		return nil
	}
	out := make([][]*dicom.Element, 0, len(seq))
	for _, item := range seq {
		if elems, ok := item.GetValue().([]*dicom.Element); ok {
			out = append(out, elems)
		}
	}
	return out
}

// Find returns the first element with tag t in a flat element list
func Find(elems []*dicom.Element, t tag.Tag) *dicom.Element {
	for _, el := range elems {
		if el.Tag == t {
			return el
		}
	}
	return nil
}

func findString(ds *dicom.Dataset, t tag.Tag) (string, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return "", false
	}
	values := Strings(el)
	if len(values) == 0 || values[0] == "" {
		return "", false
	}
	return values[0], true
}

func findFloats(ds *dicom.Dataset, t tag.Tag) ([]float64, bool) {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, false
	}
	values, err := Floats(el)
	if err != nil || len(values) == 0 {
		return nil, false
	}
	return values, true
}

func findFloat(ds *dicom.Dataset, t tag.Tag, fallback float64) float64 {
	values, ok := findFloats(ds, t)
	if !ok {
		return fallback
	}
	return values[0]
}
