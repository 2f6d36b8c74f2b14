// Package dataset writes nnU-Net raw datasets: image and label files under
// imagesTr/ and labelsTr/ plus the dataset.json manifest.
package dataset

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ManifestName is the manifest file name inside the dataset directory
const ManifestName = "dataset.json"

// Label is a named class id
type Label struct {
	Name string
	ID   int
}

// Manifest describes the dataset.json content
type Manifest struct {
	// Channels are the modality names, channel i is file suffix _%04d of i
	Channels []string

	// FileEnding is the extension of every image and label file, dot included
	FileEnding string

	// ReaderWriter is the nnU-Net image reader/writer class
	ReaderWriter string

	// Labels are the foreground classes; background is added last with id 0
	Labels []Label

	NumTraining int
}

// CategoryLabels numbers categories from 1 in order
func CategoryLabels(categories []string) []Label {
	labels := make([]Label, len(categories))
	for i, c := range categories {
		labels[i] = Label{Name: c, ID: i + 1}
	}
	return labels
}

// MarshalJSON writes the manifest keys in nnU-Net order
func (m *Manifest) MarshalJSON() ([]byte, error) {
	channels := orderedmap.New[string, string]()
	for i, c := range m.Channels {
		channels.Set(strconv.Itoa(i), c)
	}
	labels := orderedmap.New[string, int]()
	for _, l := range m.Labels {
		labels.Set(l.Name, l.ID)
	}
	labels.Set("background", 0)

	doc := orderedmap.New[string, any]()
	doc.Set("channel_names", channels)
	doc.Set("file_ending", m.FileEnding)
	doc.Set("overwrite_image_reader_writer", m.ReaderWriter)
	doc.Set("labels", labels)
	doc.Set("numTraining", m.NumTraining)
	return json.Marshal(doc)
}

// WriteManifest writes m as dataset.json inside dir
func WriteManifest(dir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "    ")
	if err != nil {
		return fmt.Errorf("error encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestName), data, 0644); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}
	return nil
}

// ParseLabelTable reads "<name> <id>" lines in order. The name is every field
// but the last.
func ParseLabelTable(r io.Reader) ([]Label, error) {
	var labels []Label
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, fmt.Errorf("label table line %d: missing id", line)
		}
		id, err := strconv.Atoi(fields[len(fields)-1])
		if err != nil {
			return nil, fmt.Errorf("label table line %d: %w", line, err)
		}
		labels = append(labels, Label{Name: strings.Join(fields[:len(fields)-1], " "), ID: id})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading label table: %w", err)
	}
	return labels, nil
}

// ReadLabelTable reads a label table file
func ReadLabelTable(path string) ([]Label, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening label table: %w", err)
	}
	defer f.Close()
	return ParseLabelTable(f)
}
