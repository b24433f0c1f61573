// Package openephys detects and inspects OpenEphys recording directories.
// A dataset is recognized by its settings file (settings.xml) or by raw
// continuous-recording files (*.continuous).
package openephys

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nwbflow/nwbflow/pkg/models"
)

const (
	// FormatOpenEphys is the detected-format token for valid datasets.
	FormatOpenEphys = "openephys"
	// FormatUnknown is returned for anything unrecognized.
	FormatUnknown = "unknown"

	// SettingsFileName is the OpenEphys acquisition settings file.
	SettingsFileName = "settings.xml"
	// ContinuousSuffix marks raw continuous-recording files.
	ContinuousSuffix = ".continuous"
)

var (
	// ErrInvalidPath is returned when the dataset path does not exist or
	// is not a directory.
	ErrInvalidPath = errors.New("dataset path does not exist or is not a directory")

	// ErrUnsupportedFormat is returned when a directory contains neither a
	// settings file nor continuous recordings.
	ErrUnsupportedFormat = errors.New("dataset is not in OpenEphys format")

	// ErrMissingSettings is returned when recordings exist without the
	// settings file required for conversion.
	ErrMissingSettings = errors.New("OpenEphys settings file (settings.xml) is missing")

	// ErrMissingRecordings is returned when a settings file exists but no
	// continuous-recording files do.
	ErrMissingRecordings = errors.New("no continuous-recording (*.continuous) files found")
)

// docExtensions are the documentation file types scanned for metadata
// extraction.
var docExtensions = map[string]bool{
	".md":  true,
	".txt": true,
	".rst": true,
}

// Detect classifies the directory at path. It returns FormatOpenEphys if
// the directory contains a settings file or at least one continuous
// recording, FormatUnknown otherwise.
func Detect(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return FormatUnknown, fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}

	hasSettings, hasContinuous := false, false
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		switch {
		case d.Name() == SettingsFileName:
			hasSettings = true
		case strings.HasSuffix(d.Name(), ContinuousSuffix):
			hasContinuous = true
		}
		return nil
	})
	if err != nil {
		return FormatUnknown, fmt.Errorf("scan %s: %w", path, err)
	}

	if hasSettings || hasContinuous {
		return FormatOpenEphys, nil
	}
	return FormatUnknown, nil
}

// Inspect validates the dataset structure and collects its descriptor.
// Both the settings file and at least one continuous recording are
// required; channel count, sample rate, and duration are best-effort.
func Inspect(path string) (*models.DatasetInfo, error) {
	format, err := Detect(path)
	if err != nil {
		return nil, err
	}
	if format != FormatOpenEphys {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	var (
		settingsPath    string
		continuousBytes int64
		totalBytes      int64
		fileCount       int
	)
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		fi, statErr := d.Info()
		if statErr != nil {
			return statErr
		}
		totalBytes += fi.Size()
		fileCount++
		switch {
		case d.Name() == SettingsFileName && settingsPath == "":
			settingsPath = p
		case strings.HasSuffix(d.Name(), ContinuousSuffix):
			continuousBytes += fi.Size()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}

	if settingsPath == "" {
		return nil, ErrMissingSettings
	}
	if continuousBytes == 0 {
		return nil, ErrMissingRecordings
	}

	docPaths, err := DocumentationFiles(path)
	if err != nil {
		return nil, err
	}

	info := &models.DatasetInfo{
		Path:               path,
		Format:             FormatOpenEphys,
		TotalSizeBytes:     totalBytes,
		FileCount:          fileCount,
		HasDocumentation:   len(docPaths) > 0,
		DocumentationPaths: docPaths,
	}

	channels, sampleRate := parseSettings(settingsPath)
	info.ChannelCount = channels
	info.SampleRateHz = sampleRate
	if channels > 0 && sampleRate > 0 {
		// Continuous files store 16-bit samples; record headers make this
		// an estimate, not an exact duration.
		info.DurationSeconds = float64(continuousBytes) / (float64(channels) * sampleRate * 2)
	}
	return info, nil
}

// DocumentationFiles returns documentation files in the dataset root:
// known text extensions plus any README regardless of extension. Sorted
// by filename via os.ReadDir.
func DocumentationFiles(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}
	var docs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if docExtensions[ext] || strings.HasPrefix(strings.ToUpper(name), "README") {
			docs = append(docs, filepath.Join(path, name))
		}
	}
	return docs, nil
}

// parseSettings scans settings.xml for channel declarations and a sample
// rate attribute. The file layout varies across OpenEphys versions, so
// the parse is tolerant: failures simply leave the fields at zero.
func parseSettings(path string) (channels int, sampleRate float64) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	dec := xml.NewDecoder(f)
	for {
		tok, err := dec.Token()
		if err != nil {
			return channels, sampleRate
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if strings.EqualFold(start.Name.Local, "CHANNEL") {
			channels++
		}
		for _, attr := range start.Attr {
			if strings.EqualFold(attr.Name.Local, "SampleRate") && sampleRate == 0 {
				if v, err := strconv.ParseFloat(attr.Value, 64); err == nil {
					sampleRate = v
				}
			}
		}
	}
}
