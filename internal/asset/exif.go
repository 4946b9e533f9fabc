package asset

import (
	"fmt"
	"os"
	"strings"

	"github.com/barasher/go-exiftool"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"
)

// preservedTags are copied from the source file onto the compressed output.
// Layout tags (orientation, dimensions, file name) are left to the encoder.
var preservedTags = []string{
	"DateTimeOriginal",
	"CreateDate",
	"ModifyDate",
	"Make",
	"Model",
	"LensModel",
	"Artist",
	"Copyright",
	"ImageDescription",
	"GPSLatitude",
	"GPSLatitudeRef",
	"GPSLongitude",
	"GPSLongitudeRef",
	"GPSAltitude",
	"GPSAltitudeRef",
}

// HasMarker reports whether the EXIF Software tag of the file contains marker.
// Files without EXIF data never carry the marker.
func HasMarker(path, marker string) bool {
	if marker == "" {
		return false
	}

	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return false
	}

	tag, err := x.Get(exif.Software)
	if err != nil {
		return false
	}
	software, err := tag.StringVal()
	if err != nil {
		return false
	}
	return strings.Contains(software, marker)
}

// Stamper copies metadata onto compressed outputs and tags them as processed.
// It needs the exiftool binary on PATH.
type Stamper struct {
	et     *exiftool.Exiftool
	marker string
	logger *logrus.Logger
}

// NewStamper starts an exiftool process.
func NewStamper(marker string, logger *logrus.Logger) (*Stamper, error) {
	if logger == nil {
		logger = logrus.New()
	}
	et, err := exiftool.NewExiftool()
	if err != nil {
		return nil, fmt.Errorf("failed to start exiftool: %w", err)
	}
	return &Stamper{et: et, marker: marker, logger: logger}, nil
}

// Stamp copies the preserved tags from src to dst and sets Software to the marker.
// src may be empty when no source metadata should be copied.
func (s *Stamper) Stamp(src, dst string) error {
	out := exiftool.EmptyFileMetadata()
	out.File = dst

	if src != "" {
		for _, md := range s.et.ExtractMetadata(src) {
			if md.Err != nil {
				s.logger.WithField("file", src).Debugf("No metadata to copy: %v", md.Err)
				continue
			}
			for _, tag := range preservedTags {
				if v, ok := md.Fields[tag]; ok {
					out.Fields[tag] = v
				}
			}
		}
	}
	out.SetString("Software", s.marker)

	fms := []exiftool.FileMetadata{out}
	s.et.WriteMetadata(fms)
	if fms[0].Err != nil {
		return fmt.Errorf("failed to write metadata to %s: %w", dst, fms[0].Err)
	}

	// exiftool may leave a copy of the pre-write file behind
	if err := os.Remove(dst + "_original"); err != nil && !os.IsNotExist(err) {
		s.logger.WithField("file", dst).Warnf("Failed to remove exiftool backup: %v", err)
	}
	return nil
}

// Close stops the exiftool process.
func (s *Stamper) Close() error {
	if s == nil || s.et == nil {
		return nil
	}
	return s.et.Close()
}
