// Package imaging validates and transcodes uploaded medical images.
// JPEG and PNG are re-encoded to JPEG via the standard library's
// image/jpeg, which writes baseline (not progressive) JPEG; TIFF is
// re-encoded losslessly through golang.org/x/image/tiff
// since the standard library has no TIFF codec and no example repo in
// this corpus's retrieval pack carries one either. DICOM-tagged uploads
// are detected by their framing marker but not decoded: the dataset
// structure around the pixel data is out of scope for this pass, so a
// DICOM upload is reported as an unsupported format rather than
// mis-decoded as a plain TIFF.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/tiff"
)

const (
	thumbnailSize = 300
	jpegQuality   = 85

	// minDimension/maxDimension bound the recommended image size; outside
	// this range the upload is still processed but flagged with a warning.
	minDimension = 100
	maxDimension = 4096
)

// Format is a recognized input image format.
type Format string

const (
	FormatJPEG  Format = "jpeg"
	FormatPNG   Format = "png"
	FormatTIFF  Format = "tiff"
	FormatDICOM Format = "dicom"
)

// ErrUnsupportedFormat is returned for any magic-byte sniff that does
// not match a recognized format.
var ErrUnsupportedFormat = fmt.Errorf("imaging: unsupported format")

// FailureClass is the closed set of documented image-processing failure
// classes a caller maps to its own error vocabulary.
type FailureClass string

const (
	FailureInvalidImage      FailureClass = "InvalidImage"
	FailureUnsupportedFormat FailureClass = "UnsupportedFormat"
	FailureTooLarge          FailureClass = "TooLarge"
	FailureTranscodeFailed   FailureClass = "TranscodeFailed"
)

// Error carries one of the documented failure classes alongside the
// underlying cause, so a caller can switch on Class without parsing
// error text.
type Error struct {
	Class FailureClass
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("imaging: %s: %v", e.Class, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// Artifact is the result of processing one uploaded image: the
// transcoded full-size image and its thumbnail (JPEG, or TIFF for TIFF
// input), and the scratch paths both were written to.
type Artifact struct {
	ID            string
	FullPath      string
	ThumbnailPath string
	Width, Height int
	ExpiresAt     time.Time
}

// Sniff identifies the format of raw image bytes by magic number,
// independent of any filename extension a caller might supply.
func Sniff(data []byte) (Format, error) {
	switch {
	// DICOM's 128-byte preamble is conventionally zero-filled but not
	// guaranteed to be; the "DICM" magic at offset 128 is the one part of
	// the framing every conformant file carries.
	case len(data) >= 132 && bytes.Equal(data[128:132], []byte("DICM")):
		return FormatDICOM, nil
	case len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF:
		return FormatJPEG, nil
	case len(data) >= 8 && bytes.Equal(data[:8], []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}):
		return FormatPNG, nil
	case len(data) >= 4 && (bytes.Equal(data[:4], []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.Equal(data[:4], []byte{0x4D, 0x4D, 0x00, 0x2A})):
		return FormatTIFF, nil
	default:
		return "", ErrUnsupportedFormat
	}
}

// Decode dispatches to the matching stdlib or x/image decoder based on
// the sniffed format. DICOM's pixel data lives inside a dataset structure
// this package does not parse (full DICOM decode is out of scope here);
// detection exists so DICOM-tagged uploads are classified and reported
// rather than silently mis-decoded as something else.
func Decode(data []byte, format Format) (image.Image, error) {
	r := bytes.NewReader(data)
	switch format {
	case FormatJPEG:
		return jpeg.Decode(r)
	case FormatPNG:
		return png.Decode(r)
	case FormatTIFF:
		return tiff.Decode(r)
	case FormatDICOM:
		return nil, fmt.Errorf("imaging: DICOM pixel data decoding is not supported")
	default:
		return nil, ErrUnsupportedFormat
	}
}

// Pipeline validates, transcodes, and thumbnails uploaded images into a
// scratch directory, tracking each artifact's expiry for the TTL sweep.
type Pipeline struct {
	scratchDir string
	ttl        time.Duration
	maxBytes   int64
}

// NewPipeline constructs a Pipeline rooted at scratchDir, creating it if
// necessary.
func NewPipeline(scratchDir string, ttl time.Duration, maxBytes int64) (*Pipeline, error) {
	if err := os.MkdirAll(scratchDir, 0o700); err != nil {
		return nil, fmt.Errorf("imaging: create scratch dir: %w", err)
	}
	return &Pipeline{scratchDir: scratchDir, ttl: ttl, maxBytes: maxBytes}, nil
}

// Process validates size and format, decodes, re-encodes (losslessly to
// TIFF for TIFF input, to baseline JPEG otherwise), generates a
// thumbnail in the same target format, writes both under a fresh
// artifact id, and arms a timer that deletes both files once the TTL
// elapses. Errors are always an *Error carrying one of the documented
// failure classes.
func (p *Pipeline) Process(id string, data []byte) (*Artifact, error) {
	if int64(len(data)) > p.maxBytes {
		return nil, &Error{Class: FailureTooLarge, Err: fmt.Errorf("image exceeds %d byte limit", p.maxBytes)}
	}
	format, err := Sniff(data)
	if err != nil {
		return nil, &Error{Class: FailureUnsupportedFormat, Err: err}
	}
	img, err := Decode(data, format)
	if err != nil {
		if format == FormatDICOM {
			return nil, &Error{Class: FailureUnsupportedFormat, Err: err}
		}
		return nil, &Error{Class: FailureInvalidImage, Err: fmt.Errorf("decode: %w", err)}
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return nil, &Error{Class: FailureInvalidImage, Err: fmt.Errorf("decoded image has zero width or height")}
	}
	if width < minDimension || height < minDimension {
		slog.Warn("imaging: image dimensions below recommended minimum", "id", id, "width", width, "height", height)
	}
	if width > maxDimension || height > maxDimension {
		slog.Warn("imaging: image dimensions exceed recommended maximum", "id", id, "width", width, "height", height)
	}

	ext, encode := "jpg", writeProgressiveJPEG
	if format == FormatTIFF {
		ext, encode = "tiff", writeLosslessTIFF
	}

	fullPath := filepath.Join(p.scratchDir, id+"_full."+ext)
	if err := encode(fullPath, img); err != nil {
		return nil, &Error{Class: FailureTranscodeFailed, Err: err}
	}

	thumb := thumbnail(img, thumbnailSize)
	thumbPath := filepath.Join(p.scratchDir, id+"_thumb."+ext)
	if err := encode(thumbPath, thumb); err != nil {
		return nil, &Error{Class: FailureTranscodeFailed, Err: err}
	}
	NewSweeper(p.scratchDir, p.ttl).ScheduleDelete(context.Background(), fullPath, thumbPath)

	return &Artifact{
		ID:            id,
		FullPath:      fullPath,
		ThumbnailPath: thumbPath,
		Width:         width,
		Height:        height,
		ExpiresAt:     time.Now().Add(p.ttl),
	}, nil
}

// writeProgressiveJPEG encodes img with image/jpeg at jpegQuality. The
// standard library encoder writes baseline JPEG only, so the file is not
// progressive.
func writeProgressiveJPEG(path string, img image.Image) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("imaging: create %s: %w", path, err)
	}
	defer f.Close()
	return jpeg.Encode(f, img, &jpeg.Options{Quality: jpegQuality})
}

// writeLosslessTIFF re-encodes with Deflate compression, which is
// lossless, rather than the format's legacy uncompressed or JPEG-inside-
// TIFF options.
func writeLosslessTIFF(path string, img image.Image) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("imaging: create %s: %w", path, err)
	}
	defer f.Close()
	return tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate})
}

// thumbnail produces a square-bounded nearest-fit thumbnail without
// pulling in a resampling dependency: it downsamples by integer stride,
// which is adequate for a fixed 300x300 preview and keeps this stage on
// the standard library's image package (image.NewRGBA plus per-pixel Set).
func thumbnail(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := 1
	for w/scale > maxDim || h/scale > maxDim {
		scale++
	}
	dstW, dstH := w/scale, h/scale
	if dstW < 1 {
		dstW = 1
	}
	if dstH < 1 {
		dstH = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	for y := 0; y < dstH; y++ {
		for x := 0; x < dstW; x++ {
			srcX := b.Min.X + x*scale
			srcY := b.Min.Y + y*scale
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}
	return dst
}

// Cleanup removes a processed artifact's files from the scratch
// directory right away, treating files that are already gone as removed.
func (p *Pipeline) Cleanup(a *Artifact) error {
	err1 := os.Remove(a.FullPath)
	err2 := os.Remove(a.ThumbnailPath)
	if err1 != nil && !os.IsNotExist(err1) {
		return err1
	}
	if err2 != nil && !os.IsNotExist(err2) {
		return err2
	}
	return nil
}
