package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/jo-hoe/mediagen/internal/common"
)

// ErrTooLarge is returned when an upload exceeds the configured size limit.
var ErrTooLarge = errors.New("upload exceeds size limit")

// Uploader validates uploaded images and re-encodes them as JPEG for the backends.
type Uploader struct {
	maxDimension int
	quality      int
}

var allowedImageMimes = map[string]string{
	common.MimeImagePNG:  ".png",
	common.MimeImageJPEG: ".jpg",
	common.MimeImageJPG:  ".jpg",
}

// NewUploader creates an uploader. maxDimension bounds the longest side; 0 keeps the original size.
func NewUploader(maxDimension, jpegQuality int) *Uploader {
	if jpegQuality < 1 || jpegQuality > 100 {
		jpegQuality = 90
	}
	return &Uploader{maxDimension: maxDimension, quality: jpegQuality}
}

// ReadMultipartImage validates an uploaded image (png/jpg) and returns it as JPEG bytes.
func (u *Uploader) ReadMultipartImage(fileHeader *multipart.FileHeader, maxBytes int64) ([]byte, error) {
	if fileHeader == nil {
		return nil, fmt.Errorf("no file provided")
	}
	mimeType := fileHeader.Header.Get(common.HeaderContentType)
	// Some clients set application/octet-stream for uploads; treat it as unknown and fall back to extension.
	if mimeType == "" || strings.EqualFold(strings.TrimSpace(mimeType), "application/octet-stream") {
		ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
		mimeType = mime.TypeByExtension(ext)
	}
	if !isAllowedImageMime(mimeType) {
		return nil, fmt.Errorf("unsupported content type: %s", mimeType)
	}

	src, err := fileHeader.Open()
	if err != nil {
		return nil, fmt.Errorf("open uploaded file: %w", err)
	}
	defer func() { _ = src.Close() }()

	data, err := readLimited(src, maxBytes)
	if err != nil {
		return nil, err
	}
	return u.PrepareJPEG(data)
}

// PrepareJPEG decodes data, honours EXIF orientation, bounds its size, and encodes it as JPEG.
func (u *Uploader) PrepareJPEG(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("image is empty")
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if u.maxDimension > 0 {
		b := img.Bounds()
		if b.Dx() > u.maxDimension || b.Dy() > u.maxDimension {
			img = imaging.Fit(img, u.maxDimension, u.maxDimension, imaging.Lanczos)
		}
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(u.quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read upload: %w", err)
		}
		return b, nil
	}
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, ErrTooLarge
	}
	return b, nil
}

func isAllowedImageMime(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	_, ok := allowedImageMimes[mt]
	return ok
}
