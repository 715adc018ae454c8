package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUnsupportedMedia = errors.New("unsupported media type")
	ErrMediaTooLarge    = errors.New("media too large")
	ErrEmptyMedia       = errors.New("empty media payload")
)

// Attachment is an inbound media payload
type Attachment struct {
	MimeType string
	Filename string
	Data     []byte
}

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// IsImage reports whether the attachment can be shown to the language provider
func (a Attachment) IsImage() bool {
	_, ok := extensions[a.kind()]
	return ok
}

func (a Attachment) kind() string {
	kind := strings.ToLower(strings.TrimSpace(a.MimeType))
	if i := strings.IndexByte(kind, ';'); i >= 0 {
		kind = strings.TrimSpace(kind[:i])
	}
	if kind == "" && len(a.Data) > 0 {
		kind = http.DetectContentType(a.Data)
	}
	return kind
}

// DataURL encodes the attachment for a multi-content prompt part
func (a Attachment) DataURL() string {
	return "data:" + a.kind() + ";base64," + base64.StdEncoding.EncodeToString(a.Data)
}

// Validate rejects empty, oversized and non-image payloads
func Validate(a Attachment, maxBytes int64) error {
	if len(a.Data) == 0 {
		return ErrEmptyMedia
	}
	if maxBytes > 0 && int64(len(a.Data)) > maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrMediaTooLarge, len(a.Data), maxBytes)
	}
	if !a.IsImage() {
		return fmt.Errorf("%w: %q", ErrUnsupportedMedia, a.kind())
	}
	return nil
}

// Sink archives media and returns where it was stored
type Sink interface {
	Upload(ctx context.Context, data []byte, kind string) (string, error)
}

// FileSink writes uploads into a directory under random names
type FileSink struct {
	dir     string
	baseURL string
}

// NewFileSink creates the directory; baseURL, when set, prefixes returned names
func NewFileSink(dir, baseURL string) (*FileSink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("media dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}
	return &FileSink{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (f *FileSink) Upload(ctx context.Context, data []byte, kind string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ext, ok := extensions[kind]
	if !ok {
		ext = ".bin"
	}
	name := uuid.NewString() + ext
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write media: %w", err)
	}
	if f.baseURL != "" {
		return f.baseURL + "/" + name, nil
	}
	return "file://" + path, nil
}
