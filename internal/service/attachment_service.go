package service

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"bazaar/internal/config"
	"bazaar/internal/models"

	"github.com/chai2010/webp"
	"github.com/google/uuid"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register WebP decoder
)

const (
	attachmentMaxImageSize = 2048
	attachmentWebPQuality  = 75
)

// AttachmentService stores uploaded chat attachments. Images are
// re-encoded to bounded WebP; other media is stored as received.
type AttachmentService struct {
	uploadDir string
	maxBytes  int64
}

// SaveAttachmentInput is the input for storing one uploaded file.
type SaveAttachmentInput struct {
	Filename    string
	ContentType string
	Content     []byte
}

// NewAttachmentService returns a new AttachmentService rooted at the
// configured upload directory.
func NewAttachmentService(cfg *config.Config) (*AttachmentService, error) {
	dir := cfg.UploadDir
	if dir == "" {
		dir = "./uploads"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &AttachmentService{
		uploadDir: dir,
		maxBytes:  int64(cfg.UploadMaxMB) << 20,
	}, nil
}

// UploadDir returns the directory attachments are written to.
func (s *AttachmentService) UploadDir() string {
	return s.uploadDir
}

// Save validates and stores the uploaded file, returning the attachment
// descriptor to embed in a message.
func (s *AttachmentService) Save(in SaveAttachmentInput) (*models.Attachment, error) {
	if len(in.Content) == 0 {
		return nil, models.NewValidationError("Empty upload")
	}
	if int64(len(in.Content)) > s.maxBytes {
		return nil, models.NewValidationError(fmt.Sprintf("Upload exceeds %d MB limit", s.maxBytes>>20))
	}

	contentType := normalizeAttachmentType(in.ContentType, in.Content)
	kind := attachmentKind(contentType)

	if kind == "image" {
		return s.saveImage(in, contentType)
	}
	return s.saveRaw(in, contentType, kind)
}

func (s *AttachmentService) saveImage(in SaveAttachmentInput, contentType string) (*models.Attachment, error) {
	decoded, _, err := image.Decode(bytes.NewReader(in.Content))
	if err != nil {
		return nil, models.NewValidationError("Unsupported or corrupt image")
	}

	resized := resizeToFit(decoded, attachmentMaxImageSize, attachmentMaxImageSize)
	encoded, err := encodeWebP(resized, attachmentWebPQuality)
	if err != nil {
		return nil, models.NewInternalError(err)
	}

	name := uuid.NewString() + ".webp"
	if err := os.WriteFile(filepath.Join(s.uploadDir, name), encoded, 0o644); err != nil {
		return nil, models.NewInternalError(err)
	}

	bounds := resized.Bounds()
	return &models.Attachment{
		URL:    "/uploads/" + name,
		Type:   "image",
		Name:   in.Filename,
		Size:   int64(len(encoded)),
		Width:  bounds.Dx(),
		Height: bounds.Dy(),
	}, nil
}

func (s *AttachmentService) saveRaw(in SaveAttachmentInput, contentType, kind string) (*models.Attachment, error) {
	ext := filepath.Ext(in.Filename)
	if ext == "" {
		if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
			ext = exts[0]
		}
	}
	name := uuid.NewString() + ext

	if err := os.WriteFile(filepath.Join(s.uploadDir, name), in.Content, 0o644); err != nil {
		return nil, models.NewInternalError(err)
	}

	return &models.Attachment{
		URL:  "/uploads/" + name,
		Type: kind,
		Name: in.Filename,
		Size: int64(len(in.Content)),
	}, nil
}

func normalizeAttachmentType(contentType string, content []byte) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	if ct == "" || ct == "application/octet-stream" {
		ct = http.DetectContentType(content)
	}
	return ct
}

func attachmentKind(contentType string) string {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return "image"
	case strings.HasPrefix(contentType, "video/"):
		return "video"
	case strings.HasPrefix(contentType, "audio/"):
		return "audio"
	default:
		return "file"
	}
}

func resizeToFit(src image.Image, maxWidth, maxHeight int) image.Image {
	bounds := src.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()
	if w <= 0 || h <= 0 {
		return src
	}
	if w <= maxWidth && h <= maxHeight {
		return src
	}

	scaleW := float64(maxWidth) / float64(w)
	scaleH := float64(maxHeight) / float64(h)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, xdraw.Over, nil)
	return dst
}

func encodeWebP(img image.Image, quality int) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	if err := webp.Encode(buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
