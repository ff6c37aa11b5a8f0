package service

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bazaar/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAttachmentService(t *testing.T) *AttachmentService {
	t.Helper()
	svc, err := NewAttachmentService(&config.Config{
		UploadDir:   t.TempDir(),
		UploadMaxMB: 1,
	})
	require.NoError(t, err)
	return svc
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 100, A: 255})
		}
	}
	buf := bytes.NewBuffer(nil)
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func TestAttachmentService_SaveImage(t *testing.T) {
	svc := newTestAttachmentService(t)

	att, err := svc.Save(SaveAttachmentInput{
		Filename:    "photo.png",
		ContentType: "image/png",
		Content:     pngBytes(t, 64, 48),
	})
	require.NoError(t, err)

	assert.Equal(t, "image", att.Type)
	assert.Equal(t, 64, att.Width)
	assert.Equal(t, 48, att.Height)
	assert.True(t, strings.HasSuffix(att.URL, ".webp"), "expected webp url, got %s", att.URL)

	stored := filepath.Join(svc.UploadDir(), filepath.Base(att.URL))
	_, statErr := os.Stat(stored)
	assert.NoError(t, statErr)
}

func TestAttachmentService_SaveRaw(t *testing.T) {
	svc := newTestAttachmentService(t)

	att, err := svc.Save(SaveAttachmentInput{
		Filename:    "voice.mp3",
		ContentType: "audio/mpeg",
		Content:     []byte{0xFF, 0xFB, 0x90, 0x00},
	})
	require.NoError(t, err)
	assert.Equal(t, "audio", att.Type)
	assert.Equal(t, "voice.mp3", att.Name)
	assert.EqualValues(t, 4, att.Size)
}

func TestAttachmentService_Rejections(t *testing.T) {
	svc := newTestAttachmentService(t)

	t.Run("empty upload", func(t *testing.T) {
		_, err := svc.Save(SaveAttachmentInput{Filename: "x.bin"})
		assert.Error(t, err)
	})

	t.Run("oversized upload", func(t *testing.T) {
		_, err := svc.Save(SaveAttachmentInput{
			Filename: "big.bin",
			Content:  make([]byte, 2<<20),
		})
		assert.Error(t, err)
	})

	t.Run("corrupt image", func(t *testing.T) {
		_, err := svc.Save(SaveAttachmentInput{
			Filename:    "broken.png",
			ContentType: "image/png",
			Content:     []byte("not an image"),
		})
		assert.Error(t, err)
	})
}
