package images

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// Thumbnailer renders center-cropped square thumbnails
type Thumbnailer struct {
	size      int
	outputDir string
}

// NewThumbnailer creates a thumbnailer writing size x size images into outputDir/<size>
func NewThumbnailer(outputDir string, size int) *Thumbnailer {
	return &Thumbnailer{size: size, outputDir: outputDir}
}

// Render writes the thumbnail for srcPath and returns its path
func (t *Thumbnailer) Render(srcPath string) (string, error) {
	src, err := imaging.Open(srcPath)
	if err != nil {
		return "", err
	}

	resized := imaging.Resize(squareCrop(src), t.size, t.size, imaging.Lanczos)

	sizeDir := filepath.Join(t.outputDir, fmt.Sprintf("%d", t.size))
	if err := os.MkdirAll(sizeDir, 0755); err != nil {
		return "", err
	}

	destPath := filepath.Join(sizeDir, filepath.Base(srcPath))
	if err := imaging.Save(resized, destPath); err != nil {
		return "", err
	}
	return destPath, nil
}

func squareCrop(src image.Image) image.Image {
	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	switch {
	case width > height:
		offset := (width - height) / 2
		return imaging.Crop(src, image.Rect(offset, 0, offset+height, height))
	case height > width:
		offset := (height - width) / 2
		return imaging.Crop(src, image.Rect(0, offset, width, offset+width))
	default:
		return imaging.Clone(src)
	}
}
