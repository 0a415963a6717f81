// Package testpdf builds scanned-document fixtures for tests: QR code page
// images and PDFs that embed them the way a scanner's output does.
package testpdf

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// QRImage renders payload as a QR code of size x size pixels.
func QRImage(payload string, size int) (image.Image, error) {
	matrix, err := qrcode.NewQRCodeWriter().Encode(
		payload, gozxing.BarcodeFormat_QR_CODE, size, size, nil)
	if err != nil {
		return nil, fmt.Errorf("testpdf: encode %q: %w", payload, err)
	}
	img := image.NewGray(image.Rect(0, 0, matrix.GetWidth(), matrix.GetHeight()))
	for y := 0; y < matrix.GetHeight(); y++ {
		for x := 0; x < matrix.GetWidth(); x++ {
			if matrix.Get(x, y) {
				img.SetGray(x, y, color.Gray{Y: 0})
			} else {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return img, nil
}

// WriteQRPNG writes a QR page image for payload to path.
func WriteQRPNG(path, payload string, size int) error {
	img, err := QRImage(payload, size)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return imaging.Save(img, path)
}

// WriteNoisePNG writes a page image carrying no code at all.
func WriteNoisePNG(path string, size int) error {
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			// Deterministic checkerboard-ish texture; decodes to nothing.
			img.SetGray(x, y, color.Gray{Y: uint8((x*7 + y*13) % 251)})
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return imaging.Save(img, path)
}

// BuildPDF imports the given page images into a PDF at path, one image per
// page, mirroring a scanned document.
func BuildPDF(path string, imagePaths ...string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := api.ImportImagesFile(imagePaths, path, nil, nil); err != nil {
		return fmt.Errorf("testpdf: import images: %w", err)
	}
	return nil
}
