package recognize

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	// Scanner output embeds JPEG, Flate(PNG) or CCITT(TIFF) page images.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/tiff"
)

// pageImage is one raster extracted from a scanned PDF page.
type pageImage struct {
	number int
	img    image.Image
}

// pageImages pulls the embedded page rasters out of a scanned PDF. Scanner
// output carries exactly one full-page image per page; pages with several
// XObjects yield several entries, each swept independently. The source file
// is only ever read.
func pageImages(path string) ([]pageImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read: %w", err)
	}

	var pages []pageImage
	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		imgs, err := pdfcpu.ExtractPageImages(pdfCtx, pageNr, false)
		if err != nil {
			return nil, fmt.Errorf("extract page %d images: %w", pageNr, err)
		}
		for _, pi := range imgs {
			decoded, _, err := image.Decode(pi)
			if err != nil {
				// Unsupported filter chain; skip the raster, keep the page.
				continue
			}
			pages = append(pages, pageImage{number: pageNr, img: decoded})
		}
	}
	return pages, nil
}

// a4WidthInches is the assumed sheet width for the DPI→pixel mapping.
const a4WidthInches = 8.27

// scaleForDPI resamples a page raster to the pixel width a given scan DPI
// would produce, in grayscale. Resampling both down and up is intentional:
// noise that defeats a decoder at native resolution often averages out at a
// lower one, and small symbols sometimes need the opposite.
func scaleForDPI(img image.Image, dpi int) image.Image {
	width := int(float64(dpi) * a4WidthInches)
	gray := imaging.Grayscale(img)
	if img.Bounds().Dx() == width {
		return gray
	}
	return imaging.Resize(gray, width, 0, imaging.Lanczos)
}

// writeDebugPNG saves an undecodable page raster for offline inspection.
func writeDebugPNG(dir string, pg pageImage) (string, error) {
	name := fmt.Sprintf("failed_qr_%s_page_%d.png",
		time.Now().Format("20060102_150405"), pg.number)
	path := filepath.Join(dir, name)
	if err := imaging.Save(pg.img, path); err != nil {
		return "", err
	}
	return path, nil
}
