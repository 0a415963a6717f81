package merge

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// pageHashes fingerprints every page of a PDF: sha1 over the page content
// stream plus the raw bytes of its image XObjects in object-number order.
// Scanned pages share near-identical content streams (one image draw), so
// the image bytes are what actually distinguishes pages; two re-fed copies
// of the same sheet hash identically.
func pageHashes(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return nil, fmt.Errorf("pdfcpu read %s: %w", path, err)
	}

	hashes := make([]string, 0, pdfCtx.PageCount)
	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		h := sha1.New()

		if r, err := pdfcpu.ExtractPageContent(pdfCtx, pageNr); err == nil && r != nil {
			if _, err := io.Copy(h, r); err != nil {
				return nil, fmt.Errorf("page %d content: %w", pageNr, err)
			}
		}

		imgs, err := pdfcpu.ExtractPageImages(pdfCtx, pageNr, false)
		if err != nil {
			return nil, fmt.Errorf("page %d images: %w", pageNr, err)
		}
		objNrs := make([]int, 0, len(imgs))
		for nr := range imgs {
			objNrs = append(objNrs, nr)
		}
		sort.Ints(objNrs)
		for _, nr := range objNrs {
			if _, err := io.Copy(h, imgs[nr]); err != nil {
				return nil, fmt.Errorf("page %d image obj %d: %w", pageNr, nr, err)
			}
		}

		hashes = append(hashes, hex.EncodeToString(h.Sum(nil)))
	}
	return hashes, nil
}

// contentHash derives the document's merged-content hash from the ordered
// surviving page hashes. Stable across re-merges of the same page set,
// which is what makes it usable as the idempotency anchor.
func contentHash(orderedPageHashes []string) string {
	h := sha256.New()
	for _, ph := range orderedPageHashes {
		io.WriteString(h, ph)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
