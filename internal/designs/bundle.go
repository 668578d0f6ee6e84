package designs

import (
	"archive/zip"
	"bytes"
	"fmt"
)

// ErrBundleUnavailable is returned for multi-layer images, whose tiles only
// make sense assembled in game.
var ErrBundleUnavailable = fmt.Errorf("bundle only available for single-layer images")

// Bundle packs the entry's layer PNGs and preview into a zip archive. Only
// single-layer images offer one.
func (e *Entry) Bundle() ([]byte, error) {
	if e.Image.DesignsRequired != 1 {
		return nil, ErrBundleUnavailable
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, layer := range e.Layers {
		w, err := zw.Create(fmt.Sprintf("%s.png", layer.DesignCode))
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(layer.PNG); err != nil {
			return nil, err
		}
	}
	if len(e.Preview) > 0 {
		w, err := zw.Create("preview.png")
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(e.Preview); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
