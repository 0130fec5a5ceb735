//go:build notesseract

package ocr

import "errors"

// NewTesseract is unavailable in builds without libtesseract.
func NewTesseract() (Provider, error) {
	return nil, errors.New("built without tesseract support")
}
