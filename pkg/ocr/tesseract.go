//go:build !notesseract

package ocr

import (
	"fmt"
	"slices"
	"strings"
	"unicode"

	"github.com/otiai10/gosseract/v2"

	"github.com/zkrx/tbot/pkg/log"
	"github.com/zkrx/tbot/pkg/models"
)

const minConfidence = 30.0

var defaultLanguages = []string{"eng"}

// Tesseract recognises text with libtesseract.  It is not safe for
// concurrent use.
type Tesseract struct {
	client    *gosseract.Client
	languages []string
}

// NewTesseract creates a provider for English.
func NewTesseract() (*Tesseract, error) {
	client := gosseract.NewClient()
	if err := client.SetLanguage(defaultLanguages...); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initialising tesseract: %w", err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("initialising tesseract: %w", err)
	}
	return &Tesseract{client: client, languages: defaultLanguages}, nil
}

// Name returns "tesseract".
func (t *Tesseract) Name() string { return "tesseract" }

// Recognize returns the words tesseract is reasonably sure about.
func (t *Tesseract) Recognize(image []byte, languages []string) ([]models.TextPosition, error) {
	if len(languages) == 0 {
		languages = defaultLanguages
	}
	if !slices.Equal(languages, t.languages) {
		if err := t.client.SetLanguage(languages...); err != nil {
			return nil, fmt.Errorf("tesseract: languages %v: %w", languages, err)
		}
		t.languages = slices.Clone(languages)
	}
	if err := t.client.SetImageFromBytes(image); err != nil {
		return nil, fmt.Errorf("tesseract: loading image: %w", err)
	}
	boxes, err := t.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("tesseract: %w", err)
	}

	var out []models.TextPosition
	for _, box := range boxes {
		if box.Confidence < minConfidence {
			continue
		}
		text := strings.TrimSpace(box.Word)
		if text == "" {
			continue
		}
		// lone punctuation is mostly noise
		if r := []rune(text); len(r) == 1 && !unicode.IsLetter(r[0]) && !unicode.IsDigit(r[0]) {
			continue
		}
		out = append(out, models.TextPosition{
			Text:   text,
			X:      box.Box.Min.X,
			Y:      box.Box.Min.Y,
			Width:  box.Box.Dx(),
			Height: box.Box.Dy(),
		})
	}
	l := log.WithComponent("ocr")
	l.Debug().Int("words", len(out)).Strs("languages", languages).Msg("tesseract done")
	return out, nil
}

// Close frees the tesseract instance.
func (t *Tesseract) Close() error {
	return t.client.Close()
}
