package builtin

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/zkrx/tbot/pkg/machine/linux"
	"github.com/zkrx/tbot/pkg/models"
	"github.com/zkrx/tbot/pkg/ocr"
	"github.com/zkrx/tbot/pkg/testcase"
)

// Screenshot grabs the framebuffer fb on the board into a PNG and copies it
// back over the console.
func Screenshot(tc *testcase.Context, lnx *linux.Machine, fb string) ([]byte, error) {
	wd, err := lnx.Workdir(tc)
	if err != nil {
		return nil, err
	}
	shot := wd.Join("display_check.png")
	if _, err := lnx.Exec0Context(tc, "fbgrab", "-d", fb, shot); err != nil {
		return nil, err
	}
	out, err := lnx.Exec0Context(tc, "base64", shot)
	if err != nil {
		return nil, err
	}
	img, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(out), ""))
	if err != nil {
		return nil, fmt.Errorf("decoding screenshot: %w", err)
	}
	return img, nil
}

// DisplayCheck fails unless text is visible on the board display.
func DisplayCheck(tc *testcase.Context, lnx *linux.Machine, text, fb, languages string) ([]models.TextPosition, error) {
	img, err := Screenshot(tc, lnx, fb)
	if err != nil {
		return nil, err
	}
	words, err := ocr.Default().Recognize(img, languages)
	if err != nil {
		return nil, err
	}
	found := ocr.Find(words, text)
	if len(found) == 0 {
		seen := make([]string, len(words))
		for i, w := range words {
			seen[i] = w.Text
		}
		return nil, fmt.Errorf("%q not on display %s (saw: %s)", text, fb, strings.Join(seen, " "))
	}
	tc.Logger().Info().Str("text", text).Int("x", found[0].X).Int("y", found[0].Y).Msg("text found on display")
	return found, nil
}

func displayCheck(tc *testcase.Context, p testcase.Params) (any, error) {
	text := p.String("text", "")
	if text == "" {
		return nil, fmt.Errorf("display_check: text is required")
	}
	lab, err := tc.AcquireLab()
	if err != nil {
		return nil, err
	}
	b, err := tc.AcquireBoard(lab)
	if err != nil {
		return nil, err
	}
	lnx, err := tc.AcquireLinux(b)
	if err != nil {
		return nil, err
	}
	return DisplayCheck(tc, lnx, text, p.String("fb", "/dev/fb0"), p.String("languages", ""))
}
