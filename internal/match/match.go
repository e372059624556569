package match

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"log/slog"

	"droidfleet.sh/internal/dferrors"
)

// Match locates a template inside a screenshot, in screen pixels.
type Match struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Score  float64 `json:"score"`
}

// Center returns the tap point of a match.
func (m Match) Center() (int, int) {
	return m.X + m.Width/2, m.Y + m.Height/2
}

// Finder locates image templates on a device screenshot.
type Finder interface {
	Find(ctx context.Context, screen []byte, templateID string, threshold float64) (Match, bool, error)
}

// TemplateLoader resolves a template id to PNG bytes.
type TemplateLoader func(id string) ([]byte, error)

// Basic is a grayscale template matcher. It runs a coarse scan over
// the screen and refines the best candidate at full resolution. Scores
// are 1 minus the mean absolute pixel difference, so 1.0 is an exact
// match.
type Basic struct {
	load   TemplateLoader
	logger *slog.Logger
}

// NewBasic creates a matcher that resolves templates through load.
func NewBasic(load TemplateLoader) *Basic {
	return &Basic{
		load:   load,
		logger: slog.Default().With("component", "match"),
	}
}

const (
	coarseStep   = 8
	coarseSample = 4
	refineRadius = 8
)

// Find scans screen for the template. The second return value is false
// when no position reaches threshold.
func (b *Basic) Find(ctx context.Context, screen []byte, templateID string, threshold float64) (Match, bool, error) {
	raw, err := b.load(templateID)
	if err != nil {
		return Match{}, false, dferrors.Wrapf(err, "load template %s", templateID)
	}

	screenGray, err := decodeGray(screen)
	if err != nil {
		return Match{}, false, dferrors.Wrap(err, "decode screenshot")
	}
	tmplGray, err := decodeGray(raw)
	if err != nil {
		return Match{}, false, dferrors.Wrapf(err, "decode template %s", templateID)
	}

	sw, sh := screenGray.Rect.Dx(), screenGray.Rect.Dy()
	tw, th := tmplGray.Rect.Dx(), tmplGray.Rect.Dy()
	if tw == 0 || th == 0 || tw > sw || th > sh {
		return Match{}, false, nil
	}

	bestX, bestY, bestScore := -1, -1, 0.0
	for y := 0; y <= sh-th; y += coarseStep {
		if err := ctx.Err(); err != nil {
			return Match{}, false, err
		}
		for x := 0; x <= sw-tw; x += coarseStep {
			score := scoreAt(screenGray, tmplGray, x, y, coarseSample)
			if score > bestScore {
				bestX, bestY, bestScore = x, y, score
			}
		}
	}
	if bestX < 0 {
		return Match{}, false, nil
	}

	// Refine around the coarse winner at full resolution.
	refX, refY, refScore := bestX, bestY, 0.0
	for y := max(0, bestY-refineRadius); y <= min(sh-th, bestY+refineRadius); y++ {
		for x := max(0, bestX-refineRadius); x <= min(sw-tw, bestX+refineRadius); x++ {
			score := scoreAt(screenGray, tmplGray, x, y, 1)
			if score > refScore {
				refX, refY, refScore = x, y, score
			}
		}
	}

	if refScore < threshold {
		b.logger.Debug("template below threshold",
			"template_id", templateID,
			"best_score", refScore,
			"threshold", threshold)
		return Match{}, false, nil
	}
	return Match{X: refX, Y: refY, Width: tw, Height: th, Score: refScore}, true, nil
}

// scoreAt computes 1 - mean absolute difference at (x, y), sampling
// every step-th pixel of the template.
func scoreAt(screen, tmpl *image.Gray, x, y, step int) float64 {
	tw, th := tmpl.Rect.Dx(), tmpl.Rect.Dy()
	var sum, n int64
	for ty := 0; ty < th; ty += step {
		srow := screen.Pix[(y+ty)*screen.Stride+x:]
		trow := tmpl.Pix[ty*tmpl.Stride:]
		for tx := 0; tx < tw; tx += step {
			d := int64(srow[tx]) - int64(trow[tx])
			if d < 0 {
				d = -d
			}
			sum += d
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return 1 - float64(sum)/float64(n)/255
}

func decodeGray(data []byte) (*image.Gray, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	gray := image.NewGray(img.Bounds())
	draw.Draw(gray, gray.Rect, img, img.Bounds().Min, draw.Src)
	return gray, nil
}

// DrawHighlight re-encodes the screenshot with a red box around the
// match, for report artifacts.
func DrawHighlight(screen []byte, m Match) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(screen))
	if err != nil {
		return nil, dferrors.Wrap(err, "decode screenshot")
	}
	rgba := image.NewRGBA(img.Bounds())
	draw.Draw(rgba, rgba.Rect, img, img.Bounds().Min, draw.Src)

	red := color.RGBA{R: 0xE5, G: 0x39, B: 0x35, A: 0xFF}
	const border = 3
	for i := 0; i < border; i++ {
		drawRect(rgba, m.X-i, m.Y-i, m.Width+2*i, m.Height+2*i, red)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, rgba); err != nil {
		return nil, dferrors.Wrap(err, "encode highlight")
	}
	return buf.Bytes(), nil
}

func drawRect(img *image.RGBA, x, y, w, h int, c color.RGBA) {
	for dx := 0; dx <= w; dx++ {
		setIfInside(img, x+dx, y, c)
		setIfInside(img, x+dx, y+h, c)
	}
	for dy := 0; dy <= h; dy++ {
		setIfInside(img, x, y+dy, c)
		setIfInside(img, x+w, y+dy, c)
	}
}

func setIfInside(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Rect) {
		img.SetRGBA(x, y, c)
	}
}
