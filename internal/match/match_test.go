package match

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// testScreen builds a 200x200 gradient with a bright 40x40 block at
// (120, 60).
func testScreen(t *testing.T) ([]byte, []byte) {
	t.Helper()
	screen := image.NewRGBA(image.Rect(0, 0, 200, 200))
	for y := 0; y < 200; y++ {
		for x := 0; x < 200; x++ {
			v := uint8((x + y) % 97)
			screen.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	for y := 60; y < 100; y++ {
		for x := 120; x < 160; x++ {
			screen.SetRGBA(x, y, color.RGBA{R: 250, G: 250, B: 250, A: 255})
		}
	}

	tmpl := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			tmpl.SetRGBA(x, y, color.RGBA{R: 250, G: 250, B: 250, A: 255})
		}
	}
	return encodePNG(t, screen), encodePNG(t, tmpl)
}

func TestFindLocatesTemplate(t *testing.T) {
	screen, tmpl := testScreen(t)
	finder := NewBasic(func(id string) ([]byte, error) {
		assert.Equal(t, "block", id)
		return tmpl, nil
	})

	m, found, err := finder.Find(context.Background(), screen, "block", 0.95)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 120, m.X)
	assert.Equal(t, 60, m.Y)
	assert.Equal(t, 40, m.Width)
	assert.Equal(t, 40, m.Height)
	assert.GreaterOrEqual(t, m.Score, 0.95)

	cx, cy := m.Center()
	assert.Equal(t, 140, cx)
	assert.Equal(t, 80, cy)
}

func TestFindBelowThreshold(t *testing.T) {
	screen, _ := testScreen(t)

	// A template that appears nowhere on the screen.
	tmpl := image.NewRGBA(image.Rect(0, 0, 30, 30))
	for y := 0; y < 30; y++ {
		for x := 0; x < 30; x++ {
			if (x/5+y/5)%2 == 0 {
				tmpl.SetRGBA(x, y, color.RGBA{A: 255})
			} else {
				tmpl.SetRGBA(x, y, color.RGBA{R: 255, A: 255})
			}
		}
	}

	finder := NewBasic(func(string) ([]byte, error) { return encodePNG(t, tmpl), nil })
	_, found, err := finder.Find(context.Background(), screen, "missing", 0.98)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindTemplateLargerThanScreen(t *testing.T) {
	screen, _ := testScreen(t)
	big := image.NewRGBA(image.Rect(0, 0, 400, 400))

	finder := NewBasic(func(string) ([]byte, error) { return encodePNG(t, big), nil })
	_, found, err := finder.Find(context.Background(), screen, "big", 0.5)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindLoaderError(t *testing.T) {
	screen, _ := testScreen(t)
	finder := NewBasic(func(string) ([]byte, error) {
		return nil, assert.AnError
	})
	_, _, err := finder.Find(context.Background(), screen, "gone", 0.9)
	assert.Error(t, err)
}

func TestDrawHighlight(t *testing.T) {
	screen, _ := testScreen(t)

	out, err := DrawHighlight(screen, Match{X: 120, Y: 60, Width: 40, Height: 40})
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 200, 200), img.Bounds())

	r, g, b, _ := img.At(120, 60).RGBA()
	assert.Equal(t, uint32(0xE5), r>>8)
	assert.Equal(t, uint32(0x39), g>>8)
	assert.Equal(t, uint32(0x35), b>>8)
}
