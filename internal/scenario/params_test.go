package scenario

import (
	"bytes"
	"image"
	"image/png"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"droidfleet.sh/internal/dferrors"
	"droidfleet.sh/internal/driver"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 64))))
	return buf.Bytes()
}

func TestDecodeActionDefaults(t *testing.T) {
	act, err := DecodeAction(p(`{"actionType":"tapElement","selector":"login"}`))
	require.NoError(t, err)

	te, ok := act.(TapElementAction)
	require.True(t, ok)
	assert.Equal(t, driver.StrategyID, te.Selector.Strategy)
	assert.Equal(t, "login", te.Selector.Value)
	assert.Equal(t, 30*time.Second, te.Timeout)
	assert.False(t, te.ContinueOnError)
}

func TestDecodeActionOverrides(t *testing.T) {
	act, err := DecodeAction(p(`{"actionType":"waitUntilTextExists","text":"Done","timeout":5000,"interval":250,"continueOnError":true}`))
	require.NoError(t, err)

	wu, ok := act.(WaitUntilAction)
	require.True(t, ok)
	assert.Equal(t, ActionWaitUntilTextExist, wu.Kind())
	assert.Equal(t, "Done", wu.Text)
	assert.Equal(t, 5*time.Second, wu.Timeout)
	assert.Equal(t, 250*time.Millisecond, wu.Interval)
	assert.True(t, wu.ContinueOnError)
}

func TestDecodeActionErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty params", ``},
		{"missing actionType", `{"x":1}`},
		{"unknown actionType", `{"actionType":"teleport"}`},
		{"selector required", `{"actionType":"tapElement"}`},
		{"bad strategy", `{"actionType":"tapElement","selector":"a","strategy":"css"}`},
		{"wait without duration", `{"actionType":"wait"}`},
		{"pressKey without keycode", `{"actionType":"pressKey"}`},
		{"tapImage without template", `{"actionType":"tapImage"}`},
		{"text wait without text", `{"actionType":"waitUntilTextExists"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeAction(p(tt.raw))
			require.Error(t, err)
			assert.True(t, dferrors.Is(err, dferrors.ErrValidation))
		})
	}
}

func TestDecodeActionGestures(t *testing.T) {
	act, err := DecodeAction(p(`{"actionType":"swipe","x1":10,"y1":20,"x2":30,"y2":40,"duration":150}`))
	require.NoError(t, err)
	sw := act.(SwipeAction)
	assert.Equal(t, [4]int{10, 20, 30, 40}, [4]int{sw.X1, sw.Y1, sw.X2, sw.Y2})
	assert.Equal(t, 150*time.Millisecond, sw.Duration)

	act, err = DecodeAction(p(`{"actionType":"longPress","x":5,"y":6}`))
	require.NoError(t, err)
	lp := act.(LongPressAction)
	assert.Equal(t, defaultLongPressHold, lp.Duration)
}

func TestDecodeCondition(t *testing.T) {
	cond, err := DecodeCondition(p(`{"conditionType":"textExists","text":"Welcome"}`))
	require.NoError(t, err)
	assert.Equal(t, ConditionTextExists, cond.Kind)
	assert.Equal(t, "Welcome", cond.Text)

	cond, err = DecodeCondition(p(`{"conditionType":"imageExists","templateId":"logo"}`))
	require.NoError(t, err)
	assert.Equal(t, "logo", cond.TemplateID)
	assert.Equal(t, defaultMatchThreshold, cond.Threshold)

	_, err = DecodeCondition(p(`{"conditionType":"elementExists"}`))
	assert.Error(t, err)

	_, err = DecodeCondition(p(`{"conditionType":"isTuesday"}`))
	assert.Error(t, err)
}

func TestDecodeLoop(t *testing.T) {
	lp, err := DecodeLoop(p(`{"loopType":"count","count":4}`))
	require.NoError(t, err)
	assert.Equal(t, LoopCount, lp.Kind)
	assert.Equal(t, 4, lp.Count)

	lp, err = DecodeLoop(p(`{"loopType":"whileNotExists","selector":"//done","strategy":"xpath","maxIterations":10}`))
	require.NoError(t, err)
	assert.Equal(t, LoopWhileNotExists, lp.Kind)
	assert.Equal(t, driver.StrategyXPath, lp.Selector.Strategy)
	assert.Equal(t, 10, lp.MaxIterations)

	_, err = DecodeLoop(p(`{"loopType":"count","count":0}`))
	assert.Error(t, err)

	_, err = DecodeLoop(p(`{"loopType":"whileExists"}`))
	assert.Error(t, err)
}
