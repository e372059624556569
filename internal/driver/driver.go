package driver

import (
	"context"
	"time"
)

// Strategy selects how an element is located on screen
type Strategy string

const (
	StrategyID            Strategy = "id"
	StrategyXPath         Strategy = "xpath"
	StrategyAccessibility Strategy = "accessibility id"
	StrategyText          Strategy = "text"
)

// RecordingOptions configures a screen recording.
type RecordingOptions struct {
	BitRate      int
	VideoSize    string
	TimeLimit    time.Duration
	ForceRestart bool
}

// Driver is the session-owning handle used for lifecycle, probing and
// recording. It is held exclusively by the session registry.
type Driver interface {
	SessionID() string
	WindowSize(ctx context.Context) (width, height int, err error)
	Screenshot(ctx context.Context) ([]byte, error)
	Source(ctx context.Context) (string, error)
	StartRecording(ctx context.Context, opts RecordingOptions) error
	StopRecording(ctx context.Context) ([]byte, error)
	Delete(ctx context.Context) error
}

// Actions is the command handle consumed by the interpreter. All
// selector-based calls resolve the element first and fail when it
// cannot be found within the driver's timeout.
type Actions interface {
	Tap(ctx context.Context, x, y int) error
	DoubleTap(ctx context.Context, x, y int) error
	LongPress(ctx context.Context, x, y int, duration time.Duration) error
	Swipe(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error
	TapElement(ctx context.Context, strategy Strategy, selector string) error

	InputText(ctx context.Context, text string) error
	ClearText(ctx context.Context) error
	PressKey(ctx context.Context, keycode int) error
	Back(ctx context.Context) error
	Home(ctx context.Context) error

	LaunchApp(ctx context.Context, pkg string) error
	TerminateApp(ctx context.Context, pkg string) error
	ClearData(ctx context.Context, pkg string) error
	ClearCache(ctx context.Context, pkg string) error

	ElementExists(ctx context.Context, strategy Strategy, selector string) (bool, error)
	TextExists(ctx context.Context, text string) (bool, error)
	Screenshot(ctx context.Context) ([]byte, error)

	// Stop releases action-side resources. Called once on session destroy.
	Stop()
}
