package scenario

import (
	"encoding/json"
	"time"

	"droidfleet.sh/internal/dferrors"
	"droidfleet.sh/internal/driver"
)

// ActionKind discriminates the params of an action node.
type ActionKind string

const (
	ActionTap        ActionKind = "tap"
	ActionDoubleTap  ActionKind = "doubleTap"
	ActionLongPress  ActionKind = "longPress"
	ActionSwipe      ActionKind = "swipe"
	ActionTapElement ActionKind = "tapElement"

	ActionWait               ActionKind = "wait"
	ActionWaitUntilExists    ActionKind = "waitUntilExists"
	ActionWaitUntilGone      ActionKind = "waitUntilGone"
	ActionWaitUntilTextExist ActionKind = "waitUntilTextExists"
	ActionWaitUntilTextGone  ActionKind = "waitUntilTextGone"
	ActionWaitUntilImage     ActionKind = "waitUntilImage"
	ActionWaitUntilImageGone ActionKind = "waitUntilImageGone"

	ActionLaunchApp    ActionKind = "launchApp"
	ActionTerminateApp ActionKind = "terminateApp"
	ActionRestartApp   ActionKind = "restartApp"
	ActionClearData    ActionKind = "clearData"
	ActionClearCache   ActionKind = "clearCache"

	ActionBack ActionKind = "back"
	ActionHome ActionKind = "home"

	ActionInputText ActionKind = "inputText"
	ActionClearText ActionKind = "clearText"
	ActionPressKey  ActionKind = "pressKey"

	ActionTapImage ActionKind = "tapImage"
)

const (
	defaultActionTimeout  = 30 * time.Second
	defaultProbeInterval  = time.Second
	defaultLongPressHold  = 500 * time.Millisecond
	defaultSwipeDuration  = 300 * time.Millisecond
	defaultMatchThreshold = 0.9
)

// Selector pairs a locator strategy with its expression.
type Selector struct {
	Strategy driver.Strategy
	Value    string
}

// Common carries the fields every action shares.
type Common struct {
	Timeout         time.Duration
	ContinueOnError bool
}

func (c Common) common() Common { return c }

// Action is the decoded, typed form of an action node's params.
type Action interface {
	Kind() ActionKind
	common() Common
}

type TapAction struct {
	X, Y int
	Common
}

func (TapAction) Kind() ActionKind { return ActionTap }

type DoubleTapAction struct {
	X, Y int
	Common
}

func (DoubleTapAction) Kind() ActionKind { return ActionDoubleTap }

type LongPressAction struct {
	X, Y     int
	Duration time.Duration
	Common
}

func (LongPressAction) Kind() ActionKind { return ActionLongPress }

type SwipeAction struct {
	X1, Y1, X2, Y2 int
	Duration       time.Duration
	Common
}

func (SwipeAction) Kind() ActionKind { return ActionSwipe }

type TapElementAction struct {
	Selector Selector
	Common
}

func (TapElementAction) Kind() ActionKind { return ActionTapElement }

type WaitAction struct {
	Duration time.Duration
	Common
}

func (WaitAction) Kind() ActionKind { return ActionWait }

// WaitUntilAction covers every polled wait. Until selects the
// predicate; Selector, Text or TemplateID carries its argument.
type WaitUntilAction struct {
	Until      ActionKind
	Selector   Selector
	Text       string
	TemplateID string
	Threshold  float64
	Interval   time.Duration
	Common
}

func (a WaitUntilAction) Kind() ActionKind { return a.Until }

type LaunchAppAction struct {
	Package string
	Common
}

func (LaunchAppAction) Kind() ActionKind { return ActionLaunchApp }

type TerminateAppAction struct {
	Package string
	Common
}

func (TerminateAppAction) Kind() ActionKind { return ActionTerminateApp }

type RestartAppAction struct {
	Package string
	Common
}

func (RestartAppAction) Kind() ActionKind { return ActionRestartApp }

type ClearDataAction struct {
	Package string
	Common
}

func (ClearDataAction) Kind() ActionKind { return ActionClearData }

type ClearCacheAction struct {
	Package string
	Common
}

func (ClearCacheAction) Kind() ActionKind { return ActionClearCache }

type BackAction struct{ Common }

func (BackAction) Kind() ActionKind { return ActionBack }

type HomeAction struct{ Common }

func (HomeAction) Kind() ActionKind { return ActionHome }

type InputTextAction struct {
	Text string
	Common
}

func (InputTextAction) Kind() ActionKind { return ActionInputText }

type ClearTextAction struct{ Common }

func (ClearTextAction) Kind() ActionKind { return ActionClearText }

type PressKeyAction struct {
	Keycode int
	Common
}

func (PressKeyAction) Kind() ActionKind { return ActionPressKey }

type TapImageAction struct {
	TemplateID string
	Threshold  float64
	Common
}

func (TapImageAction) Kind() ActionKind { return ActionTapImage }

// actionWire is the raw JSON shape of an action node's params.
type actionWire struct {
	ActionType      ActionKind      `json:"actionType"`
	X               int             `json:"x"`
	Y               int             `json:"y"`
	X1              int             `json:"x1"`
	Y1              int             `json:"y1"`
	X2              int             `json:"x2"`
	Y2              int             `json:"y2"`
	Duration        int64           `json:"duration"`
	Selector        string          `json:"selector"`
	Strategy        driver.Strategy `json:"strategy"`
	Text            string          `json:"text"`
	Keycode         int             `json:"keycode"`
	Package         string          `json:"packageName"`
	TemplateID      string          `json:"templateId"`
	Threshold       float64         `json:"threshold"`
	Timeout         int64           `json:"timeout"`
	Interval        int64           `json:"interval"`
	ContinueOnError bool            `json:"continueOnError"`
}

func (w *actionWire) selector() (Selector, error) {
	if w.Selector == "" {
		return Selector{}, dferrors.Wrapf(dferrors.ErrValidation, "action %s requires a selector", w.ActionType)
	}
	strategy := w.Strategy
	if strategy == "" {
		strategy = driver.StrategyID
	}
	switch strategy {
	case driver.StrategyID, driver.StrategyXPath, driver.StrategyAccessibility, driver.StrategyText:
	default:
		return Selector{}, dferrors.Wrapf(dferrors.ErrValidation, "unknown locator strategy %q", strategy)
	}
	return Selector{Strategy: strategy, Value: w.Selector}, nil
}

func (w *actionWire) commonDefaults() Common {
	timeout := defaultActionTimeout
	if w.Timeout > 0 {
		timeout = time.Duration(w.Timeout) * time.Millisecond
	}
	return Common{Timeout: timeout, ContinueOnError: w.ContinueOnError}
}

func (w *actionWire) interval() time.Duration {
	if w.Interval > 0 {
		return time.Duration(w.Interval) * time.Millisecond
	}
	return defaultProbeInterval
}

func (w *actionWire) threshold() float64 {
	if w.Threshold > 0 {
		return w.Threshold
	}
	return defaultMatchThreshold
}

// DecodeAction parses an action node's raw params into its typed form.
func DecodeAction(raw json.RawMessage) (Action, error) {
	if len(raw) == 0 {
		return nil, dferrors.Wrap(dferrors.ErrValidation, "action node has no params")
	}
	var w actionWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, dferrors.Wrapf(dferrors.ErrValidation, "malformed action params: %v", err)
	}
	c := w.commonDefaults()

	switch w.ActionType {
	case ActionTap:
		return TapAction{X: w.X, Y: w.Y, Common: c}, nil

	case ActionDoubleTap:
		return DoubleTapAction{X: w.X, Y: w.Y, Common: c}, nil

	case ActionLongPress:
		d := defaultLongPressHold
		if w.Duration > 0 {
			d = time.Duration(w.Duration) * time.Millisecond
		}
		return LongPressAction{X: w.X, Y: w.Y, Duration: d, Common: c}, nil

	case ActionSwipe:
		d := defaultSwipeDuration
		if w.Duration > 0 {
			d = time.Duration(w.Duration) * time.Millisecond
		}
		return SwipeAction{X1: w.X1, Y1: w.Y1, X2: w.X2, Y2: w.Y2, Duration: d, Common: c}, nil

	case ActionTapElement:
		sel, err := w.selector()
		if err != nil {
			return nil, err
		}
		return TapElementAction{Selector: sel, Common: c}, nil

	case ActionWait:
		if w.Duration <= 0 {
			return nil, dferrors.Wrap(dferrors.ErrValidation, "wait requires a positive duration")
		}
		return WaitAction{Duration: time.Duration(w.Duration) * time.Millisecond, Common: c}, nil

	case ActionWaitUntilExists, ActionWaitUntilGone:
		sel, err := w.selector()
		if err != nil {
			return nil, err
		}
		return WaitUntilAction{Until: w.ActionType, Selector: sel, Interval: w.interval(), Common: c}, nil

	case ActionWaitUntilTextExist, ActionWaitUntilTextGone:
		if w.Text == "" {
			return nil, dferrors.Wrapf(dferrors.ErrValidation, "action %s requires text", w.ActionType)
		}
		return WaitUntilAction{Until: w.ActionType, Text: w.Text, Interval: w.interval(), Common: c}, nil

	case ActionWaitUntilImage, ActionWaitUntilImageGone:
		if w.TemplateID == "" {
			return nil, dferrors.Wrapf(dferrors.ErrValidation, "action %s requires a templateId", w.ActionType)
		}
		return WaitUntilAction{Until: w.ActionType, TemplateID: w.TemplateID, Threshold: w.threshold(), Interval: w.interval(), Common: c}, nil

	case ActionLaunchApp:
		return LaunchAppAction{Package: w.Package, Common: c}, nil

	case ActionTerminateApp:
		return TerminateAppAction{Package: w.Package, Common: c}, nil

	case ActionRestartApp:
		return RestartAppAction{Package: w.Package, Common: c}, nil

	case ActionClearData:
		return ClearDataAction{Package: w.Package, Common: c}, nil

	case ActionClearCache:
		return ClearCacheAction{Package: w.Package, Common: c}, nil

	case ActionBack:
		return BackAction{Common: c}, nil

	case ActionHome:
		return HomeAction{Common: c}, nil

	case ActionInputText:
		return InputTextAction{Text: w.Text, Common: c}, nil

	case ActionClearText:
		return ClearTextAction{Common: c}, nil

	case ActionPressKey:
		if w.Keycode <= 0 {
			return nil, dferrors.Wrap(dferrors.ErrValidation, "pressKey requires a positive keycode")
		}
		return PressKeyAction{Keycode: w.Keycode, Common: c}, nil

	case ActionTapImage:
		if w.TemplateID == "" {
			return nil, dferrors.Wrap(dferrors.ErrValidation, "tapImage requires a templateId")
		}
		return TapImageAction{TemplateID: w.TemplateID, Threshold: w.threshold(), Common: c}, nil

	case "":
		return nil, dferrors.Wrap(dferrors.ErrValidation, "action node is missing actionType")

	default:
		return nil, dferrors.Wrapf(dferrors.ErrValidation, "unknown actionType %q", w.ActionType)
	}
}

// ConditionKind discriminates the params of a condition node.
type ConditionKind string

const (
	ConditionElementExists    ConditionKind = "elementExists"
	ConditionElementNotExists ConditionKind = "elementNotExists"
	ConditionTextExists       ConditionKind = "textExists"
	ConditionTextNotExists    ConditionKind = "textNotExists"
	ConditionImageExists      ConditionKind = "imageExists"
	ConditionImageNotExists   ConditionKind = "imageNotExists"
)

// Condition is the decoded form of a condition node's params. Every
// condition is a single boolean probe against the current screen.
type Condition struct {
	Kind       ConditionKind
	Selector   Selector
	Text       string
	TemplateID string
	Threshold  float64
}

// DecodeCondition parses a condition node's raw params.
func DecodeCondition(raw json.RawMessage) (Condition, error) {
	if len(raw) == 0 {
		return Condition{}, dferrors.Wrap(dferrors.ErrValidation, "condition node has no params")
	}
	var w struct {
		ConditionType ConditionKind   `json:"conditionType"`
		Selector      string          `json:"selector"`
		Strategy      driver.Strategy `json:"strategy"`
		Text          string          `json:"text"`
		TemplateID    string          `json:"templateId"`
		Threshold     float64         `json:"threshold"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return Condition{}, dferrors.Wrapf(dferrors.ErrValidation, "malformed condition params: %v", err)
	}

	cond := Condition{Kind: w.ConditionType}
	switch w.ConditionType {
	case ConditionElementExists, ConditionElementNotExists:
		aw := actionWire{ActionType: "condition", Selector: w.Selector, Strategy: w.Strategy}
		sel, err := aw.selector()
		if err != nil {
			return Condition{}, err
		}
		cond.Selector = sel
	case ConditionTextExists, ConditionTextNotExists:
		if w.Text == "" {
			return Condition{}, dferrors.Wrapf(dferrors.ErrValidation, "condition %s requires text", w.ConditionType)
		}
		cond.Text = w.Text
	case ConditionImageExists, ConditionImageNotExists:
		if w.TemplateID == "" {
			return Condition{}, dferrors.Wrapf(dferrors.ErrValidation, "condition %s requires a templateId", w.ConditionType)
		}
		cond.TemplateID = w.TemplateID
		cond.Threshold = w.Threshold
		if cond.Threshold <= 0 {
			cond.Threshold = defaultMatchThreshold
		}
	case "":
		return Condition{}, dferrors.Wrap(dferrors.ErrValidation, "condition node is missing conditionType")
	default:
		return Condition{}, dferrors.Wrapf(dferrors.ErrValidation, "unknown conditionType %q", w.ConditionType)
	}
	return cond, nil
}

// LoopKind discriminates the params of a loop node.
type LoopKind string

const (
	LoopCount          LoopKind = "count"
	LoopWhileExists    LoopKind = "whileExists"
	LoopWhileNotExists LoopKind = "whileNotExists"
)

// Loop is the decoded form of a loop node's params. MaxIterations
// bounds predicate loops; zero means unbounded.
type Loop struct {
	Kind          LoopKind
	Count         int
	Selector      Selector
	MaxIterations int
}

// DecodeLoop parses a loop node's raw params.
func DecodeLoop(raw json.RawMessage) (Loop, error) {
	if len(raw) == 0 {
		return Loop{}, dferrors.Wrap(dferrors.ErrValidation, "loop node has no params")
	}
	var w struct {
		LoopType      LoopKind        `json:"loopType"`
		Count         int             `json:"count"`
		Selector      string          `json:"selector"`
		Strategy      driver.Strategy `json:"strategy"`
		MaxIterations int             `json:"maxIterations"`
	}
	if err := json.Unmarshal(raw, &w); err != nil {
		return Loop{}, dferrors.Wrapf(dferrors.ErrValidation, "malformed loop params: %v", err)
	}

	lp := Loop{Kind: w.LoopType, MaxIterations: w.MaxIterations}
	switch w.LoopType {
	case LoopCount:
		if w.Count < 1 {
			return Loop{}, dferrors.Wrap(dferrors.ErrValidation, "count loop requires count >= 1")
		}
		lp.Count = w.Count
	case LoopWhileExists, LoopWhileNotExists:
		aw := actionWire{ActionType: "loop", Selector: w.Selector, Strategy: w.Strategy}
		sel, err := aw.selector()
		if err != nil {
			return Loop{}, err
		}
		lp.Selector = sel
	case "":
		return Loop{}, dferrors.Wrap(dferrors.ErrValidation, "loop node is missing loopType")
	default:
		return Loop{}, dferrors.Wrapf(dferrors.ErrValidation, "unknown loopType %q", w.LoopType)
	}
	return lp, nil
}
