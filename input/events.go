package input

type EventKind string

const (
	Kind_Keyboard = EventKind("keyboard")
	Kind_Mouse    = EventKind("mouse")
	Kind_Gamepad  = EventKind("gamepad")
	Kind_Kick     = EventKind("kick")
)

const (
	MouseAction_Move  = "move"
	MouseAction_Down  = "down"
	MouseAction_Up    = "up"
	MouseAction_Wheel = "wheel"
)

type KeyboardEvent struct {
	Key     uint32 `json:"key"`
	Pressed bool   `json:"pressed"`
}

type MouseEvent struct {
	Action string  `json:"action"`
	Button int     `json:"button"`
	DeltaX float64 `json:"deltaX"`
	DeltaY float64 `json:"deltaY"`
	Wheel  float64 `json:"wheel"`
}

type GamepadEvent struct {
	Index   int     `json:"index"`
	Button  int     `json:"button"`
	Pressed bool    `json:"pressed"`
	Axis    int     `json:"axis"`
	Value   float64 `json:"value"`
}

// Event 输入事件信封，按Kind恰好携带一种负载
type Event struct {
	Kind     EventKind      `json:"kind"`
	Keyboard *KeyboardEvent `json:"keyboard,omitempty"`
	Mouse    *MouseEvent    `json:"mouse,omitempty"`
	Gamepad  *GamepadEvent  `json:"gamepad,omitempty"`
}
