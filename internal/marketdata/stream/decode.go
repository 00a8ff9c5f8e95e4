package stream

import (
	"bytes"
	"encoding/json"

	"tradewatch/internal/model"
)

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	FrameTick FrameKind = iota
	FrameHeartbeat
	FrameMalformed
	FrameIgnored // valid JSON that carries no instrument token
)

func (k FrameKind) String() string {
	switch k {
	case FrameTick:
		return "tick"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameMalformed:
		return "malformed"
	case FrameIgnored:
		return "ignored"
	}
	return "unknown"
}

var heartbeat = []byte("true")

// Decode turns one text frame into a tick. Empty frames and the literal
// "true" are keep-alives.
func Decode(raw []byte) (model.Tick, FrameKind, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, heartbeat) {
		return model.Tick{}, FrameHeartbeat, nil
	}

	var t model.Tick
	if err := json.Unmarshal(raw, &t); err != nil {
		return model.Tick{}, FrameMalformed, err
	}
	if t.Token == "" {
		return model.Tick{}, FrameIgnored, nil
	}
	return t, FrameTick, nil
}
