package ime

import (
	"github.com/godbus/dbus/v5"

	"vime/internal/message"
)

// IBus D-Bus names.
const (
	IBusService          = "org.freedesktop.IBus"
	IBusPath             = "/org/freedesktop/IBus"
	IBusInterface        = "org.freedesktop.IBus"
	IBusFactoryInterface = "org.freedesktop.IBus.Factory"
	IBusEngineInterface  = "org.freedesktop.IBus.Engine"
	IBusServiceInterface = "org.freedesktop.IBus.Service"
	IBusInputContext     = "org.freedesktop.IBus.InputContext"

	FactoryPath = "/org/freedesktop/IBus/Factory"

	BusName       = "org.freedesktop.IBus.Vime"
	EngineName    = "vime"
	EngineVersion = "0.1.0"
)

// IBus key event state bits that are not X11 modifiers.
const (
	IBusReleaseMask uint32 = 1 << 30
	IBusForwardMask uint32 = 1 << 25
)

// IBus client capabilities.
const (
	IBusCapPreeditText uint32 = 1 << 0
	IBusCapFocus       uint32 = 1 << 3
)

// evdevOffset is the distance between X11 keycodes and the evdev codes IBus
// uses.
const evdevOffset = 8

// ibusText is the serialized IBusText object: a name, attachments, the text
// and an attribute list.
type ibusText struct {
	Name        string
	Attachments map[string]dbus.Variant
	Text        string
	Attrs       dbus.Variant
}

type ibusAttrList struct {
	Name        string
	Attachments map[string]dbus.Variant
	Attrs       []dbus.Variant
}

func newIBusText(s string) dbus.Variant {
	return dbus.MakeVariant(ibusText{
		Name:        "IBusText",
		Attachments: map[string]dbus.Variant{},
		Text:        s,
		Attrs: dbus.MakeVariant(ibusAttrList{
			Name:        "IBusAttrList",
			Attachments: map[string]dbus.Variant{},
			Attrs:       []dbus.Variant{},
		}),
	})
}

// textOf extracts the string of a serialized IBusText. godbus decodes
// structs inside variants as []interface{}.
func textOf(v dbus.Variant) (string, bool) {
	switch t := v.Value().(type) {
	case []interface{}:
		if len(t) < 3 {
			return "", false
		}
		if name, _ := t[0].(string); name != "IBusText" {
			return "", false
		}
		s, ok := t[2].(string)
		return s, ok
	case ibusText:
		return t.Text, true
	default:
		return "", false
	}
}

// keyFromIBus converts an IBus key triple into a key event. IBus keycodes
// are evdev codes.
func keyFromIBus(keyval, keycode, state uint32) message.KeyEvent {
	return message.KeyEvent{
		Press:      state&IBusReleaseMask == 0,
		Keycode:    uint8(keycode + evdevOffset),
		Keysym:     keyval,
		State:      uint16(state),
		SameScreen: true,
	}
}

// keyToIBus is the inverse of keyFromIBus.
func keyToIBus(k message.KeyEvent) (keyval, keycode, state uint32) {
	keyval = k.Keysym
	if k.Keycode >= evdevOffset {
		keycode = uint32(k.Keycode) - evdevOffset
	}
	state = uint32(k.State)
	if !k.Press {
		state |= IBusReleaseMask
	}
	return keyval, keycode, state
}
