package x11

import (
	"fmt"
	"unicode"

	"github.com/jezek/xgb/xproto"
)

// Keysyms that select modifiers in the core keyboard mapping.
const (
	symNumLock     = 0xff7f
	symModeSwitch  = 0xff7e
	symLevel3Shift = 0xfe03
)

// Keymap maps keycodes to keysyms using the core keyboard mapping and the
// core protocol's keysym selection rules.
type Keymap struct {
	min     uint8
	perCode int
	syms    []uint32

	// Modifier masks bound to Num_Lock, Mode_switch and ISO_Level3_Shift.
	numLock    uint16
	modeSwitch uint16
	level3     uint16
}

// NewKeymap builds a Keymap from a raw mapping table starting at min with
// perCode keysyms per keycode. Num_Lock is assumed on Mod2.
func NewKeymap(min uint8, perCode int, syms []uint32) *Keymap {
	return &Keymap{min: min, perCode: perCode, syms: syms, numLock: xproto.ModMask2}
}

func (c *Conn) loadKeymap() (*Keymap, error) {
	setup := xproto.Setup(c.x)
	count := byte(int(setup.MaxKeycode) - int(setup.MinKeycode) + 1)

	reply, err := xproto.GetKeyboardMapping(c.x, setup.MinKeycode, count).Reply()
	if err != nil {
		return nil, fmt.Errorf("get keyboard mapping: %w", err)
	}

	syms := make([]uint32, len(reply.Keysyms))
	for i, s := range reply.Keysyms {
		syms[i] = uint32(s)
	}
	k := NewKeymap(uint8(setup.MinKeycode), int(reply.KeysymsPerKeycode), syms)

	mods, err := xproto.GetModifierMapping(c.x).Reply()
	if err != nil {
		return nil, fmt.Errorf("get modifier mapping: %w", err)
	}
	codes := make([]uint8, len(mods.Keycodes))
	for i, kc := range mods.Keycodes {
		codes[i] = uint8(kc)
	}
	k.bindModifiers(int(mods.KeycodesPerModifier), codes)
	return k, nil
}

// bindModifiers derives the Num_Lock, Mode_switch and ISO_Level3_Shift masks
// from a modifier mapping: eight rows of perMod keycodes, Shift first.
func (k *Keymap) bindModifiers(perMod int, keycodes []uint8) {
	k.numLock, k.modeSwitch, k.level3 = 0, 0, 0
	for mod := 0; mod < 8; mod++ {
		mask := uint16(1) << mod
		for i := mod * perMod; i < (mod+1)*perMod && i < len(keycodes); i++ {
			kc := keycodes[i]
			if kc == 0 {
				continue
			}
			for col := 0; col < k.perCode; col++ {
				switch k.sym(kc, col) {
				case symNumLock:
					k.numLock |= mask
				case symModeSwitch:
					k.modeSwitch |= mask
				case symLevel3Shift:
					k.level3 |= mask
				}
			}
		}
	}
}

func (k *Keymap) sym(keycode uint8, col int) uint32 {
	if keycode < k.min || col >= k.perCode {
		return 0
	}
	i := int(keycode-k.min)*k.perCode + col
	if i >= len(k.syms) {
		return 0
	}
	return k.syms[i]
}

// Keysym returns the symbol for keycode under the given modifier state,
// or 0 when the keycode is unmapped.
func (k *Keymap) Keysym(keycode uint8, state uint16) uint32 {
	if keycode < k.min || k.perCode == 0 {
		return 0
	}

	// Group 2 is columns 2 and 3; XKB puts level 3 and 4 in columns 4 and 5.
	col := 0
	switch {
	case k.modeSwitch != 0 && state&k.modeSwitch != 0:
		col = 2
	case k.level3 != 0 && state&k.level3 != 0:
		col = 4
	}
	if col > 0 && k.sym(keycode, col) == 0 && k.sym(keycode, col+1) == 0 {
		col = 0
	}

	k1, k2 := k.sym(keycode, col), k.sym(keycode, col+1)
	if k2 == 0 {
		if lower, upper := convertCase(k1); lower != upper {
			k1, k2 = lower, upper
		} else {
			k2 = k1
		}
	}

	shift := state&xproto.ModMaskShift != 0
	lock := state&xproto.ModMaskLock != 0

	if k.numLock != 0 && state&k.numLock != 0 && isKeypad(k2) {
		if shift {
			return k1
		}
		return k2
	}
	switch {
	case !shift && !lock:
		return k1
	case !shift && lock:
		_, upper := convertCase(k1)
		return upper
	case shift && lock:
		_, upper := convertCase(k2)
		return upper
	default:
		return k2
	}
}

// Keycode returns the first keycode producing sym, or 0.
func (k *Keymap) Keycode(sym uint32) uint8 {
	if k.perCode == 0 {
		return 0
	}
	for i, s := range k.syms {
		if s == sym {
			return k.min + uint8(i/k.perCode)
		}
	}
	return 0
}

func isKeypad(sym uint32) bool {
	return (sym >= 0xff80 && sym <= 0xffbd) || (sym >= 0x11000000 && sym <= 0x1100ffff)
}

// convertCase returns the lowercase and uppercase forms of sym. Keysyms
// without case return sym twice.
func convertCase(sym uint32) (lower, upper uint32) {
	switch {
	case sym >= 'A' && sym <= 'Z', sym >= 0xc0 && sym <= 0xde && sym != 0xd7:
		return sym + 0x20, sym
	case sym >= 'a' && sym <= 'z', sym >= 0xe0 && sym <= 0xfe && sym != 0xf7:
		return sym, sym - 0x20
	case sym >= 0x01000100 && sym <= 0x0110ffff:
		r := rune(sym - 0x01000000)
		return 0x01000000 + uint32(unicode.ToLower(r)), 0x01000000 + uint32(unicode.ToUpper(r))
	default:
		return sym, sym
	}
}
