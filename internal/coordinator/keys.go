package coordinator

import "vime/internal/message"

// sentKeys remembers the keysyms of keys injected into the passthrough
// window. A synthetic X key event carries no keysym, so the passthrough
// decodes one from its own keymap; the Coordinator puts the client's
// original back when the key returns as a ForwardKeyEvent.
type sentKeys struct {
	clock uint32
	ring  [64]sentKey
	next  int
}

type sentKey struct {
	time    uint32
	keycode uint8
	press   bool
	keysym  uint32
}

// stamp gives k a timestamp if it has none and records its keysym.
func (s *sentKeys) stamp(k message.KeyEvent) message.KeyEvent {
	if k.Time == 0 {
		s.clock++
		if s.clock == 0 {
			s.clock++
		}
		k.Time = s.clock
	}
	if k.Keysym != 0 {
		s.ring[s.next] = sentKey{time: k.Time, keycode: k.Keycode, press: k.Press, keysym: k.Keysym}
		s.next = (s.next + 1) % len(s.ring)
	}
	return k
}

// restore returns k with the keysym recorded when it was sent, if any.
func (s *sentKeys) restore(k message.KeyEvent) message.KeyEvent {
	for _, e := range s.ring {
		if e.keysym != 0 && e.time == k.Time && e.keycode == k.Keycode && e.press == k.Press {
			k.Keysym = e.keysym
			return k
		}
	}
	return k
}
