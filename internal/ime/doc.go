// Package ime speaks IBus, the input-method framework vime plugs into.
//
// # Engine side
//
// vime registers as an IBus engine. ibus-daemon asks the factory for one
// engine object per input context; each object forwards its method calls
// (focus changes, key events, cursor moves, destruction) to a Handler, and
// the Server turns commits and forwarded keys back into engine signals:
//
//	client app ─▶ ibus-daemon ─▶ Factory.CreateEngine ─▶ engine N (IC N)
//	                                     ProcessKeyEvent ─▶ Handler.Forward
//	                       CommitText ◀─ Server.CommitString
//
// # Client side
//
// The passthrough backend can route keys through another IBus engine (for
// example a CJK engine) by opening its own input context with
// DialComposition. That engine's commits come back as message.EditResult,
// keys it declines as message.ForwardKeyEvent.
//
// # Installation
//
// Install writes the component description that lets ibus-daemon start
// vime; Uninstall removes it.
package ime
