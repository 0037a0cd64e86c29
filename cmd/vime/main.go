// vime is an X11 input method that edits text in a full-screen editor.
//
// It registers with IBus as the "vime" engine. Pressing the trigger chord
// (Alt+Right Shift by default) in any text field opens a popup running
// vim; saving and quitting commits the buffer to the field.
//
// Installation:
//  1. Copy the binary somewhere on $PATH
//  2. Run: vime install
//  3. Select "vime" in ibus-setup or your desktop's input sources
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vime:", err)
		os.Exit(1)
	}
}
