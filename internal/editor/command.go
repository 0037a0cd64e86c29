package editor

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"vime/internal/message"
)

// DefaultTerminal embeds a terminal into the popup window. Keys reach it as
// synthetic events, which xterm ignores unless told otherwise.
var DefaultTerminal = []string{
	"xterm", "-xrm", "XTerm.vt100.allowSendEvents: true",
	"-into", "{window}", "-geometry", "{cols}x{rows}", "-e",
}

// DefaultEditorCommand is used when neither the configuration nor
// $VIME_EDITOR name an editor.
const DefaultEditorCommand = "vim -u ~/.config/vime/vimrc"

// Command describes how an editing session is launched: the terminal
// prefix, then the editor and its flags, then the scratch file.
//
// Every argument may contain the placeholders {window}, {file}, {rows} and
// {cols}. A leading "~/" is expanded to the home directory.
type Command struct {
	Terminal []string
	Editor   string
}

// Args holds the values substituted into a Command.
type Args struct {
	Window     message.Window
	File       string
	Rows, Cols int
}

// Argv expands the command for one launch.
func (c Command) Argv(a Args) ([]string, error) {
	editor := strings.Fields(c.Editor)
	if len(editor) == 0 {
		editor = strings.Fields(DefaultEditorCommand)
	}

	argv := make([]string, 0, len(c.Terminal)+len(editor)+1)
	argv = append(argv, c.Terminal...)
	argv = append(argv, editor...)
	argv = append(argv, a.File)

	r := strings.NewReplacer(
		"{window}", strconv.FormatUint(uint64(a.Window), 10),
		"{file}", a.File,
		"{rows}", strconv.Itoa(a.Rows),
		"{cols}", strconv.Itoa(a.Cols),
	)
	home, _ := os.UserHomeDir()
	for i, arg := range argv {
		arg = r.Replace(arg)
		if home != "" && strings.HasPrefix(arg, "~/") {
			arg = filepath.Join(home, arg[2:])
		}
		argv[i] = arg
	}

	if argv[0] == "" {
		return nil, errors.New("editor command is empty")
	}
	return argv, nil
}
