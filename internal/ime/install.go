package ime

import (
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Component is the IBus component description ibus-daemon reads from its
// component directory.
type Component struct {
	XMLName     xml.Name          `xml:"component"`
	Name        string            `xml:"name"`
	Description string            `xml:"description"`
	Exec        string            `xml:"exec"`
	Version     string            `xml:"version"`
	Author      string            `xml:"author"`
	License     string            `xml:"license"`
	TextDomain  string            `xml:"textdomain"`
	Engines     []ComponentEngine `xml:"engines>engine"`
}

// ComponentEngine describes one engine of a Component.
type ComponentEngine struct {
	Name        string `xml:"name"`
	Language    string `xml:"language"`
	License     string `xml:"license"`
	Author      string `xml:"author"`
	Layout      string `xml:"layout"`
	LongName    string `xml:"longname"`
	Description string `xml:"description"`
	Rank        int    `xml:"rank"`
	Symbol      string `xml:"symbol"`
}

// NewComponent describes vime with execPath as the program ibus-daemon
// starts.
func NewComponent(execPath string) Component {
	return Component{
		Name:        BusName,
		Description: "Edit any text field in a full-screen editor",
		Exec:        execPath + " run --ibus",
		Version:     EngineVersion,
		Author:      "vime",
		License:     "MIT",
		TextDomain:  EngineName,
		Engines: []ComponentEngine{{
			Name:        EngineName,
			Language:    "en",
			License:     "MIT",
			Author:      "vime",
			Layout:      "us",
			LongName:    "vime",
			Description: "Compose text in your editor",
			Rank:        0,
			Symbol:      "V",
		}},
	}
}

// Installer writes and removes the component file.
type Installer struct {
	// Dir is the IBus component directory, usually
	// ~/.local/share/ibus/component.
	Dir string

	// Exec is the vime binary; empty means the running executable.
	Exec string

	// Restart asks ibus-daemon to reload after a change. Errors are
	// ignored; the user can restart IBus by hand.
	Restart func() error
}

// DefaultComponentDir returns $XDG_DATA_HOME/ibus/component.
func DefaultComponentDir() (string, error) {
	if data := os.Getenv("XDG_DATA_HOME"); data != "" {
		return filepath.Join(data, "ibus", "component"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "ibus", "component"), nil
}

// RestartIBus runs `ibus restart`.
func RestartIBus() error {
	return exec.Command("ibus", "restart").Run()
}

// Path is the component file Install writes.
func (i Installer) Path() string {
	return filepath.Join(i.Dir, EngineName+".xml")
}

// Install writes the component file and returns its path.
func (i Installer) Install() (string, error) {
	if i.Dir == "" {
		return "", errors.New("component directory is empty")
	}
	execPath := i.Exec
	if execPath == "" {
		p, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("locate vime binary: %w", err)
		}
		execPath = p
	}

	data, err := xml.MarshalIndent(NewComponent(execPath), "", "    ")
	if err != nil {
		return "", fmt.Errorf("encode component: %w", err)
	}
	data = append([]byte(xml.Header), data...)
	data = append(data, '\n')

	if err := os.MkdirAll(i.Dir, 0755); err != nil {
		return "", err
	}
	path := i.Path()
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", err
	}
	i.restart()
	return path, nil
}

// Uninstall removes the component file. A missing file is not an error.
func (i Installer) Uninstall() error {
	err := os.Remove(i.Path())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	i.restart()
	return nil
}

func (i Installer) restart() {
	if i.Restart != nil {
		_ = i.Restart()
	}
}
