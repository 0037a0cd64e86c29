package ime

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/godbus/dbus/v5"
)

// ErrNoAddress is returned when the ibus-daemon address cannot be found.
var ErrNoAddress = errors.New("ibus address not found")

// Address finds the private bus of the running ibus-daemon: $IBUS_ADDRESS,
// then the address file ibus-daemon writes for display, then the output of
// `ibus address`.
func Address(ctx context.Context, display string) (string, error) {
	if addr := os.Getenv("IBUS_ADDRESS"); addr != "" {
		return addr, nil
	}

	if path, err := AddressFile(display); err == nil {
		if f, err := os.Open(path); err == nil {
			addr, perr := parseAddressFile(f)
			f.Close()
			if perr == nil {
				return addr, nil
			}
		}
	}

	out, err := exec.CommandContext(ctx, "ibus", "address").Output()
	if err != nil {
		return "", fmt.Errorf("%w: ibus address: %v", ErrNoAddress, err)
	}
	addr := strings.TrimSpace(string(out))
	if addr == "" || addr == "(null)" {
		return "", ErrNoAddress
	}
	return addr, nil
}

// AddressFile returns the path of ibus-daemon's address file for display:
// $XDG_CONFIG_HOME/ibus/bus/<machine-id>-<host>-<display number>.
func AddressFile(display string) (string, error) {
	machineID, err := readMachineID()
	if err != nil {
		return "", err
	}
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configHome = filepath.Join(home, ".config")
	}
	return addressFilePath(configHome, machineID, display), nil
}

func addressFilePath(configHome, machineID, display string) string {
	host, number := "unix", "0"
	if display != "" {
		h, rest, ok := strings.Cut(display, ":")
		if ok {
			if h != "" {
				host = h
			}
			number, _, _ = strings.Cut(rest, ".")
		}
	}
	return filepath.Join(configHome, "ibus", "bus", fmt.Sprintf("%s-%s-%s", machineID, host, number))
}

func readMachineID() (string, error) {
	for _, path := range []string{"/var/lib/dbus/machine-id", "/etc/machine-id"} {
		data, err := os.ReadFile(path)
		if err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id, nil
			}
		}
	}
	return "", errors.New("machine id not found")
}

// parseAddressFile reads the IBUS_ADDRESS entry of an address file.
// Comment lines start with '#'.
func parseAddressFile(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if addr, ok := strings.CutPrefix(line, "IBUS_ADDRESS="); ok && addr != "" {
			return addr, nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", ErrNoAddress
}

// Connect opens an authenticated connection to ibus-daemon's bus.
func Connect(ctx context.Context, display string) (*dbus.Conn, error) {
	addr, err := Address(ctx, display)
	if err != nil {
		return nil, err
	}
	conn, err := dbus.Connect(addr, dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connect to ibus at %s: %w", addr, err)
	}
	return conn, nil
}
