package sysinfo

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// Device describes the machine a session is opened from, as shown in the
// device list
type Device struct {
	OS       string
	Hostname string
}

// Describe returns a best-effort description of this machine. Lookups that fail
// fall back to runtime.GOOS and an empty hostname.
func Describe(ctx context.Context) Device {
	d := Device{OS: runtime.GOOS}
	if name, err := osName(ctx); err == nil && name != "" {
		d.OS = name
	}
	if host, err := os.Hostname(); err == nil {
		d.Hostname = host
	}
	return d
}

func osName(ctx context.Context) (string, error) {
	switch runtime.GOOS {
	case "linux":
		file, err := os.Open("/etc/os-release")
		if err != nil {
			return "", fmt.Errorf("failed to open /etc/os-release: %w", err)
		}
		defer file.Close()
		return parseOSRelease(file)

	case "darwin":
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		output, err := exec.CommandContext(ctx, "sw_vers", "-productVersion").Output()
		if err != nil {
			return "", fmt.Errorf("failed to get macOS version: %w", err)
		}
		return "macOS " + strings.TrimSpace(string(output)), nil

	default:
		return runtime.GOOS, nil
	}
}

// parseOSRelease picks PRETTY_NAME, or NAME when PRETTY_NAME is missing
func parseOSRelease(r io.Reader) (string, error) {
	var pretty, name string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `"'`)

		switch key {
		case "PRETTY_NAME":
			pretty = value
		case "NAME":
			name = value
		}
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("error reading os-release: %w", err)
	}

	if pretty != "" {
		return pretty, nil
	}
	return name, nil
}
