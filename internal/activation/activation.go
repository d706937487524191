// Package activation detects systemd socket activation so the webhook
// server can serve on an inherited listener instead of binding its own.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// Systemd hands file descriptors to the activated process starting at
// fd 3 (after stdin, stdout and stderr).
const listenFDStart = 3

// Listeners returns listeners for any sockets passed by systemd.
// It returns nil (without error) when the process was not socket
// activated, or when the activation targets a different PID.
func Listeners() ([]net.Listener, error) {
	count, err := activatedFDCount()
	if err != nil || count == 0 {
		return nil, err
	}

	listeners := make([]net.Listener, 0, count)
	for i := 0; i < count; i++ {
		fd := listenFDStart + i
		file := os.NewFile(uintptr(fd), "systemd-socket-"+strconv.Itoa(i))
		if file == nil {
			return nil, fmt.Errorf("failed to open inherited fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// The listener duplicates the descriptor, so the file wrapper can
		// be closed either way.
		_ = file.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}
		listeners = append(listeners, listener)
	}

	// Children must not inherit the activation variables.
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return listeners, nil
}

// activatedFDCount parses LISTEN_PID and LISTEN_FDS and returns the
// number of descriptors addressed to this process, 0 when none are.
func activatedFDCount() (int, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return 0, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}

	count, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if count < 1 {
		return 0, nil
	}

	return count, nil
}
