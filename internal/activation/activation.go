// Package activation provides the serve listener, preferring a socket passed
// in by systemd over binding one itself.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
)

// systemd passes file descriptors starting at fd 3
const firstFD = 3

// Listen returns the systemd-activated listener when this process was socket
// activated, otherwise a new TCP listener on addr. The boolean reports
// whether the listener came from systemd.
func Listen(addr string) (net.Listener, bool, error) {
	n, err := activatedFDs(os.Getenv, os.Getpid())
	if err != nil {
		return nil, false, err
	}

	if n > 0 {
		ln, err := fileListener(firstFD, "systemd-socket")
		if err != nil {
			return nil, false, err
		}
		// only the first socket is served
		for i := 1; i < n; i++ {
			_ = os.NewFile(uintptr(firstFD+i), "systemd-socket-extra").Close()
		}

		// child processes must not inherit the activation
		_ = os.Unsetenv("LISTEN_PID")
		_ = os.Unsetenv("LISTEN_FDS")
		_ = os.Unsetenv("LISTEN_FDNAMES")
		return ln, true, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}

// activatedFDs returns the number of sockets systemd passed to pid, or zero
// when the process was not socket activated
func activatedFDs(getenv func(string) string, pid int) (int, error) {
	pidStr := getenv("LISTEN_PID")
	if pidStr == "" {
		return 0, nil
	}

	listenPID, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if listenPID != pid {
		return 0, nil
	}

	fdsStr := getenv("LISTEN_FDS")
	if fdsStr == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil {
		return 0, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

func fileListener(fd int, name string) (net.Listener, error) {
	file := os.NewFile(uintptr(fd), name)
	if file == nil {
		return nil, fmt.Errorf("failed to create file for fd %d", fd)
	}
	defer func() {
		// the listener holds its own duplicate
		_ = file.Close()
	}()

	ln, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
	}
	return ln, nil
}
