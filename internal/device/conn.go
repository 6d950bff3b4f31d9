package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime"
	"strings"

	"go.bug.st/serial"
)

// TCPPort is the device's stream API port.
const TCPPort = "4403"

// BaudRate is the serial speed of the device's stream API.
const BaudRate = 115200

// DialTCP connects to a networked device. host may carry a port.
func DialTCP(ctx context.Context, host string) (io.ReadWriteCloser, error) {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, TCPPort)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("device: dial %s: %w", addr, err)
	}
	return conn, nil
}

// OpenSerial opens a USB serial device. An empty path picks the only
// likely candidate among the system's serial ports.
func OpenSerial(path string) (io.ReadWriteCloser, error) {
	if path == "" {
		ports, err := serial.GetPortsList()
		if err != nil {
			return nil, fmt.Errorf("device: list serial ports: %w", err)
		}
		if path, err = pickPort(ports); err != nil {
			return nil, err
		}
	}
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: BaudRate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}
	return port, nil
}

var errNoPort = errors.New("device: no serial device found, use --serial or --host")

func pickPort(ports []string) (string, error) {
	var found []string
	for _, p := range ports {
		if likelyDevice(p) {
			found = append(found, p)
		}
	}
	switch len(found) {
	case 0:
		return "", errNoPort
	case 1:
		return found[0], nil
	}
	return "", fmt.Errorf("device: several serial devices found (%s), use --serial", strings.Join(found, ", "))
}

func likelyDevice(p string) bool {
	switch runtime.GOOS {
	case "windows":
		return strings.HasPrefix(p, "COM") && p != "COM1"
	case "darwin":
		return strings.HasPrefix(p, "/dev/cu.usb") || strings.HasPrefix(p, "/dev/cu.wchusb") || strings.HasPrefix(p, "/dev/cu.SLAB")
	}
	return strings.HasPrefix(p, "/dev/ttyUSB") || strings.HasPrefix(p, "/dev/ttyACM")
}
