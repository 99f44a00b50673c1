package link

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// DefaultBaudRate is used when a serial spec carries no @baud suffix.
const DefaultBaudRate = 115200

var baudRates = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

func parseSerialArg(arg string) (path string, baud int, err error) {
	path, rate, hasRate := strings.Cut(arg, "@")
	if path == "" {
		return "", 0, fmt.Errorf("%w: serial: missing device path", ErrInvalidSpec)
	}

	baud = DefaultBaudRate
	if hasRate {
		baud, err = strconv.Atoi(rate)
		if err != nil {
			return "", 0, fmt.Errorf("%w: serial: bad baud rate %q", ErrInvalidSpec, rate)
		}
	}
	if _, ok := baudRates[baud]; !ok {
		return "", 0, fmt.Errorf("%w: serial: unsupported baud rate %d", ErrInvalidSpec, baud)
	}

	return path, baud, nil
}

// OpenSerial opens a serial debug adapter in raw 8N1 mode at the given baud rate.
func OpenSerial(path string, baud int) (Link, error) {
	speed, ok := baudRates[baud]
	if !ok {
		return nil, fmt.Errorf("%w: serial: unsupported baud rate %d", ErrInvalidSpec, baud)
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("link: open serial %s: %w", path, err)
	}

	if err := setRawMode(fd, speed); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("link: configure serial %s: %w", path, err)
	}

	// discard whatever the adapter sent before we took over the line
	_ = unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)

	return newFdLink(fd, fmt.Sprintf("serial:%s@%d", path, baud)), nil
}

// setRawMode applies the equivalent of cfmakeraw(3) plus the line speed.
func setRawMode(fd int, speed uint32) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}
