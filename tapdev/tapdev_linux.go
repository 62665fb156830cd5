//go:build linux

package tapdev

import (
	"encoding/binary"
	"errors"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	cloneDevicePath = "/dev/net/tun"
	ifReqSize       = unix.IFNAMSIZ + 64
)

// linuxTap opens /dev/net/tun in IFF_TAP mode, the Ethernet-framed sibling
// of the teacher's IFF_TUN NativeTun — everything below TUNSETIFF is
// carried over unchanged; only the requested interface flags differ.
type linuxTap struct {
	fd   *os.File
	name string
}

func CreateTAP(name string) (Device, error) {
	nfd, err := unix.Open(cloneDevicePath, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(nfd, false); err != nil {
		unix.Close(nfd)
		return nil, err
	}
	fd := os.NewFile(uintptr(nfd), cloneDevicePath)

	var ifr [ifReqSize]byte
	var flags uint16 = unix.IFF_TAP | unix.IFF_NO_PI
	nameBytes := []byte(name)
	if len(nameBytes) >= unix.IFNAMSIZ {
		fd.Close()
		return nil, errors.New("tapdev: interface name too long")
	}
	copy(ifr[:], nameBytes)
	binary.LittleEndian.PutUint16(ifr[16:], flags)

	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		fd.Fd(),
		uintptr(unix.TUNSETIFF),
		uintptr(unsafe.Pointer(&ifr[0])),
	)
	if errno != 0 {
		fd.Close()
		return nil, errno
	}

	realName := unix.ByteSliceToString(ifr[:unix.IFNAMSIZ])
	return &linuxTap{fd: fd, name: realName}, nil
}

func (t *linuxTap) Read(buf []byte) (int, error)  { return t.fd.Read(buf) }
func (t *linuxTap) Write(frame []byte) (int, error) { return t.fd.Write(frame) }
func (t *linuxTap) Close() error                    { return t.fd.Close() }
func (t *linuxTap) Name() (string, error)           { return t.name, nil }

func (t *linuxTap) MTU() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	ifr, err := unix.IoctlGetIfreqMTU(fd, t.name)
	if err != nil {
		return 0, err
	}
	return int(ifr.MTU), nil
}
