// Package devpath resolves the block device backing a file's filesystem.
// The device number from stat is mapped to a /dev node via sysfs, with
// /proc/self/mountinfo as a fallback.
package devpath

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// Device identifies the block device backing a mounted filesystem.
type Device struct {
	// Path to the device node, e.g. /dev/nvme0n1p2.
	Path string
	// ID is the filesystem's device number (st_dev). It is stable for
	// the lifetime of the mount and shared by every file on it.
	ID uint64
}

// ResolveFile resolves the block device backing an open file.
func ResolveFile(f *os.File) (Device, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return Device{}, fmt.Errorf("fstat %s: %w", f.Name(), err)
	}
	return resolveDev(uint64(st.Dev))
}

// ResolvePath resolves the block device backing the filesystem that
// contains path.
func ResolvePath(path string) (Device, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return Device{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return resolveDev(uint64(st.Dev))
}

func resolveDev(dev uint64) (Device, error) {
	major, minor := unix.Major(dev), unix.Minor(dev)

	if p, err := sysfsDevicePath(major, minor); err == nil {
		return Device{Path: p, ID: dev}, nil
	}

	p, err := mountinfoDevicePath(major, minor)
	if err != nil {
		return Device{}, fmt.Errorf("resolve device %d:%d: %w", major, minor, err)
	}
	return Device{Path: p, ID: dev}, nil
}

// sysfsDevicePath maps major:minor to a /dev node via the
// /sys/dev/block symlink and verifies the node matches.
func sysfsDevicePath(major, minor uint32) (string, error) {
	link := fmt.Sprintf("/sys/dev/block/%d:%d", major, minor)
	target, err := os.Readlink(link)
	if err != nil {
		return "", err
	}

	devPath := filepath.Join("/dev", filepath.Base(target))
	var st unix.Stat_t
	if err := unix.Stat(devPath, &st); err != nil {
		return "", err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFBLK {
		return "", fmt.Errorf("%s is not a block device", devPath)
	}
	if uint64(st.Rdev) != unix.Mkdev(major, minor) {
		return "", fmt.Errorf("%s has device number %d:%d, want %d:%d",
			devPath, unix.Major(uint64(st.Rdev)), unix.Minor(uint64(st.Rdev)), major, minor)
	}
	return devPath, nil
}

func mountinfoDevicePath(major, minor uint32) (string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return "", err
	}
	defer f.Close()
	return findMountSource(f, fmt.Sprintf("%d:%d", major, minor))
}

// findMountSource scans mountinfo for the mount whose major:minor field
// matches and returns its mount source if it is a device node.
//
// Each line looks like:
//
//	36 35 8:2 /root /mnt rw,noatime shared:1 - ext4 /dev/sda2 rw
//
// Field 3 is major:minor; the mount source is the second field after the
// "-" separator.
func findMountSource(r io.Reader, majmin string) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || fields[2] != majmin {
			continue
		}
		sep := -1
		for i, f := range fields {
			if f == "-" {
				sep = i
				break
			}
		}
		if sep < 0 || len(fields) < sep+3 {
			continue
		}
		source := fields[sep+2]
		if strings.HasPrefix(source, "/dev/") {
			return source, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no mount with device %s", majmin)
}
