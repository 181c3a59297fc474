//go:build linux

package main

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ============================================================================
// Linux device layer - hidraw (analog) / evdev (digital) via epoll
// ============================================================================
//
// All device fds are non-blocking and registered with one epoll instance.
// ReadSnapshot polls it with a zero timeout and drains every ready fd, so a
// tick never waits on the kernel. A hangup or read error drops the device;
// with nothing open the configured paths are re-tried every reopenInterval.
//
// ============================================================================

type linuxDevice struct {
	path string
	fd   int
	info DeviceInfo
	keys map[KeyCode]float64
}

type linuxDeviceLayer struct {
	backend        string
	paths          []string
	vendorIDs      []uint16
	maxDevices     int
	reopenInterval time.Duration
	sysfsRoot      string
	logger         *slog.Logger

	// openFn opens and registers one device node.
	openFn func(path string) (*linuxDevice, error)

	mu         sync.Mutex
	epfd       int
	open       map[int]*linuxDevice
	lastReopen time.Time
	events     []unix.EpollEvent
	buf        []byte
}

// openDeviceLayer builds the device layer selected by cfg.Backend.
func openDeviceLayer(cfg DeviceConfig, logger *slog.Logger) (DeviceLayer, error) {
	switch cfg.Backend {
	case deviceBackendHidraw, deviceBackendEvdev:
	default:
		return nil, fmt.Errorf("unknown device backend %q", cfg.Backend)
	}
	maxDevices := cfg.MaxDevices
	if maxDevices <= 0 {
		maxDevices = defaultDeviceBufferMax
	}
	reopen := time.Duration(cfg.ReopenIntervalMS) * time.Millisecond
	if reopen <= 0 {
		reopen = defaultReopenInterval
	}
	l := &linuxDeviceLayer{
		backend:        cfg.Backend,
		paths:          cfg.Paths,
		vendorIDs:      cfg.VendorIDs,
		maxDevices:     maxDevices,
		reopenInterval: reopen,
		sysfsRoot:      "/sys",
		logger:         logger,
		epfd:           -1,
		open:           make(map[int]*linuxDevice),
		events:         make([]unix.EpollEvent, 32),
		buf:            make([]byte, 64*inputEventSize),
	}
	l.openFn = l.openDevice
	return l, nil
}

func (l *linuxDeviceLayer) Init() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return 0, fmt.Errorf("epoll_create1: %w", err)
	}
	l.epfd = epfd
	l.lastReopen = time.Now()
	l.openAllLocked()
	return len(l.open), nil
}

func (l *linuxDeviceLayer) ConnectedDevices() ([]DeviceInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	devs := make([]*linuxDevice, 0, len(l.open))
	for _, d := range l.open {
		devs = append(devs, d)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i].path < devs[j].path })

	out := make([]DeviceInfo, len(devs))
	for i, d := range devs {
		out[i] = d.info
	}
	return out, nil
}

func (l *linuxDeviceLayer) ReadSnapshot(maxEntries int) (map[KeyCode]float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.epfd < 0 {
		return nil, errors.New("device layer not initialised")
	}

	if len(l.open) == 0 {
		if now := time.Now(); now.Sub(l.lastReopen) >= l.reopenInterval {
			l.lastReopen = now
			l.openAllLocked()
		}
		if len(l.open) == 0 {
			return nil, ErrNoDevices
		}
	}

	n, err := unix.EpollWait(l.epfd, l.events, 0)
	if err != nil {
		if !errors.Is(err, unix.EINTR) {
			return nil, fmt.Errorf("epoll_wait: %w", err)
		}
		n = 0
	}

	for i := 0; i < n; i++ {
		ev := l.events[i]
		dev, ok := l.open[int(ev.Fd)]
		if !ok {
			continue
		}
		if ev.Events&unix.EPOLLIN != 0 {
			if err := l.drain(dev); err != nil {
				l.dropLocked(dev, err)
				continue
			}
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			l.dropLocked(dev, errors.New("device error/hangup"))
		}
	}

	if len(l.open) == 0 {
		return nil, ErrNoDevices
	}

	states := make([]map[KeyCode]float64, 0, len(l.open))
	for _, d := range l.open {
		states = append(states, d.keys)
	}
	return mergeKeys(states, maxEntries), nil
}

func (l *linuxDeviceLayer) Uninit() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, d := range l.open {
		_ = unix.Close(d.fd)
	}
	clear(l.open)
	if l.epfd >= 0 {
		err := unix.Close(l.epfd)
		l.epfd = -1
		if err != nil {
			return fmt.Errorf("close epoll: %w", err)
		}
	}
	return nil
}

// drain reads until the fd would block.
func (l *linuxDeviceLayer) drain(dev *linuxDevice) error {
	for {
		n, err := unix.Read(dev.fd, l.buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				return nil
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("read %s: %w", dev.path, err)
		}
		if n == 0 {
			return fmt.Errorf("read %s: %w", dev.path, io.EOF)
		}

		switch l.backend {
		case deviceBackendHidraw:
			parseAnalogReport(l.buf[:n], dev.keys)
		case deviceBackendEvdev:
			parseKeyEvents(l.buf[:n], dev.keys)
		}
	}
}

func (l *linuxDeviceLayer) openAllLocked() {
	for _, pattern := range l.paths {
		matches, err := filepath.Glob(ExpandPath(pattern))
		if err != nil || len(matches) == 0 {
			matches = []string{ExpandPath(pattern)}
		}
		for _, path := range matches {
			if len(l.open) >= l.maxDevices {
				return
			}
			if l.isOpenLocked(path) {
				continue
			}
			if !l.accept(path) {
				continue
			}
			dev, err := l.openFn(path)
			if err != nil {
				l.logger.Debug("device open failed", "path", path, "error", err)
				continue
			}
			l.open[dev.fd] = dev
			l.logger.Info("device opened", "path", path, "name", dev.info.DeviceName, "backend", l.backend)
		}
	}
}

func (l *linuxDeviceLayer) isOpenLocked(path string) bool {
	for _, d := range l.open {
		if d.path == path {
			return true
		}
	}
	return false
}

func (l *linuxDeviceLayer) openDevice(path string) (*linuxDevice, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("epoll_ctl_add %s: %w", path, err)
	}

	return &linuxDevice{
		path: path,
		fd:   fd,
		info: readDeviceInfo(l.sysfsRoot, l.backend, path),
		keys: make(map[KeyCode]float64),
	}, nil
}

// accept reports whether a hidraw node belongs to a supported analog
// keyboard vendor. Nodes that cannot be identified are skipped. evdev nodes
// and an empty vendor list accept everything.
func (l *linuxDeviceLayer) accept(path string) bool {
	if l.backend != deviceBackendHidraw || len(l.vendorIDs) == 0 {
		return true
	}
	uevent, err := readHidrawUevent(l.sysfsRoot, path)
	if err != nil {
		l.logger.Debug("device skipped, no hid identity", "path", path, "error", err)
		return false
	}
	vendor, _ := parseHIDID(uevent["HID_ID"])
	if !slices.Contains(l.vendorIDs, vendor) {
		l.logger.Debug("device skipped, vendor not supported", "path", path, "vendor_id", fmt.Sprintf("%04x", vendor))
		return false
	}
	return true
}

func (l *linuxDeviceLayer) dropLocked(dev *linuxDevice, reason error) {
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, dev.fd, nil)
	_ = unix.Close(dev.fd)
	delete(l.open, dev.fd)
	l.logger.Warn("device removed", "path", dev.path, "reason", reason)
}

// ============================================================================
// sysfs device info
// ============================================================================

// readHidrawUevent returns the KEY=value pairs of a hidraw node's HID uevent.
func readHidrawUevent(sysfsRoot, path string) (map[string]string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		resolved = path
	}
	b, err := os.ReadFile(filepath.Join(sysfsRoot, "class", "hidraw", filepath.Base(resolved), "device", "uevent"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		if k, v, ok := strings.Cut(line, "="); ok {
			out[k] = v
		}
	}
	return out, nil
}

// parseHIDID splits a uevent HID_ID (bus:vendor:product, hex).
func parseHIDID(v string) (vendor, product uint16) {
	parts := strings.Split(v, ":")
	if len(parts) != 3 {
		return 0, 0
	}
	return parseHex16(parts[1]), parseHex16(parts[2])
}

func readDeviceInfo(sysfsRoot, backend, path string) DeviceInfo {
	info := DeviceInfo{
		DeviceName: filepath.Base(path),
		DeviceID:   pathID(path),
		DeviceType: DeviceTypeDigital,
	}

	switch backend {
	case deviceBackendHidraw:
		info.DeviceType = DeviceTypeAnalog
		uevent, err := readHidrawUevent(sysfsRoot, path)
		if err != nil {
			return info
		}
		if name := uevent["HID_NAME"]; name != "" {
			info.DeviceName = name
			if maker, _, ok := strings.Cut(name, " "); ok {
				info.ManufacturerName = maker
			}
		}
		info.VendorID, info.ProductID = parseHIDID(uevent["HID_ID"])
		if uniq := uevent["HID_UNIQ"]; uniq != "" {
			info.DeviceID = pathID(uniq)
		}

	case deviceBackendEvdev:
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			resolved = path
		}
		base := filepath.Join(sysfsRoot, "class", "input", filepath.Base(resolved), "device")
		if b, err := os.ReadFile(filepath.Join(base, "name")); err == nil {
			info.DeviceName = strings.TrimSpace(string(b))
		}
		if b, err := os.ReadFile(filepath.Join(base, "id", "vendor")); err == nil {
			info.VendorID = parseHex16(strings.TrimSpace(string(b)))
		}
		if b, err := os.ReadFile(filepath.Join(base, "id", "product")); err == nil {
			info.ProductID = parseHex16(strings.TrimSpace(string(b)))
		}
	}

	return info
}

func parseHex16(s string) uint16 {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0
	}
	return uint16(v)
}

func pathID(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
