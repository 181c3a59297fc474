package main

import "errors"

// ErrNoDevices is returned by a device layer when no keyboard is connected.
var ErrNoDevices = errors.New("no devices connected")

// DeviceType classifies a connected keyboard.
type DeviceType string

const (
	DeviceTypeAnalog  DeviceType = "analog"
	DeviceTypeDigital DeviceType = "digital"
)

// DeviceInfo describes one connected keyboard.
type DeviceInfo struct {
	VendorID         uint16     `json:"vendor_id"`
	ProductID        uint16     `json:"product_id"`
	ManufacturerName string     `json:"manufacturer_name"`
	DeviceName       string     `json:"device_name"`
	DeviceID         uint64     `json:"device_id"`
	DeviceType       DeviceType `json:"device_type"`
}

// DeviceLayer supplies key magnitude snapshots.
//
// ReadSnapshot must not block. It returns at most maxEntries keys; absent
// keys are at rest. ErrNoDevices (possibly wrapped) means nothing is
// connected; any other error is transient.
type DeviceLayer interface {
	Init() (int, error)
	ConnectedDevices() ([]DeviceInfo, error)
	ReadSnapshot(maxEntries int) (map[KeyCode]float64, error)
	Uninit() error
}
