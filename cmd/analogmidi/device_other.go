//go:build !linux

package main

import (
	"errors"
	"log/slog"
)

func openDeviceLayer(cfg DeviceConfig, logger *slog.Logger) (DeviceLayer, error) {
	return nil, errors.New("keyboard device layers are only available on linux")
}
