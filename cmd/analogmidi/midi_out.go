package main

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// rtmidiDriver exposes the native rtmidi outputs as outputPorts.
type rtmidiDriver struct {
	drv *rtmididrv.Driver
}

func newRtmidiDriver() (*rtmidiDriver, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("rtmididrv: %w", err)
	}
	return &rtmidiDriver{drv: drv}, nil
}

func (r *rtmidiDriver) OutPorts() ([]outputPort, error) {
	outs, err := r.drv.Outs()
	if err != nil {
		return nil, err
	}
	ports := make([]outputPort, len(outs))
	for i, out := range outs {
		ports[i] = rtmidiPort{out: out}
	}
	return ports, nil
}

func (r *rtmidiDriver) Close() error {
	return r.drv.Close()
}

// rtmidiPort adapts drivers.Out; Open is idempotent.
type rtmidiPort struct {
	out drivers.Out
}

func (p rtmidiPort) String() string { return p.out.String() }

func (p rtmidiPort) Open() error {
	if p.out.IsOpen() {
		return nil
	}
	return p.out.Open()
}

func (p rtmidiPort) Close() error { return p.out.Close() }

func (p rtmidiPort) Send(msg []byte) error { return p.out.Send(msg) }
