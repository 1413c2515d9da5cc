//go:build !wasm

package serial

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"

	"afm/protocol"
)

// ErrNoDevice is returned when no instrument is attached
var ErrNoDevice = errors.New("no instrument found")

// PortInfo describes one attached instrument
type PortInfo struct {
	Name         string
	SerialNumber string
	Product      string
}

var (
	vendorID  = fmt.Sprintf("%04x", protocol.USBVendorID)
	productID = fmt.Sprintf("%04x", protocol.USBProductID)
)

// Discover lists the serial ports whose USB identifiers match the instrument
func Discover() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}
	return matchPorts(ports), nil
}

// FindDevice returns the first attached instrument's port name
func FindDevice() (string, error) {
	found, err := Discover()
	if err != nil {
		return "", err
	}
	if len(found) == 0 {
		return "", ErrNoDevice
	}
	return found[0].Name, nil
}

func matchPorts(ports []*enumerator.PortDetails) []PortInfo {
	var found []PortInfo
	for _, p := range ports {
		if p == nil || !p.IsUSB {
			continue
		}
		if !strings.EqualFold(p.VID, vendorID) || !strings.EqualFold(p.PID, productID) {
			continue
		}
		found = append(found, PortInfo{
			Name:         p.Name,
			SerialNumber: p.SerialNumber,
			Product:      p.Product,
		})
	}
	return found
}
