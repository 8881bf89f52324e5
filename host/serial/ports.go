package serial

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// STM32 virtual COM port, used by the controller's USB interface
const vescVID = "0483"

// PortInfo describes an available serial port
type PortInfo struct {
	Name         string
	Description  string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string

	// IsVESC is set for ports that look like a controller's USB interface
	IsVESC bool
}

// ListPorts returns the serial ports currently present, in enumeration order
func ListPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}

	infos := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		infos = append(infos, portInfo(p))
	}
	return infos, nil
}

func portInfo(p *enumerator.PortDetails) PortInfo {
	info := PortInfo{
		Name:         p.Name,
		IsUSB:        p.IsUSB,
		VID:          strings.ToUpper(p.VID),
		PID:          strings.ToUpper(p.PID),
		SerialNumber: p.SerialNumber,
	}
	info.IsVESC = info.IsUSB && info.VID == vescVID

	switch {
	case info.IsVESC:
		info.Description = "VESC - " + p.Name
	case p.Product != "":
		info.Description = p.Product + " - " + p.Name
	default:
		info.Description = p.Name
	}
	return info
}
