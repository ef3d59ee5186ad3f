package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	DefaultBaudRate = 115200

	// serialReadTimeout bounds each Read so the reader never blocks for long.
	serialReadTimeout = time.Millisecond
)

// PortInfo describes a serial port found on the host
type PortInfo struct {
	Port        string `json:"port"`
	Description string `json:"description"`
	HWID        string `json:"hwid"`
}

// ListPorts enumerates the serial ports available on the host
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("enumerate serial ports: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		p := PortInfo{Port: d.Name, Description: "n/a", HWID: "n/a"}
		if d.IsUSB {
			p.Description = d.Product
			p.HWID = fmt.Sprintf("USB VID:PID=%s:%s SER=%s", d.VID, d.PID, d.SerialNumber)
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// Serial is a Transport over a UART, 8N1.
type Serial struct {
	port serial.Port
	name string
	baud int
}

// OpenSerial opens the named port at the given baud rate
func OpenSerial(name string, baud int) (*Serial, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", name, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	return &Serial{port: port, name: name, baud: baud}, nil
}

// Read returns the bytes that arrived within the short read timeout
func (s *Serial) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

// Write sends bytes to the port; used by the simulator
func (s *Serial) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

// Close releases the port
func (s *Serial) Close() error {
	return s.port.Close()
}

// Info reports the port name and baud rate
func (s *Serial) Info() Info {
	return Info{Port: s.name, BaudRate: s.baud}
}
