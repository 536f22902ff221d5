package serial

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/bobuhiro11/gohv/device"
)

const (
	COM1Addr = 0x03f8
	COM2Addr = 0x02f8
	COM3Addr = 0x03e8
	COM4Addr = 0x02e8

	portCount = 8

	lsrDataReady = 0x01
	lsrTHREmpty  = 0x20
	lsrIdle      = 0x40

	iirNoInterrupt = 0x01
	iirTHREmpty    = 0x02
	iirRxAvailable = 0x04

	ierRxAvailable = 0x01
	ierTHREmpty    = 0x02

	lcrDLAB = 0x80

	defaultDLL = 0xc // 9600 baud
)

// Ports lists the four legacy COM bases.
var Ports = [4]uint16{COM1Addr, COM2Addr, COM3Addr, COM4Addr}

// Serial is a 16550 UART without FIFO timing. Transmitted bytes go to out,
// received bytes come from the input channel.
type Serial struct {
	base uint16

	IER byte
	LCR byte
	MCR byte
	SCR byte
	DLL byte
	DLM byte

	// thrPending is set after a transmit while IER asks for THR-empty
	// interrupts and cleared when the guest reads IIR.
	thrPending bool

	out       io.Writer
	inputChan chan byte

	// This callback is called when serial request IRQ.
	irqCallback func(level uint32)
}

func New(base uint16, out io.Writer, irqCallback func(level uint32)) *Serial {
	if out == nil {
		out = io.Discard
	}

	return &Serial{
		base:        base,
		DLL:         defaultDLL,
		out:         out,
		inputChan:   make(chan byte, 10000),
		irqCallback: irqCallback,
	}
}

func (s *Serial) GetInputChan() chan<- byte {
	return s.inputChan
}

func (s *Serial) dlab() bool {
	return s.LCR&lcrDLAB != 0
}

func (s *Serial) injectIRQ(level uint32) {
	if s.irqCallback != nil {
		s.irqCallback(level)
	}
}

func (s *Serial) PortRange() device.Range[uint16] {
	return device.NewRange[uint16](s.base, portCount)
}

func (s *Serial) Read(port uint16, size uint8) (uint32, error) {
	if size != 1 {
		return 0, fmt.Errorf("serial %#x: %w: %d", port, device.ErrInvalidSize, size)
	}

	var v byte

	switch port - s.base {
	case 0:
		if s.dlab() {
			v = s.DLL
		} else if len(s.inputChan) > 0 {
			// RBR
			v = <-s.inputChan
		}
	case 1:
		if s.dlab() {
			v = s.DLM
		} else {
			v = s.IER
		}
	case 2:
		v = s.iir()
	case 3:
		v = s.LCR
	case 4:
		v = s.MCR
	case 5:
		v = lsrTHREmpty | lsrIdle
		if len(s.inputChan) > 0 {
			v |= lsrDataReady
		}
	case 6:
		// MSR: no modem lines
	case 7:
		v = s.SCR
	}

	return uint32(v), nil
}

func (s *Serial) iir() byte {
	switch {
	case s.IER&ierRxAvailable != 0 && len(s.inputChan) > 0:
		return iirRxAvailable
	case s.thrPending:
		s.thrPending = false

		return iirTHREmpty
	}

	return iirNoInterrupt
}

func (s *Serial) Write(port uint16, size uint8, value uint32) error {
	if size != 1 {
		return fmt.Errorf("serial %#x: %w: %d", port, device.ErrInvalidSize, size)
	}

	b := byte(value)

	switch port - s.base {
	case 0:
		if s.dlab() {
			s.DLL = b

			break
		}

		// THR
		if _, err := s.out.Write([]byte{b}); err != nil {
			return fmt.Errorf("serial %#x: %w", port, err)
		}

		if s.IER&ierTHREmpty != 0 {
			s.thrPending = true
			s.injectIRQ(0)
			s.injectIRQ(1)
		}
	case 1:
		if s.dlab() {
			s.DLM = b

			break
		}

		s.IER = b
		if s.IER != 0 {
			s.thrPending = s.IER&ierTHREmpty != 0
			s.injectIRQ(0)
			s.injectIRQ(1)
		}
	case 2:
		// FCR
		slog.Debug("serial: FCR write", "port", fmt.Sprintf("%#x", port), "value", b)
	case 3:
		s.LCR = b
	case 4:
		s.MCR = b
	case 7:
		s.SCR = b
	default:
		slog.Debug("serial: factory test or not used", "port", fmt.Sprintf("%#x", port))
	}

	return nil
}

var _ device.PortIO = (*Serial)(nil)
