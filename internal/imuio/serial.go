// Package imuio ingests a raw IMU sample stream over a serial link.
// Frames are a simple length-prefixed binary record carrying
// (t, w_m, a_m, optional m_m, optional q_m) with an X.25 checksum,
// rather than a full autopilot protocol: the fusion core only consumes
// raw samples.
package imuio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/valkyrie-nav/ssf-core/internal/fusion"
)

// Config holds serial connection parameters.
type Config struct {
	Port           string
	BaudRate       int
	SimulationMode bool
}

var (
	ErrNotConnected = fmt.Errorf("imuio: not connected to IMU")
)

const frameMagic = 0xA5

// Reader streams ImuSample values off a serial port into a channel. In
// simulation mode it opens no port and publishes no samples.
type Reader struct {
	mu        sync.RWMutex
	config    Config
	port      serial.Port
	connected bool
	logger    *logrus.Logger

	samples chan fusion.ImuSample

	samplesRead  uint64
	framingDrops uint64
}

// NewReader constructs a Reader; call Connect then Run.
func NewReader(config Config, logger *logrus.Logger) *Reader {
	if logger == nil {
		logger = logrus.New()
	}
	return &Reader{
		config:  config,
		logger:  logger,
		samples: make(chan fusion.ImuSample, 256),
	}
}

// Samples returns the channel Run publishes decoded samples on.
func (r *Reader) Samples() <-chan fusion.ImuSample { return r.samples }

// ListPorts lists available USB serial ports.
func ListPorts() ([]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, p := range ports {
		if p.IsUSB {
			names = append(names, p.Name)
		}
	}
	return names, nil
}

// Connect opens the serial port, or marks the reader connected in
// simulation mode without touching hardware.
func (r *Reader) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.connected {
		return nil
	}

	r.logger.WithFields(logrus.Fields{
		"port": r.config.Port, "baudRate": r.config.BaudRate,
	}).Info("imuio: connecting to IMU")

	if r.config.SimulationMode {
		r.connected = true
		r.logger.Info("imuio: connected in simulation mode")
		return nil
	}

	mode := &serial.Mode{
		BaudRate: r.config.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(r.config.Port, mode)
	if err != nil {
		return fmt.Errorf("imuio: failed to open serial port %s: %w", r.config.Port, err)
	}

	r.port = port
	r.connected = true
	r.logger.Info("imuio: connected to IMU")
	return nil
}

// Disconnect closes the serial port.
func (r *Reader) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return nil
	}
	r.connected = false
	if r.port != nil {
		return r.port.Close()
	}
	return nil
}

// IsConnected reports connection state.
func (r *Reader) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connected
}

// Run reads frames until ctx is cancelled, publishing decoded samples
// on Samples(): connect if needed, then loop reading with a short
// per-read timeout so ctx cancellation is observed promptly.
func (r *Reader) Run(ctx context.Context) error {
	if !r.IsConnected() {
		if err := r.Connect(ctx); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			r.Disconnect()
			return ctx.Err()
		default:
		}

		r.mu.RLock()
		port := r.port
		simMode := r.config.SimulationMode
		r.mu.RUnlock()

		if simMode {
			// no hardware: caller is expected to push synthetic samples
			// through a test harness instead of Run.
			<-ctx.Done()
			return ctx.Err()
		}

		sample, err := r.readFrame(port)
		if err != nil {
			r.mu.Lock()
			r.framingDrops++
			r.mu.Unlock()
			continue
		}

		r.mu.Lock()
		r.samplesRead++
		r.mu.Unlock()

		select {
		case r.samples <- sample:
		default:
			// channel full: drop the oldest queued sample to make room.
			select {
			case <-r.samples:
			default:
			}
			r.samples <- sample
		}
	}
}

// frame layout: magic(1) seq(1) flags(1) len(1) payload(len) crc(2)
// payload: t_unix_nano(int64) wm(3 float32) am(3 float32) [mm(3 float32)] [qm(4 float32)]
const (
	flagHasMm = 1 << 0
	flagHasQm = 1 << 1
)

func (r *Reader) readFrame(port serial.Port) (fusion.ImuSample, error) {
	port.SetReadTimeout(50 * time.Millisecond)

	magic := make([]byte, 1)
	if _, err := port.Read(magic); err != nil {
		return fusion.ImuSample{}, err
	}
	if magic[0] != frameMagic {
		return fusion.ImuSample{}, fmt.Errorf("imuio: bad frame magic 0x%02x", magic[0])
	}

	header := make([]byte, 3)
	if _, err := io.ReadFull(port, header); err != nil {
		return fusion.ImuSample{}, err
	}
	flags, length := header[1], header[2]

	payload := make([]byte, length)
	if _, err := io.ReadFull(port, payload); err != nil {
		return fusion.ImuSample{}, err
	}

	crcBytes := make([]byte, 2)
	if _, err := io.ReadFull(port, crcBytes); err != nil {
		return fusion.ImuSample{}, err
	}
	want := uint16(crcBytes[0]) | uint16(crcBytes[1])<<8
	if got := crc16(payload); got != want {
		return fusion.ImuSample{}, fmt.Errorf("imuio: checksum mismatch")
	}

	return decodePayload(payload, flags)
}

func decodePayload(payload []byte, flags byte) (fusion.ImuSample, error) {
	const fixedLen = 8 + 4*3 + 4*3
	if len(payload) < fixedLen {
		return fusion.ImuSample{}, fmt.Errorf("imuio: payload too short")
	}

	buf := bytes.NewReader(payload)
	var tNanos int64
	binary.Read(buf, binary.LittleEndian, &tNanos)

	var wm, am [3]float32
	binary.Read(buf, binary.LittleEndian, &wm)
	binary.Read(buf, binary.LittleEndian, &am)

	sample := fusion.ImuSample{
		T:  time.Unix(0, tNanos),
		Wm: [3]float64{float64(wm[0]), float64(wm[1]), float64(wm[2])},
		Am: [3]float64{float64(am[0]), float64(am[1]), float64(am[2])},
	}

	if flags&flagHasMm != 0 {
		var mm [3]float32
		binary.Read(buf, binary.LittleEndian, &mm)
		sample.Mm = [3]float64{float64(mm[0]), float64(mm[1]), float64(mm[2])}
		sample.HasMm = true
	}
	if flags&flagHasQm != 0 {
		var qm [4]float32
		binary.Read(buf, binary.LittleEndian, &qm)
		sample.Qm = fusion.Quat{W: float64(qm[0]), X: float64(qm[1]), Y: float64(qm[2]), Z: float64(qm[3])}
		sample.HasQm = true
	}

	return sample, nil
}

// crc16 computes the X.25 CRC used to validate frames. crcTable is the
// MSB-first table for polynomial 0x1021; the X.25 CRC runs
// least-significant bit first, so each lookup is bit-reversed.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		tmp := uint8(crc) ^ b
		crc = (crc >> 8) ^ bits.Reverse16(crcTable[bits.Reverse8(tmp)])
	}
	return crc
}

var crcTable = [256]uint16{
	0x0000, 0x1021, 0x2042, 0x3063, 0x4084, 0x50a5, 0x60c6, 0x70e7,
	0x8108, 0x9129, 0xa14a, 0xb16b, 0xc18c, 0xd1ad, 0xe1ce, 0xf1ef,
	0x1231, 0x0210, 0x3273, 0x2252, 0x52b5, 0x4294, 0x72f7, 0x62d6,
	0x9339, 0x8318, 0xb37b, 0xa35a, 0xd3bd, 0xc39c, 0xf3ff, 0xe3de,
	0x2462, 0x3443, 0x0420, 0x1401, 0x64e6, 0x74c7, 0x44a4, 0x5485,
	0xa56a, 0xb54b, 0x8528, 0x9509, 0xe5ee, 0xf5cf, 0xc5ac, 0xd58d,
	0x3653, 0x2672, 0x1611, 0x0630, 0x76d7, 0x66f6, 0x5695, 0x46b4,
	0xb75b, 0xa77a, 0x9719, 0x8738, 0xf7df, 0xe7fe, 0xd79d, 0xc7bc,
	0x48c4, 0x58e5, 0x6886, 0x78a7, 0x0840, 0x1861, 0x2802, 0x3823,
	0xc9cc, 0xd9ed, 0xe98e, 0xf9af, 0x8948, 0x9969, 0xa90a, 0xb92b,
	0x5af5, 0x4ad4, 0x7ab7, 0x6a96, 0x1a71, 0x0a50, 0x3a33, 0x2a12,
	0xdbfd, 0xcbdc, 0xfbbf, 0xeb9e, 0x9b79, 0x8b58, 0xbb3b, 0xab1a,
	0x6ca6, 0x7c87, 0x4ce4, 0x5cc5, 0x2c22, 0x3c03, 0x0c60, 0x1c41,
	0xedae, 0xfd8f, 0xcdec, 0xddcd, 0xad2a, 0xbd0b, 0x8d68, 0x9d49,
	0x7e97, 0x6eb6, 0x5ed5, 0x4ef4, 0x3e13, 0x2e32, 0x1e51, 0x0e70,
	0xff9f, 0xefbe, 0xdfdd, 0xcffc, 0xbf1b, 0xaf3a, 0x9f59, 0x8f78,
	0x9188, 0x81a9, 0xb1ca, 0xa1eb, 0xd10c, 0xc12d, 0xf14e, 0xe16f,
	0x1080, 0x00a1, 0x30c2, 0x20e3, 0x5004, 0x4025, 0x7046, 0x6067,
	0x83b9, 0x9398, 0xa3fb, 0xb3da, 0xc33d, 0xd31c, 0xe37f, 0xf35e,
	0x02b1, 0x1290, 0x22f3, 0x32d2, 0x4235, 0x5214, 0x6277, 0x7256,
	0xb5ea, 0xa5cb, 0x95a8, 0x8589, 0xf56e, 0xe54f, 0xd52c, 0xc50d,
	0x34e2, 0x24c3, 0x14a0, 0x0481, 0x7466, 0x6447, 0x5424, 0x4405,
	0xa7db, 0xb7fa, 0x8799, 0x97b8, 0xe75f, 0xf77e, 0xc71d, 0xd73c,
	0x26d3, 0x36f2, 0x0691, 0x16b0, 0x6657, 0x7676, 0x4615, 0x5634,
	0xd94c, 0xc96d, 0xf90e, 0xe92f, 0x99c8, 0x89e9, 0xb98a, 0xa9ab,
	0x5844, 0x4865, 0x7806, 0x6827, 0x18c0, 0x08e1, 0x3882, 0x28a3,
	0xcb7d, 0xdb5c, 0xeb3f, 0xfb1e, 0x8bf9, 0x9bd8, 0xabbb, 0xbb9a,
	0x4a75, 0x5a54, 0x6a37, 0x7a16, 0x0af1, 0x1ad0, 0x2ab3, 0x3a92,
	0xfd2e, 0xed0f, 0xdd6c, 0xcd4d, 0xbdaa, 0xad8b, 0x9de8, 0x8dc9,
	0x7c26, 0x6c07, 0x5c64, 0x4c45, 0x3ca2, 0x2c83, 0x1ce0, 0x0cc1,
	0xef1f, 0xff3e, 0xcf5d, 0xdf7c, 0xaf9b, 0xbfba, 0x8fd9, 0x9ff8,
	0x6e17, 0x7e36, 0x4e55, 0x5e74, 0x2e93, 0x3eb2, 0x0ed1, 0x1ef0,
}

// Stats returns read/drop counters.
func (r *Reader) Stats() (read, drops uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.samplesRead, r.framingDrops
}
