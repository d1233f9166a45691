package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// ErrTransportUsed indicates a second dial of a transport given with WithTransport.
var ErrTransportUsed = errors.New("driver: transport already used")

func (cfg *Config) dialTCP(ctx context.Context) (io.ReadWriteCloser, error) {
	address := net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port))
	dialer := &net.Dialer{KeepAlive: 30 * time.Second}

	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		cfg.logger.Debug("driver: dial failed", "address", address, "error", err)
		return nil, err
	}

	cfg.logger.Debug("driver: connected",
		"localAddr", conn.LocalAddr(),
		"remoteAddr", conn.RemoteAddr())

	return conn, nil
}

func (cfg *Config) dialSerial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: cfg.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.device, mode)
	if err != nil {
		return nil, fmt.Errorf("driver: open %s: %w", cfg.device, err)
	}

	cfg.logger.Debug("driver: serial opened", "device", cfg.device, "baud", cfg.baudRate)

	return port, nil
}

func onceDialer(rwc io.ReadWriteCloser) DialFunc {
	var used atomic.Bool
	return func(context.Context) (io.ReadWriteCloser, error) {
		if !used.CompareAndSwap(false, true) {
			return nil, ErrTransportUsed
		}
		return rwc, nil
	}
}
