package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arloliu/go-seabird/protocol"
	"github.com/stretchr/testify/require"
)

const tomlConfig = `
[driver]
transport = "tcp"
host = "127.0.0.1"
port = 4001
connect_timeout = "2s"
command_timeout = "5s"
wakeup_attempts = 3
auto_discover = false
default_values = true

[logging]
level = "debug"
format = "console"

[metrics]
listen = ":9100"
namespace = "ctd"

[startup]
SampleInterval = 15
TxRealTime = false
DelayBeforeSampling = 1.5

[[schedule]]
name = "clock"
event = "SCHEDULED_CLOCK_SYNC"
interval = "24h"

[[schedule]]
name = "status"
event = "scheduled_acquire_status"
interval = "1h"
run_now = true
`

const yamlConfig = `
driver:
  transport: serial
  device: /dev/ttyUSB0
  baud_rate: 38400
  wakeup_timeout: 500ms
logging:
  level: warn
  format: zerolog
startup:
  SampleInterval: 30
  NCycles: 2
schedule:
  - name: clock
    event: SCHEDULED_CLOCK_SYNC
    interval: 12h
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_TOML(t *testing.T) {
	require := require.New(t)

	cfg, err := Load(writeFile(t, "driver.toml", tomlConfig))
	require.NoError(err)

	require.Equal("tcp", cfg.Driver.Transport)
	require.Equal("127.0.0.1", cfg.Driver.Host)
	require.Equal(4001, cfg.Driver.Port)
	require.Equal(2*time.Second, cfg.Driver.ConnectTimeout.Duration)
	require.Equal(5*time.Second, cfg.Driver.CommandTimeout.Duration)
	require.NotNil(cfg.Driver.AutoDiscover)
	require.False(*cfg.Driver.AutoDiscover)
	require.True(cfg.Driver.DefaultValues)
	require.Equal("ctd", cfg.Metrics.Namespace)

	require.Equal(int64(15), cfg.Startup["SampleInterval"])
	require.Equal(false, cfg.Startup["TxRealTime"])
	require.InDelta(1.5, cfg.Startup["DelayBeforeSampling"], 1e-9)

	jobs, err := cfg.Jobs()
	require.NoError(err)
	require.Len(jobs, 2)
	require.Equal(protocol.EventScheduledClockSync, jobs[0].Event)
	require.Equal(24*time.Hour, jobs[0].Interval)
	require.Equal(protocol.EventScheduledAcquireStatus, jobs[1].Event)
	require.True(jobs[1].RunNow)

	opts, err := cfg.DriverOptions(nil)
	require.NoError(err)
	require.NotEmpty(opts)

	l, err := cfg.Logger()
	require.NoError(err)
	require.NotNil(l)
}

func TestLoad_YAML(t *testing.T) {
	require := require.New(t)

	cfg, err := Load(writeFile(t, "driver.yml", yamlConfig))
	require.NoError(err)

	require.Equal("serial", cfg.Driver.Transport)
	require.Equal("/dev/ttyUSB0", cfg.Driver.Device)
	require.Equal(38400, cfg.Driver.BaudRate)
	require.Equal(500*time.Millisecond, cfg.Driver.WakeupTimeout.Duration)
	require.Nil(cfg.Driver.AutoDiscover)
	require.Equal(30, cfg.Startup["SampleInterval"])

	jobs, err := cfg.Jobs()
	require.NoError(err)
	require.Len(jobs, 1)
	require.Equal(12*time.Hour, jobs[0].Interval)

	opts, err := cfg.DriverOptions(nil)
	require.NoError(err)
	require.NotEmpty(opts)

	l, err := cfg.Logger()
	require.NoError(err)
	require.NotNil(l)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unsupported extension", "driver.json", `{}`},
		{"bad toml", "driver.toml", `[driver`},
		{"unknown toml key", "driver.toml", "[driver]\ntransport = \"tcp\"\nhost = \"h\"\nport = 1\nspeed = 3\n"},
		{"unknown yaml key", "driver.yaml", "driver:\n  transport: tcp\n  host: h\n  port: 1\n  speed: 3\n"},
		{"bad duration", "driver.yaml", "driver:\n  transport: tcp\n  host: h\n  port: 1\n  command_timeout: soon\n"},
		{"missing transport", "driver.toml", "[driver]\nhost = \"h\"\n"},
		{"tcp without port", "driver.toml", "[driver]\ntransport = \"tcp\"\nhost = \"h\"\n"},
		{"serial without device", "driver.yaml", "driver:\n  transport: serial\n"},
		{"bad level", "driver.yaml", "driver:\n  transport: serial\n  device: /dev/x\nlogging:\n  level: loud\n"},
		{"bad format", "driver.yaml", "driver:\n  transport: serial\n  device: /dev/x\nlogging:\n  format: xml\n"},
		{"unknown event", "driver.yaml", "driver:\n  transport: serial\n  device: /dev/x\nschedule:\n  - name: x\n    event: REBOOT\n    interval: 1h\n"},
		{"unschedulable event", "driver.yaml", "driver:\n  transport: serial\n  device: /dev/x\nschedule:\n  - name: x\n    event: SET\n    interval: 1h\n"},
		{"interval too short", "driver.yaml", "driver:\n  transport: serial\n  device: /dev/x\nschedule:\n  - name: x\n    event: SCHEDULED_CLOCK_SYNC\n    interval: 1ms\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			require.Error(t, err)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
		require.Error(t, err)
	})
}

func TestDuration(t *testing.T) {
	require := require.New(t)

	var d Duration
	require.NoError(d.UnmarshalText([]byte(" 1m30s ")))
	require.Equal(90*time.Second, d.Duration)

	text, err := d.MarshalText()
	require.NoError(err)
	require.Equal("1m30s", string(text))

	require.Error(d.UnmarshalText([]byte("fast")))
}
