package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joeycumines/go-mainloop/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lineWriter reports each complete line written to it.
type lineWriter struct {
	mu    sync.Mutex
	buf   []byte
	lines chan string
}

func (x *lineWriter) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.buf = append(x.buf, p...)
	for {
		i := bytes.IndexByte(x.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		select {
		case x.lines <- string(x.buf[:i]):
		default:
		}
		x.buf = x.buf[i+1:]
	}
}

// startServer runs serve until the test ends, returning the bound address.
func startServer(t *testing.T, args ...string) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := &lineWriter{lines: make(chan string, 1)}
	root := NewRootCommand()
	root.SetArgs(append([]string{"serve"}, args...))
	root.SetOut(out)
	root.SetErr(io.Discard)

	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	select {
	case addr := <-out.lines:
		return addr
	case err := <-done:
		done <- err
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not start")
	}
	return ""
}

func run(args ...string) (string, error) {
	var out bytes.Buffer
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.Execute()
	return strings.TrimSpace(out.String()), err
}

func TestServeAndSend(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
	}{
		{"tcp msg", []string{"--address", "tcp4:127.0.0.1:0", "--mode", "msg"}},
		{"unix stream raw", []string{"--address", "unxs:@mainloopctl-test-" + uuid.NewString(), "--mode", "raw"}},
		{"udp data", []string{"--address", "udp4:127.0.0.1:0", "--mode", "data"}},
		{"unix dgram msg", []string{"--address", "unxd:@mainloopctl-test-" + uuid.NewString(), "--mode", "msg"}},
		{"bus msg", []string{"--address", "dbus:session@org.example.MainloopctlTest/echo", "--bus", "mem", "--mode", "msg"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			addr := startServer(t, append(tc.args, "--log-level", "debug")...)
			require.NotEmpty(t, addr)

			args := append([]string{"send"}, tc.args...)
			args = append(args, "--address", addr, "hello", "world")
			reply, err := run(args...)
			require.NoError(t, err)
			assert.Equal(t, "hello world", reply)
		})
	}
}

func TestSend_config(t *testing.T) {
	addr := startServer(t, "--address", "tcp4:127.0.0.1:0", "--mode", "data")
	path := filepath.Join(t.TempDir(), "mainloopctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "warning"

[transport]
address = "`+addr+`"
mode = "data"
`), 0o600))

	reply, err := run("send", "--config", path, "from config")
	require.NoError(t, err)
	assert.Equal(t, "from config", reply)
}

func TestSend_noOwner(t *testing.T) {
	_, err := run("send", "--bus", "mem", "--address", "dbus:session@org.example.Nobody/echo", "hello")
	assert.ErrorIs(t, err, bus.ErrNoOwner)
}

func TestSend_invalidFlags(t *testing.T) {
	_, err := run("send", "--mode", "json", "hello")
	assert.ErrorContains(t, err, `unknown mode "json"`)

	_, err = run("send", "--config", filepath.Join(t.TempDir(), "missing.toml"), "hello")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = run("send", "--mode", "msg")
	assert.Error(t, err, "text is required")
}
