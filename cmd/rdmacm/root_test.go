package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rocketbitz/rdmacm-go/rdma"
)

// fabricApp returns an app whose providers all join fabric.
func fabricApp(fabric *rdma.Fabric) (*app, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	a := newApp(&stdout, &stderr)
	a.openProvider = func(string) (*rdma.Provider, error) {
		return rdma.NewSoftProvider(rdma.WithFabric(fabric)), nil
	}
	return a, &stdout, &stderr
}

func execute(ctx context.Context, a *app, args ...string) error {
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// startServer runs the server command in the background and waits until it
// listens.
func startServer(t *testing.T, fabric *rdma.Fabric, args ...string) (*bytes.Buffer, <-chan error) {
	t.Helper()
	a, stdout, _ := fabricApp(fabric)
	listening := make(chan struct{})
	a.onListen = func(net.Addr) { close(listening) }
	done := make(chan error, 1)
	go func() {
		done <- execute(context.Background(), a, append([]string{"server", "--timeout", "10s"}, args...)...)
	}()
	select {
	case <-listening:
	case err := <-done:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not start listening")
	}
	return stdout, done
}

func waitServer(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("server did not exit")
	}
}

func TestClientServerAdd(t *testing.T) {
	fabric := rdma.NewFabric()
	serverOut, done := startServer(t, fabric)

	a, stdout, _ := fabricApp(fabric)
	if err := execute(context.Background(), a, "client", "--timeout", "10s", "10.0.0.1", "10.0.0.2", "20079", "3", "4"); err != nil {
		t.Fatalf("client: %v", err)
	}
	if got := stdout.String(); got != "7\n" {
		t.Fatalf("unexpected client output %q", got)
	}
	waitServer(t, done)
	if got := serverOut.String(); got != "3 + 4 = 7\n" {
		t.Fatalf("unexpected server output %q", got)
	}
}

func TestReadTest(t *testing.T) {
	fabric := rdma.NewFabric()
	serverOut, done := startServer(t, fabric, "--mode", "read")

	a, stdout, _ := fabricApp(fabric)
	if err := execute(context.Background(), a, "read-test", "10.0.0.1", "10.0.0.2", "20079"); err != nil {
		t.Fatalf("read-test: %v", err)
	}
	if got := stdout.String(); got != "2\n" {
		t.Fatalf("unexpected read-test output %q", got)
	}
	waitServer(t, done)
	if got := serverOut.String(); got != "2\n" {
		t.Fatalf("unexpected server output %q", got)
	}
}

func TestReadTestLegacyDescriptorOrder(t *testing.T) {
	fabric := rdma.NewFabric()
	serverOut, done := startServer(t, fabric, "--mode", "read", "--descriptor-order", "legacy-htonl")

	a, stdout, _ := fabricApp(fabric)
	if err := execute(context.Background(), a, "read-test", "--descriptor-order", "legacy-htonl", "10.0.0.1", "10.0.0.2", "20079"); err != nil {
		t.Fatalf("read-test: %v", err)
	}
	if got := stdout.String(); got != "2\n" {
		t.Fatalf("unexpected read-test output %q", got)
	}
	waitServer(t, done)
	if got := serverOut.String(); got != "2\n" {
		t.Fatalf("unexpected server output %q", got)
	}
}

func TestClientUnreachableFails(t *testing.T) {
	a, stdout, _ := fabricApp(rdma.NewFabric())
	err := execute(context.Background(), a, "client", "10.0.0.1", "10.0.0.2", "20079", "3", "4")
	if err == nil {
		t.Fatalf("expected failure without a server")
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected no result output, got %q", stdout.String())
	}
}

func TestClientRejectsBadArguments(t *testing.T) {
	cases := map[string][]string{
		"arg count":   {"client", "10.0.0.1", "10.0.0.2", "20079", "3"},
		"client ip":   {"client", "host", "10.0.0.2", "20079", "3", "4"},
		"ipv6 server": {"client", "10.0.0.1", "::1", "20079", "3", "4"},
		"port":        {"client", "10.0.0.1", "10.0.0.2", "70000", "3", "4"},
		"operand":     {"client", "10.0.0.1", "10.0.0.2", "20079", "-3", "4"},
		"overflow":    {"client", "10.0.0.1", "10.0.0.2", "20079", "4294967296", "4"},
		"order":       {"client", "--descriptor-order", "middle-endian", "10.0.0.1", "10.0.0.2", "20079", "3", "4"},
		"server mode": {"server", "--mode", "multiply"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			a, _, _ := fabricApp(rdma.NewFabric())
			if err := execute(context.Background(), a, args...); err == nil {
				t.Fatalf("expected error for %v", args)
			}
		})
	}
}

func TestConfigCommand(t *testing.T) {
	t.Setenv("RDMACM_LOG_LEVEL", "warn")
	dir := t.TempDir()
	path := filepath.Join(dir, "rdmacm.yaml")
	if err := os.WriteFile(path, []byte("resolve-attempts: 3\nseed: 99\nlog-level: error\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	a, stdout, _ := fabricApp(rdma.NewFabric())
	if err := execute(context.Background(), a, "config", "--config", path, "--descriptor-order", "legacy-htonl"); err != nil {
		t.Fatalf("config: %v", err)
	}
	var got settings
	if err := yaml.Unmarshal(stdout.Bytes(), &got); err != nil {
		t.Fatalf("decode output: %v\n%s", err, stdout.String())
	}
	if got.DescriptorOrder != "legacy-htonl" {
		t.Fatalf("flag did not override descriptor order: %q", got.DescriptorOrder)
	}
	if got.LogLevel != "warn" {
		t.Fatalf("environment did not override the config file: %q", got.LogLevel)
	}
	if got.ResolveAttempts != 3 || got.Seed != 99 {
		t.Fatalf("config file values missing: %+v", got)
	}
	if got.Port != 20079 || got.Provider != rdma.ProviderSoft {
		t.Fatalf("defaults missing: %+v", got)
	}
	if !strings.Contains(stdout.String(), "resolve-timeout: 5s") {
		t.Fatalf("expected resolve timeout default in output:\n%s", stdout.String())
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("info", false, &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("shown")
	_ = logger.Sync()
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected log output %q", buf.String())
	}
	if _, err := newLogger("loud", false, &buf); err == nil {
		t.Fatalf("expected invalid level error")
	}
}
