package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"frame-rpc/client"
	"frame-rpc/config"
	"frame-rpc/server"
)

func TestParseParams(t *testing.T) {
	params, err := parseParams(nil)
	if err != nil || params != nil {
		t.Fatalf("no args: expect nil params, got %v %v", params, err)
	}

	params, err = parseParams([]string{`42`, `"a.go"`, `{"line":3}`, `null`})
	if err != nil {
		t.Fatal(err)
	}
	out, err := json.Marshal(params)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `[42,"a.go",{"line":3},null]` {
		t.Fatalf("unexpected params %s", out)
	}

	if _, err := parseParams([]string{`a.go`}); err == nil {
		t.Fatal("expect error for a bare word")
	}
}

func TestTestDomain(t *testing.T) {
	svr := server.NewServer(config.Default())
	registerTestDomain(svr)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.Serve(ln)
	defer svr.Shutdown(context.Background())

	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	cli, err := client.Dial(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	raw, err := cli.Call(ctx, "Test", "ping")
	if err != nil || string(raw) != `"pong"` {
		t.Fatalf("ping: %s %v", raw, err)
	}
	raw, err = cli.Call(ctx, "Test", "echo", 1, "two")
	if err != nil || string(raw) != `[1,"two"]` {
		t.Fatalf("echo: %s %v", raw, err)
	}
}

func TestCallCommand(t *testing.T) {
	svr := server.NewServer(config.Default())
	registerTestDomain(svr)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.Serve(ln)
	defer svr.Shutdown(context.Background())

	t.Setenv(config.EnvLogLevel, "disabled")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{
		"call", "--host", "127.0.0.1", "--port", strconv.Itoa(ln.Addr().(*net.TCPAddr).Port),
		"Test", "echo", "42",
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if got := out.String(); got != "[42]\n" {
		t.Fatalf("unexpected output %q", got)
	}
}
