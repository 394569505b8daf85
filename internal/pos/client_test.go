package pos

import (
	"bufio"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/eencloud/goeen/log"
	"github.com/pakkaponjp/GloryMiddleware-sub000/internal/settings"
)

func testLogger() *log.Logger {
	customFormat := "{{eenTimeStamp .Now}}[{{.Level}}]: {{.Message}}"
	return log.NewContext(os.Stderr, customFormat, log.LevelError).GetLogger("test", log.LevelError)
}

type staticResolver map[string]settings.Endpoint

func (r staticResolver) Resolve(name string) (settings.Endpoint, error) {
	ep, ok := r[name]
	if !ok {
		return settings.Endpoint{}, settings.ErrUnknownTerminal
	}
	return ep, nil
}

// fakeTerminal accepts one connection, reads one line and answers with reply.
// An empty reply means accept and stay silent.
func fakeTerminal(t *testing.T, reply string) (addr string, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done = make(chan struct{})

	go func() {
		defer close(done)
		defer func() { _ = ln.Close() }()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		if _, err := bufio.NewReader(conn).ReadBytes('\n'); err != nil {
			return
		}
		if reply == "" {
			// Hold the connection open without answering.
			time.Sleep(2 * time.Second)
			return
		}
		_, _ = conn.Write([]byte(reply + "\n"))
	}()

	return ln.Addr().String(), done
}

func endpointFor(addr string, readTimeout time.Duration) settings.Endpoint {
	return settings.Endpoint{
		Terminal:       "T01",
		Addr:           addr,
		ConnectTimeout: time.Second,
		ReadTimeout:    readTimeout,
	}
}

func TestClient_SendOK(t *testing.T) {
	addr, done := fakeTerminal(t, `{"result":"OK","data":{"printed":true}}`)
	client := NewClient(staticResolver{"T01": endpointFor(addr, time.Second)}, testLogger())

	reply, err := client.Send(Request{Type: "deposit", Seq: 1, Terminal: "T01", Data: map[string]interface{}{"amount": 12000}})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !reply.OK() {
		t.Errorf("Expected OK, got %+v", reply)
	}
	<-done
}

func TestClient_SendNGIsNotOffline(t *testing.T) {
	addr, done := fakeTerminal(t, `{"result":"NG","error":"printer jam"}`)
	client := NewClient(staticResolver{"T01": endpointFor(addr, time.Second)}, testLogger())

	reply, err := client.Send(Request{Type: "close_shift", Seq: 2, Terminal: "T01"})
	if err != nil {
		t.Fatalf("An NG reply must not be an error: %v", err)
	}
	if reply.OK() {
		t.Error("Expected NG result")
	}
	if reply.Error != "printer jam" {
		t.Errorf("Expected the rejection detail, got %q", reply.Error)
	}
	<-done
}

func TestClient_ConnectionRefusedIsOffline(t *testing.T) {
	// Grab a port and close it again so nothing is listening there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	client := NewClient(staticResolver{"T01": endpointFor(addr, time.Second)}, testLogger())

	_, err = client.Send(Request{Type: "deposit", Seq: 3, Terminal: "T01"})
	if err == nil {
		t.Fatal("Expected an error for a refused connection")
	}
	if !IsOffline(err) {
		t.Errorf("Expected an offline error, got %v", err)
	}

	var offline *OfflineError
	if !errors.As(err, &offline) {
		t.Fatal("Expected an *OfflineError")
	}
	if offline.Terminal != "T01" {
		t.Errorf("Offline error lost the terminal name: %+v", offline)
	}
}

func TestClient_ReadTimeoutIsOffline(t *testing.T) {
	addr, done := fakeTerminal(t, "")
	client := NewClient(staticResolver{"T01": endpointFor(addr, 150*time.Millisecond)}, testLogger())

	start := time.Now()
	_, err := client.Send(Request{Type: "deposit", Seq: 4, Terminal: "T01"})
	if err == nil {
		t.Fatal("Expected a timeout error")
	}
	if !IsOffline(err) {
		t.Errorf("Expected an offline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Read timeout not enforced, took %v", elapsed)
	}
	<-done
}

func TestClient_GarbledReplyIsNotOffline(t *testing.T) {
	addr, done := fakeTerminal(t, "this is not json")
	client := NewClient(staticResolver{"T01": endpointFor(addr, time.Second)}, testLogger())

	_, err := client.Send(Request{Type: "deposit", Seq: 5, Terminal: "T01"})
	if err == nil {
		t.Fatal("Expected an error for a garbled reply")
	}
	if IsOffline(err) {
		t.Errorf("A garbled reply is a protocol error, not offline: %v", err)
	}
	<-done
}

func TestClient_UnknownTerminalPassesThrough(t *testing.T) {
	client := NewClient(staticResolver{}, testLogger())

	_, err := client.Send(Request{Type: "deposit", Seq: 6, Terminal: "T77"})
	if err == nil {
		t.Fatal("Expected an error for an unknown terminal")
	}
	if !errors.Is(err, settings.ErrUnknownTerminal) {
		t.Errorf("Expected ErrUnknownTerminal, got %v", err)
	}
	if IsOffline(err) {
		t.Error("An unconfigured terminal must not count as offline")
	}
}
