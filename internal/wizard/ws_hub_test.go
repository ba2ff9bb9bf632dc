package wizard_test

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/jdai/vault-engine/internal/model"
	"github.com/jdai/vault-engine/internal/wizard"
)

func dialHub(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

// receive publishes until the client reads a message, since registration
// completes asynchronously after the handshake.
func receive(t *testing.T, conn *websocket.Conn, publish func()) wizard.Message {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	got := make(chan result, 1)
	go func() {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, data, err := conn.ReadMessage()
		got <- result{data, err}
	}()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	publish()
	for {
		select {
		case r := <-got:
			if r.err != nil {
				t.Fatalf("read: %v", r.err)
			}
			var msg wizard.Message
			if err := json.Unmarshal(r.data, &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			return msg
		case <-ticker.C:
			publish()
		}
	}
}

func TestHub_FiltersByAddress(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub := wizard.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dialHub(t, srv, "?address=0x"+strings.ToUpper(alice[2:]))
	defer conn.Close()

	bob := "0xb0b0000000000000000000000000000000000002"
	msg := receive(t, conn, func() {
		hub.PublishWizard(wizard.View{Address: bob, State: wizard.StateIdle})
		hub.PublishPosition(model.PositionView{Address: alice, State: model.ViewUnknown})
	})
	if msg.Type != wizard.MessagePosition || msg.Address != alice {
		t.Fatalf("expected alice's position, got %s for %s", msg.Type, msg.Address)
	}
	if msg.Position == nil || msg.Position.State != model.ViewUnknown {
		t.Error("expected the position view in the message")
	}

	cancel()
	<-stopped
}

func TestHub_UnfilteredReceivesAll(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	hub := wizard.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn := dialHub(t, srv, "")
	defer conn.Close()

	msg := receive(t, conn, func() {
		hub.PublishWizard(wizard.View{Address: alice, State: wizard.StateActive})
	})
	if msg.Type != wizard.MessageWizard || msg.Wizard == nil || msg.Wizard.State != wizard.StateActive {
		t.Fatalf("expected an active wizard view, got %+v", msg)
	}

	cancel()
	<-stopped

	// The hub closes every connection on shutdown.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			t.Error("expected the connection to be closed, read timed out")
		}
		break
	}
}

func TestHub_RejectsInvalidAddress(t *testing.T) {
	hub := wizard.NewHub()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?address=0x12"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", resp)
	}
}
