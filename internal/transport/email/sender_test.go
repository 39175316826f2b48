package email

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	logx "ffbot/pkg/logx"
)

// smtpStub accepts one plain SMTP session and records the DATA payload.
type smtpStub struct {
	ln   net.Listener
	mu   sync.Mutex
	rcpt []string
	data string
	done chan struct{}
}

func newSMTPStub(t *testing.T) *smtpStub {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := &smtpStub{ln: ln, done: make(chan struct{})}
	t.Cleanup(func() { _ = ln.Close() })
	go s.serve()
	return s
}

func (s *smtpStub) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *smtpStub) serve() {
	defer close(s.done)
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)
	reply := func(line string) { _, _ = conn.Write([]byte(line + "\r\n")) }

	reply("220 stub ESMTP")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			reply("250 stub")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			reply("250 ok")
		case strings.HasPrefix(cmd, "RCPT TO"):
			s.mu.Lock()
			s.rcpt = append(s.rcpt, strings.TrimSpace(line))
			s.mu.Unlock()
			reply("250 ok")
		case cmd == "DATA":
			reply("354 go ahead")
			var body strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" {
					break
				}
				body.WriteString(l)
			}
			s.mu.Lock()
			s.data = body.String()
			s.mu.Unlock()
			reply("250 queued")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 ok")
		}
	}
}

func TestNewSenderValidates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no host", Config{From: "bot@example.com"}},
		{"no from", Config{Host: "smtp.example.com"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewSender(tt.cfg, logx.Nop()); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	s, err := NewSender(Config{Host: "smtp.example.com", From: "bot@example.com"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if s.cfg.Port != 587 || s.cfg.Timeout != 10*time.Second {
		t.Fatalf("defaults not applied: %+v", s.cfg)
	}
}

func TestSendCanceledContext(t *testing.T) {
	t.Parallel()
	s, err := NewSender(Config{Host: "127.0.0.1", Port: 1, From: "bot@example.com"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, Message{To: "desk@example.com", Text: "x"}); err != context.Canceled {
		t.Fatalf("Send = %v, want context.Canceled", err)
	}
}

func TestSendDeliversMultipart(t *testing.T) {
	t.Parallel()
	stub := newSMTPStub(t)
	s, err := NewSender(Config{Host: "127.0.0.1", Port: stub.port(), From: "bot@example.com", Timeout: 3 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = s.Send(ctx, Message{
		To:      "desk@example.com",
		Subject: "Economic calendar",
		HTML:    "- <b>CPI</b><br>\n",
		Text:    "- CPI\n",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	<-stub.done

	stub.mu.Lock()
	defer stub.mu.Unlock()
	if len(stub.rcpt) != 1 || !strings.Contains(stub.rcpt[0], "desk@example.com") {
		t.Fatalf("rcpt = %v", stub.rcpt)
	}
	for _, want := range []string{"Subject: Economic calendar", "text/plain", "text/html", "CPI"} {
		if !strings.Contains(stub.data, want) {
			t.Fatalf("DATA missing %q:\n%s", want, stub.data)
		}
	}
}
