package devserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/crew-research/client/internal/channel"
	"github.com/crew-research/client/internal/wire"
	"github.com/crew-research/client/internal/workflow"
)

// testPresenter implements workflow.Presenter and auto-accepts any
// confirmation prompt.
type testPresenter struct {
	mu      sync.Mutex
	chat    []string
	prompts int
	reports [][]byte
	confirm bool
}

func (p *testPresenter) ConnectionState(s channel.State) {}

func (p *testPresenter) ChatLine(text, role string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chat = append(p.chat, text)
}

func (p *testPresenter) ConfirmationPrompt(question string, respond func(bool)) {
	p.mu.Lock()
	p.prompts++
	confirm := p.confirm
	p.mu.Unlock()
	respond(confirm)
}

func (p *testPresenter) StepChanged(step workflow.Step)          {}
func (p *testPresenter) SubTopicChanged(topic workflow.SubTopic) {}

func (p *testPresenter) ReportReady(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, append([]byte(nil), data...))
}

func (p *testPresenter) reportCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reports)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

// newClient wires a real channel and coordinator against origin, the way
// the CLI does.
func newClient(origin string, presenter *testPresenter) (*channel.Channel, *workflow.Coordinator) {
	var coord *workflow.Coordinator
	ch := channel.New(channel.Config{
		Origin:        origin,
		ReconnectBase: 50 * time.Millisecond,
	}, channel.Callbacks{
		OnStateChange: func(s channel.State) { coord.HandleConnectionState(s) },
		OnEvent:       func(msg *wire.Message) { coord.HandleEvent(msg) },
	})
	coord = workflow.New(ch, presenter, workflow.Config{
		WaitInterval: 20 * time.Millisecond,
		WaitAttempts: 50,
	})
	return ch, coord
}

func TestHealthEndpoint(t *testing.T) {
	srv := httptest.NewServer(New(nil).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestEndToEndResearchRun(t *testing.T) {
	// Scripted backend: a user message triggers a confirmation request;
	// an accepted confirmation plays a full research run.
	server := New(func(sess *Session, msg *wire.Message) {
		switch msg.Type {
		case wire.TypeUserMessage:
			sess.Send(wire.Message{
				Type:    wire.TypeConfirmationRequest,
				Topic:   "Kuantum Bilgisayarlar",
				Content: "Bu konuda araştırma başlatılsın mı?",
			})
		case wire.TypeConfirmationResponse:
			if msg.Confirmed == nil || !*msg.Confirmed {
				return
			}
			sess.Send(wire.Message{Type: wire.TypeCrewResearchStart})
			sess.Send(wire.Message{
				Type:      wire.TypeSubTopicsFound,
				SubTopics: []wire.TopicRef{{Title: "Tarihçe"}, {Title: "Uygulamalar"}},
			})
			sess.Send(wire.Message{Type: wire.TypeSubTopicProgress, SubTopic: "Tarihçe", Status: "completed"})
			sess.Send(wire.Message{Type: wire.TypeSubTopicUpdate, TopicTitle: "Uygulamalar", Status: "completed"})
			sess.Send(wire.Message{
				Type:         wire.TypeResearchCompleted,
				ResearchData: json.RawMessage(`{"konu":"Kuantum Bilgisayarlar"}`),
			})
		}
	})
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	presenter := &testPresenter{confirm: true}
	ch, coord := newClient(srv.URL, presenter)
	defer ch.Close()

	ch.Connect("")
	if !ch.WaitForOpen(20*time.Millisecond, 100) {
		t.Fatal("channel did not open")
	}

	if !coord.SendUserMessage("Kuantum bilgisayarlar hakkında araştırma yap", false) {
		t.Fatal("user message failed to send")
	}

	eventually(t, func() bool { return coord.Snapshot().Phase == workflow.PhaseCompleted }, "research run did not complete")

	snap := coord.Snapshot()
	if len(snap.SubTopics) != 2 {
		t.Fatalf("expected 2 sub-topics, got %d", len(snap.SubTopics))
	}
	for _, topic := range snap.SubTopics {
		if topic.Status != workflow.StatusCompleted {
			t.Errorf("sub-topic %q must be completed, got %s", topic.Title, topic.Status)
		}
	}
	if string(snap.ResearchData) != `{"konu":"Kuantum Bilgisayarlar"}` {
		t.Errorf("unexpected research data: %s", snap.ResearchData)
	}
	if got := presenter.reportCount(); got != 1 {
		t.Errorf("report must fire exactly once, got %d", got)
	}

	presenter.mu.Lock()
	prompts := presenter.prompts
	presenter.mu.Unlock()
	if prompts != 1 {
		t.Errorf("expected one confirmation prompt, got %d", prompts)
	}
}

func TestSessionKeyRouting(t *testing.T) {
	server := New(nil)
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	presenter := &testPresenter{}
	ch, coord := newClient(srv.URL, presenter)
	defer ch.Close()

	ch.Connect("sess-abc")
	if !ch.WaitForOpen(20*time.Millisecond, 100) {
		t.Fatal("channel did not open")
	}

	eventually(t, func() bool {
		sessions := server.Sessions()
		return len(sessions) == 1 && sessions[0].Key() == "sess-abc"
	}, "server did not see the session key")

	// The server's connection_established echo carries the key back.
	eventually(t, func() bool { return coord.SessionKey() == "sess-abc" }, "coordinator did not adopt the session key")
}

func TestKeepalivePingPong(t *testing.T) {
	server := New(nil)
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	ch := channel.New(channel.Config{
		Origin:            srv.URL,
		KeepaliveInterval: 30 * time.Millisecond,
	}, channel.Callbacks{})
	defer ch.Close()

	ch.Connect("")
	if !ch.WaitForOpen(20*time.Millisecond, 100) {
		t.Fatal("channel did not open")
	}
	before := ch.LastPong()

	eventually(t, func() bool { return ch.LastPong().After(before) }, "pong never arrived")
}

func TestReconnectAfterServerRestart(t *testing.T) {
	server := New(nil)
	srv := httptest.NewServer(server.Router())
	defer srv.Close()

	ch := channel.New(channel.Config{
		Origin:        srv.URL,
		ReconnectBase: 50 * time.Millisecond,
	}, channel.Callbacks{})
	defer ch.Close()

	ch.Connect("sess-1")
	if !ch.WaitForOpen(20*time.Millisecond, 100) {
		t.Fatal("channel did not open")
	}

	server.CloseSessions()

	eventually(t, func() bool {
		return ch.State() == channel.StateOpen && len(server.Sessions()) == 1
	}, "channel did not reconnect")

	if got := server.Sessions()[0].Key(); got != "sess-1" {
		t.Errorf("reconnect must keep the session key, got %q", got)
	}
}
