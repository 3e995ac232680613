// Command chat is a line-based terminal client for the research
// assistant. It owns the wiring: connection channel, workflow
// coordinator, durable store, and a plain-text presenter.
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/crew-research/client/internal/channel"
	"github.com/crew-research/client/internal/store"
	"github.com/crew-research/client/internal/transcript"
	"github.com/crew-research/client/internal/wire"
	"github.com/crew-research/client/internal/workflow"
)

const transcriptLines = 200

func main() {
	cfg := defaultClientConfig()
	if path := os.Getenv("CHAT_CONFIG"); path != "" {
		loaded, err := loadClientConfig(path)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	cfg.Origin = getEnv("CHAT_ORIGIN", cfg.Origin)
	cfg.DBPath = getEnv("CHAT_DB", cfg.DBPath)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	kv, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer kv.Close()

	presenter := newConsolePresenter()

	var coord *workflow.Coordinator
	ch := channel.New(channel.Config{
		Origin:               cfg.Origin,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBase:        cfg.ReconnectBase,
		MaxReconnectDelay:    cfg.MaxReconnectDelay,
		KeepaliveInterval:    cfg.KeepaliveInterval,
	}, channel.Callbacks{
		OnStateChange: func(s channel.State) { coord.HandleConnectionState(s) },
		OnEvent:       func(msg *wire.Message) { coord.HandleEvent(msg) },
		OnError:       func(err error) { log.Printf("Connection error: %v", err) },
	})
	coord = workflow.New(ch, presenter, workflow.Config{Store: kv})

	sessionKey := coord.RestoreFromStore()
	ch.Connect(sessionKey)
	defer ch.Close()

	fmt.Println("research-chat — type a message, or /help for commands")
	runInputLoop(ch, coord, presenter)
}

func runInputLoop(ch *channel.Channel, coord *workflow.Coordinator, presenter *consolePresenter) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return
		case line == "/help":
			printHelp()
		case line == "/retry":
			ch.ReconnectManually()
		case line == "/new":
			coord.StartSession(uuid.New().String())
			fmt.Println("— started new session")
		case line == "/yes":
			presenter.resolveConfirmation(true)
		case line == "/no":
			presenter.resolveConfirmation(false)
		case line == "/report":
			printReport(coord)
		case line == "/history":
			printHistory(presenter)
		case line == "/state":
			printState(ch, coord)
		case strings.HasPrefix(line, "web:"):
			coord.SendUserMessage(strings.TrimPrefix(line, "web:"), true)
		default:
			coord.SendUserMessage(line, false)
		}
	}
}

func printHelp() {
	fmt.Println(`commands:
  /yes /no      answer a pending confirmation
  /new          start a new conversation
  /retry        reconnect now
  /report       show the last research report payload
  /history      replay recent chat lines
  /state        show connection and workflow state
  /quit         exit
  web: <text>   send a message with forced web research`)
}

func printReport(coord *workflow.Coordinator) {
	snap := coord.Snapshot()
	if len(snap.ResearchData) == 0 {
		fmt.Println("— no research report available yet")
		return
	}
	fmt.Println(string(snap.ResearchData))
}

func printHistory(presenter *consolePresenter) {
	for _, l := range presenter.ring.Lines() {
		fmt.Printf("[%s] %s\n", l.Role, l.Text)
	}
}

func printState(ch *channel.Channel, coord *workflow.Coordinator) {
	snap := coord.Snapshot()
	fmt.Printf("connection: %s (session %q, %d queued)\n", ch.State(), ch.SessionKey(), ch.QueueLen())
	fmt.Printf("workflow: %s, %d steps, %d sub-topics\n", snap.Phase, len(snap.Steps), len(snap.SubTopics))
}

// consolePresenter renders chat lines and progress to stdout and keeps a
// bounded transcript for redisplay.
type consolePresenter struct {
	ring *transcript.Ring

	mu      sync.Mutex
	respond func(bool)
}

func newConsolePresenter() *consolePresenter {
	return &consolePresenter{ring: transcript.NewRing(transcriptLines)}
}

func (p *consolePresenter) resolveConfirmation(confirmed bool) {
	p.mu.Lock()
	respond := p.respond
	p.respond = nil
	p.mu.Unlock()

	if respond == nil {
		fmt.Println("— no confirmation pending")
		return
	}
	respond(confirmed)
}

func (p *consolePresenter) ConnectionState(state channel.State) {
	fmt.Printf("— connection: %s\n", state)
	if state == channel.StateClosed {
		fmt.Println("— connection lost; use /retry to reconnect")
	}
}

func (p *consolePresenter) ChatLine(text, role string) {
	p.ring.Append(text, role)
	fmt.Printf("[%s] %s\n", role, text)
}

func (p *consolePresenter) ConfirmationPrompt(question string, respond func(bool)) {
	p.mu.Lock()
	p.respond = respond
	p.mu.Unlock()
	fmt.Printf("[?] %s (/yes or /no)\n", question)
}

func (p *consolePresenter) StepChanged(step workflow.Step) {
	fmt.Printf("— step %s (%s): %s\n", step.ID, step.Title, step.Status)
}

func (p *consolePresenter) SubTopicChanged(topic workflow.SubTopic) {
	fmt.Printf("— sub-topic %q: %s\n", topic.Title, topic.Status)
}

func (p *consolePresenter) ReportReady(data []byte) {
	fmt.Println("— 🎉 research report is ready; use /report to view it")
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
