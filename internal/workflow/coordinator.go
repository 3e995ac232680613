// Package workflow interprets the inbound event stream as a
// confirmation-gated, multi-phase research process and drives the
// user-facing side of it: confirmation decisions, outbound messages,
// and presentation callbacks.
package workflow

import (
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/crew-research/client/internal/channel"
	"github.com/crew-research/client/internal/wire"
)

// Chat line roles handed to the presenter.
const (
	RoleUser      = "user"
	RoleAssistant = "ai"
	RoleSystem    = "system"
)

// KV store keys used for crash-recovery state.
const (
	keyLastSession = "last_session_key"
	keyLastReport  = "last_research_payload"
)

const (
	defaultFollowUpDelay = 1500 * time.Millisecond
	defaultWaitInterval  = 300 * time.Millisecond
	defaultWaitAttempts  = 10
)

const followUpText = "🎯 Harika! Araştırma raporunuz hazır. Yukarıdaki **'Detaylı Raporu Görüntüle'** butonuna tıklayarak tüm bulgularımızı inceleyebilirsiniz. \n\n💡 Takıldığınız yerler olursa benimle birlikte raporu inceleyelim! Herhangi bir konuyu daha detayına inmek isterseniz, sadece sorun - birlikte çalışabiliriz! 🤝"

// Sub-topic progress is announced inside free-form agent-to-agent
// messages; these are the two literal shapes the server emits.
var (
	subTopicRunningRe   = regexp.MustCompile(`Alt başlık \d+/\d+ detaylandırılıyor: (.+)`)
	subTopicCompletedRe = regexp.MustCompile(`'(.+)' detaylandırıldı`)
)

// Conn is the outbound side of the connection the coordinator drives.
// *channel.Channel satisfies it.
type Conn interface {
	Send(message any) bool
	Rebind(sessionKey string)
	AdoptSessionKey(sessionKey string)
	SessionKey() string
	WaitForOpen(interval time.Duration, maxAttempts int) bool
}

// Presenter receives render requests. Implementations live in the
// presentation layer; all methods are called outside the coordinator's
// state lock, so a presenter may call back into the coordinator
// synchronously (the confirmation continuation in particular).
type Presenter interface {
	ConnectionState(state channel.State)
	ChatLine(text, role string)
	ConfirmationPrompt(question string, respond func(confirmed bool))
	StepChanged(step Step)
	SubTopicChanged(topic SubTopic)
	ReportReady(data []byte)
}

// KV is the optional durable store for crash-recovery state.
type KV interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
}

// Config holds coordinator configuration. Zero values fall back to
// defaults; Store may stay nil.
type Config struct {
	Store         KV
	FollowUpDelay time.Duration
	WaitInterval  time.Duration
	WaitAttempts  int
}

// Coordinator consumes inbound events and maintains the workflow state.
type Coordinator struct {
	conn      Conn
	presenter Presenter
	store     KV

	followUpDelay time.Duration
	waitInterval  time.Duration
	waitAttempts  int

	mu         sync.Mutex
	state      State
	sessionKey string

	// afterFunc schedules the completion follow-up; replaced in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// effect is presentation or I/O work deferred until the state lock is
// released.
type effect func()

// New creates a coordinator in the Idle phase with empty lists.
func New(conn Conn, presenter Presenter, cfg Config) *Coordinator {
	if cfg.FollowUpDelay == 0 {
		cfg.FollowUpDelay = defaultFollowUpDelay
	}
	if cfg.WaitInterval == 0 {
		cfg.WaitInterval = defaultWaitInterval
	}
	if cfg.WaitAttempts == 0 {
		cfg.WaitAttempts = defaultWaitAttempts
	}

	return &Coordinator{
		conn:          conn,
		presenter:     presenter,
		store:         cfg.Store,
		followUpDelay: cfg.FollowUpDelay,
		waitInterval:  cfg.WaitInterval,
		waitAttempts:  cfg.WaitAttempts,
		state:         newState(),
		afterFunc:     time.AfterFunc,
	}
}

// Snapshot returns a deep copy of the current workflow state.
func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// SessionKey returns the logical conversation key the coordinator is
// bound to.
func (c *Coordinator) SessionKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey
}

// HandleConnectionState forwards connection lifecycle changes to the
// presenter. Wire it to the channel's OnStateChange callback.
func (c *Coordinator) HandleConnectionState(s channel.State) {
	c.presenter.ConnectionState(s)
}

// HandleEvent applies one inbound event to the workflow state. Wire it
// to the channel's OnEvent callback. Malformed or out-of-order input
// degrades to a no-op; this method never panics on untrusted streams.
func (c *Coordinator) HandleEvent(msg *wire.Message) {
	if msg == nil {
		return
	}

	c.mu.Lock()
	effects := c.apply(msg)
	c.mu.Unlock()

	for _, fx := range effects {
		fx()
	}
}

// apply is the event reducer. It mutates state under the caller-held
// lock and returns the deferred presentation and I/O effects.
func (c *Coordinator) apply(msg *wire.Message) []effect {
	switch msg.Type {
	case wire.TypeConfirmationRequest:
		return c.applyConfirmationRequest(msg)
	case wire.TypeCrewResearchStart, wire.TypeMainSteps:
		return c.applyResearchStart(msg)
	case wire.TypeMainStepUpdate:
		return c.applyMainStepUpdate(msg.StepID, msg.Status)
	case wire.TypeWorkflowMessage:
		return c.applyWorkflowMessage(msg)
	case wire.TypeA2AMessage:
		return c.applyA2AMessage(msg)
	case wire.TypeSubTopicsFound, wire.TypeSubTopicsInitialized:
		return c.applySubTopics(msg)
	case wire.TypeSubTopicProgress:
		return c.applySubTopicUpdate(msg.SubTopic, msg.Status, msg.Content)
	case wire.TypeSubTopicUpdate:
		return c.applySubTopicUpdate(msg.TopicTitle, msg.Status, msg.Content)
	case wire.TypeResearchCompleted:
		return c.applyResearchCompleted(msg)
	case wire.TypeConnectionEstablished:
		return c.applyConnectionEstablished(msg)
	case wire.TypeAIResponse:
		if text := strings.TrimSpace(msg.Message); text != "" {
			return []effect{c.chatLine(text, RoleAssistant)}
		}
		return nil
	case wire.TypeMessage, wire.TypeSystem:
		if text := strings.TrimSpace(msg.Content); text != "" {
			role := RoleAssistant
			if msg.Type == wire.TypeSystem {
				role = RoleSystem
			}
			return []effect{c.chatLine(text, role)}
		}
		return nil
	case wire.TypeRAGFound:
		if msg.Message != "" {
			return []effect{c.chatLine(msg.Message, RoleSystem)}
		}
		return nil
	case wire.TypeError:
		return []effect{c.chatLine("❌ Hata: "+msg.Text(), RoleSystem)}
	case wire.TypePong:
		// Liveness is tracked by the channel.
		return nil
	default:
		// Unknown tags are not dropped: if they carry a readable
		// message they still reach the user.
		log.Printf("workflow: unknown message type %q", msg.Type)
		if text := strings.TrimSpace(msg.Text()); text != "" {
			return []effect{c.chatLine(text, RoleAssistant)}
		}
		return nil
	}
}

func (c *Coordinator) applyConfirmationRequest(msg *wire.Message) []effect {
	if c.state.Phase != PhaseIdle {
		return nil
	}

	topic := msg.Topic
	if topic == "" {
		topic = msg.Content
	}
	c.state.ConfirmationPending = true
	c.state.PendingTopic = topic
	c.state.Phase = PhaseWaitingConfirmation

	question := msg.Content
	if question == "" {
		question = msg.Message
	}
	return []effect{func() {
		c.presenter.ConfirmationPrompt(question, func(confirmed bool) {
			c.ResolveConfirmation(confirmed)
		})
	}}
}

// ResolveConfirmation records the user's yes/no decision on the pending
// research confirmation. A no-op unless a confirmation is pending.
func (c *Coordinator) ResolveConfirmation(confirmed bool) {
	c.mu.Lock()
	if !c.state.ConfirmationPending {
		c.mu.Unlock()
		return
	}
	c.state.ConfirmationPending = false

	var topic *string
	if c.state.PendingTopic != "" {
		t := c.state.PendingTopic
		topic = &t
	}
	if confirmed {
		c.state.Phase = PhaseResearching
	} else {
		c.state.Phase = PhaseIdle
		c.state.PendingTopic = ""
	}
	c.mu.Unlock()

	if confirmed {
		c.presenter.ChatLine("Evet, başlat.", RoleUser)
	} else {
		c.presenter.ChatLine("Hayır, teşekkürler.", RoleUser)
	}

	c.conn.Send(wire.NewConfirmationResponse(confirmed, topic))

	if confirmed {
		c.presenter.ChatLine("🔍 CrewAI araştırması başlatılıyor...", RoleSystem)
	} else {
		c.presenter.ChatLine("Araştırma iptal edildi. Başka bir konuda yardımcı olabilirim.", RoleAssistant)
	}
}

func (c *Coordinator) applyResearchStart(msg *wire.Message) []effect {
	if c.state.Phase != PhaseResearching {
		return nil
	}

	if len(msg.Steps) > 0 {
		steps := make([]Step, 0, len(msg.Steps))
		for _, s := range msg.Steps {
			steps = append(steps, Step{ID: s.ID, Title: s.Title, Agent: s.Agent, Status: StatusPending})
		}
		c.state.Steps = steps
	} else {
		c.state.Steps = defaultSteps()
	}

	effects := make([]effect, 0, len(c.state.Steps)+1)
	for _, step := range c.state.Steps {
		effects = append(effects, c.stepChanged(step))
	}
	if msg.Message != "" {
		effects = append(effects, c.chatLine(msg.Message, RoleSystem))
	}
	return effects
}

func (c *Coordinator) applyMainStepUpdate(stepID, status string) []effect {
	for i := range c.state.Steps {
		if c.state.Steps[i].ID == stepID {
			c.state.Steps[i].Status = normalizeStatus(status)
			return []effect{c.stepChanged(c.state.Steps[i])}
		}
	}
	// Unknown step id: nothing visibly changes.
	return nil
}

func (c *Coordinator) applyWorkflowMessage(msg *wire.Message) []effect {
	stepID, ok := agentSteps[msg.Agent]
	if !ok {
		return nil
	}

	status := string(StatusRunning)
	if strings.Contains(msg.Message, "tamamland") || strings.Contains(msg.Message, "✅") {
		status = string(StatusCompleted)
	}

	effects := c.applyMainStepUpdate(stepID, status)
	if showInChat(msg) && msg.Message != "" {
		effects = append(effects, c.chatLine(msg.Message, RoleSystem))
	}
	return effects
}

func (c *Coordinator) applyA2AMessage(msg *wire.Message) []effect {
	var effects []effect
	if strings.Contains(msg.Message, "detaylandırılıyor") {
		if m := subTopicRunningRe.FindStringSubmatch(msg.Message); m != nil {
			effects = c.applySubTopicUpdate(m[1], string(StatusRunning), "")
		}
	} else if strings.Contains(msg.Message, "detaylandırıldı") {
		if m := subTopicCompletedRe.FindStringSubmatch(msg.Message); m != nil {
			effects = c.applySubTopicUpdate(m[1], string(StatusCompleted), "")
		}
	}

	if showInChat(msg) && msg.Message != "" {
		effects = append(effects, c.chatLine(msg.Message, RoleSystem))
	}
	return effects
}

func (c *Coordinator) applySubTopics(msg *wire.Message) []effect {
	if c.state.Phase != PhaseResearching {
		return nil
	}

	topics := make([]SubTopic, 0, len(msg.SubTopics))
	for i, ref := range msg.SubTopics {
		title := ref.Title
		if title == "" {
			title = fmt.Sprintf("Konu %d", i+1)
		}
		topics = append(topics, SubTopic{
			ID:     fmt.Sprintf("subtopic-%d", i),
			Title:  title,
			Status: StatusPending,
		})
	}
	c.state.SubTopics = topics

	effects := make([]effect, 0, len(topics)+1)
	for _, topic := range topics {
		effects = append(effects, c.subTopicChanged(topic))
	}
	if msg.Type == wire.TypeSubTopicsFound && msg.Message != "" {
		effects = append(effects, c.chatLine(msg.Message, RoleSystem))
	}
	return effects
}

func (c *Coordinator) applySubTopicUpdate(title, status, content string) []effect {
	topic := c.findSubTopic(title)
	if topic == nil {
		// Title not present: no throw, no partial mutation.
		return nil
	}

	topic.Status = normalizeStatus(status)
	if content != "" {
		topic.Content = content
	}

	effects := []effect{c.subTopicChanged(*topic)}
	// Derived completion: all sub-topics done means the report is ready
	// even if research_completed never arrives.
	if c.allSubTopicsCompleted() {
		effects = append(effects, c.maybeShowReport()...)
	}
	return effects
}

// findSubTopic resolves an inbound title reference to a sub-topic: first
// exact, case-sensitive title match wins. Server progress events carry
// display titles rather than ids; keep this the single place that
// implements the correlation so it can be swapped for id matching if the
// protocol ever grows one.
func (c *Coordinator) findSubTopic(title string) *SubTopic {
	for i := range c.state.SubTopics {
		if c.state.SubTopics[i].Title == title {
			return &c.state.SubTopics[i]
		}
	}
	return nil
}

func (c *Coordinator) allSubTopicsCompleted() bool {
	if len(c.state.SubTopics) == 0 {
		return false
	}
	for _, t := range c.state.SubTopics {
		if t.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (c *Coordinator) applyResearchCompleted(msg *wire.Message) []effect {
	if c.state.Phase != PhaseResearching {
		return nil
	}
	c.state.Phase = PhaseCompleted
	if msg.ResearchData != nil {
		c.state.ResearchData = msg.ResearchData
	}

	var effects []effect

	// The final step is marked completed unconditionally, even when its
	// own completion was never reported upstream.
	if n := len(c.state.Steps); n > 0 {
		c.state.Steps[n-1].Status = StatusCompleted
		effects = append(effects, c.stepChanged(c.state.Steps[n-1]))
	}

	effects = append(effects, c.maybeShowReport()...)

	if c.store != nil && msg.ResearchData != nil {
		data := append([]byte(nil), msg.ResearchData...)
		effects = append(effects, func() {
			if err := c.store.Put(keyLastReport, data); err != nil {
				log.Printf("workflow: persist research payload: %v", err)
			}
		})
	}

	if msg.Message != "" {
		effects = append(effects, c.chatLine(msg.Message, RoleSystem))
	}

	effects = append(effects, func() {
		c.afterFunc(c.followUpDelay, func() {
			c.presenter.ChatLine(followUpText, RoleAssistant)
		})
	})
	return effects
}

// maybeShowReport fires the report-ready affordance exactly once per
// workflow, whichever of the two completion paths gets there first.
func (c *Coordinator) maybeShowReport() []effect {
	if c.state.ReportShown {
		return nil
	}
	c.state.ReportShown = true
	data := append([]byte(nil), c.state.ResearchData...)
	return []effect{func() { c.presenter.ReportReady(data) }}
}

func (c *Coordinator) applyConnectionEstablished(msg *wire.Message) []effect {
	if msg.ChatID == "" || msg.ChatID == "default" {
		return nil
	}
	c.sessionKey = msg.ChatID

	key := msg.ChatID
	return []effect{func() {
		c.conn.AdoptSessionKey(key)
		if c.store != nil {
			if err := c.store.Put(keyLastSession, []byte(key)); err != nil {
				log.Printf("workflow: persist session key: %v", err)
			}
		}
	}}
}

// SendUserMessage sends a chat message from the user. If the logical
// session has changed since the channel last connected, the channel is
// rebound first and the send waits for the connection with a bounded
// poll; an explicit system chat line reports failure to the user.
func (c *Coordinator) SendUserMessage(text string, forceWebResearch bool) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	c.mu.Lock()
	key := c.sessionKey
	c.mu.Unlock()

	if key != "" && c.conn.SessionKey() != key {
		c.conn.Rebind(key)
		if !c.conn.WaitForOpen(c.waitInterval, c.waitAttempts) {
			c.presenter.ChatLine("❌ Bağlantı kurulamadı. Lütfen tekrar deneyin.", RoleSystem)
			return false
		}
	}

	c.presenter.ChatLine(text, RoleUser)
	if !c.conn.Send(wire.NewUserMessage(text, forceWebResearch)) {
		c.presenter.ChatLine("❌ Mesaj gönderilemedi. Lütfen tekrar deneyin.", RoleSystem)
		return false
	}
	return true
}

// StartSession resets the workflow state for a new logical conversation
// and rebinds the channel to it. An empty key starts an unscoped
// session.
func (c *Coordinator) StartSession(sessionKey string) {
	c.mu.Lock()
	c.state = newState()
	c.sessionKey = sessionKey
	c.mu.Unlock()

	if c.store != nil && sessionKey != "" {
		if err := c.store.Put(keyLastSession, []byte(sessionKey)); err != nil {
			log.Printf("workflow: persist session key: %v", err)
		}
	}
	c.conn.Rebind(sessionKey)
}

// RestoreFromStore loads the last session key and research payload from
// the KV store, if present. Returns the restored session key, empty when
// nothing was stored. Safe to call with no store configured.
func (c *Coordinator) RestoreFromStore() string {
	if c.store == nil {
		return ""
	}

	key, err := c.store.Get(keyLastSession)
	if err != nil {
		key = nil
	}
	report, err := c.store.Get(keyLastReport)
	if err != nil {
		report = nil
	}

	c.mu.Lock()
	if len(key) > 0 {
		c.sessionKey = string(key)
	}
	if len(report) > 0 {
		c.state.ResearchData = report
	}
	restored := c.sessionKey
	c.mu.Unlock()
	return restored
}

func (c *Coordinator) chatLine(text, role string) effect {
	return func() { c.presenter.ChatLine(text, role) }
}

func (c *Coordinator) stepChanged(step Step) effect {
	return func() { c.presenter.StepChanged(step) }
}

func (c *Coordinator) subTopicChanged(topic SubTopic) effect {
	return func() { c.presenter.SubTopicChanged(topic) }
}

func showInChat(msg *wire.Message) bool {
	return msg.ShowInChat == nil || *msg.ShowInChat
}
