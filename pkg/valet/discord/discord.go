// Package discord implements the chat surface using discordgo: owner-only
// message intake, progressive message editing for the streamer, embeds
// for background pings, and button rows for tool approvals and queued
// inquiries. Automatic reconnection comes from discordgo's gateway.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/valetbot/valet/pkg/valet/agent"
	"github.com/valetbot/valet/pkg/valet/arbiter"
)

// Config holds the surface configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string

	// OwnerID is the trusted user id. Empty means detect the application
	// owner on connect.
	OwnerID string

	// ChannelID restricts intake to one channel. Empty accepts DMs and
	// any channel the owner writes in.
	ChannelID string
}

// Incoming is one owner message.
type Incoming struct {
	ID        string
	ChannelID string
	Content   string
	Timestamp time.Time
}

// Surface is the Discord connection. It implements the streamer, agent
// and arbiter surface contracts.
type Surface struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	owner     string
	connected atomic.Bool

	// activeChannel is where outbound messages go: the channel of the
	// most recent owner message, set before every agent fire.
	activeChannel atomic.Value // string

	messages   chan Incoming
	components *ComponentRegistry

	// resolve delivers approval button presses; set by the orchestrator.
	resolve func(id string, outcome arbiter.Outcome) bool

	mu        sync.Mutex
	approvals map[string]string // approval id -> message id
}

// New creates an unconnected surface.
func New(cfg Config, logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}
	l := logger.With("component", "discord")
	s := &Surface{
		cfg:        cfg,
		logger:     l,
		messages:   make(chan Incoming, 256),
		components: NewComponentRegistry(l),
		approvals:  make(map[string]string),
	}
	s.activeChannel.Store(cfg.ChannelID)
	return s
}

// SetResolver installs the approval resolver.
func (s *Surface) SetResolver(resolve func(id string, outcome arbiter.Outcome) bool) {
	s.resolve = resolve
}

// Connect opens the gateway and detects the owner.
func (s *Surface) Connect(ctx context.Context) error {
	if s.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}

	session, err := discordgo.New("Bot " + s.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	session.AddHandler(s.onMessageCreate)
	session.AddHandler(s.onInteractionCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	s.session = session
	s.connected.Store(true)

	owner := s.cfg.OwnerID
	if owner == "" {
		app, err := session.Application("@me")
		if err != nil {
			session.Close()
			return fmt.Errorf("discord: detect application owner: %w", err)
		}
		if app.Owner == nil {
			session.Close()
			return fmt.Errorf("discord: application has no owner")
		}
		owner = app.Owner.ID
	}
	s.owner = owner

	s.logger.Info("connected",
		"bot", session.State.User.Username, "owner", owner)
	return nil
}

// Disconnect closes the gateway.
func (s *Surface) Disconnect() error {
	s.components.Stop()
	s.connected.Store(false)
	if s.session != nil {
		return s.session.Close()
	}
	return nil
}

// Owner returns the trusted user id.
func (s *Surface) Owner() string { return s.owner }

// Receive returns the owner message stream.
func (s *Surface) Receive() <-chan Incoming { return s.messages }

// ActiveChannel returns the current outbound target.
func (s *Surface) ActiveChannel() string {
	ch, _ := s.activeChannel.Load().(string)
	return ch
}

// SetActiveChannel retargets outbound messages.
func (s *Surface) SetActiveChannel(channelID string) {
	s.activeChannel.Store(channelID)
}

// onMessageCreate filters intake down to the owner.
func (s *Surface) onMessageCreate(sess *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.ID == sess.State.User.ID || m.Author.Bot {
		return
	}
	if m.Author.ID != s.owner {
		return
	}
	if s.cfg.ChannelID != "" && m.ChannelID != s.cfg.ChannelID {
		return
	}

	s.SetActiveChannel(m.ChannelID)
	incoming := Incoming{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
	select {
	case s.messages <- incoming:
	default:
		s.logger.Warn("message buffer full, dropping message", "msg_id", m.ID)
	}
}

// SendMessage posts a new message and returns its id (streamer contract).
func (s *Surface) SendMessage(ctx context.Context, text string) (string, error) {
	if s.session == nil {
		return "", fmt.Errorf("discord: not connected")
	}
	msg, err := s.session.ChannelMessageSend(s.ActiveChannel(), text)
	if err != nil {
		return "", fmt.Errorf("discord: send message: %w", err)
	}
	return msg.ID, nil
}

// EditMessage replaces a message's content in place.
func (s *Surface) EditMessage(ctx context.Context, messageID, text string) error {
	if s.session == nil {
		return fmt.Errorf("discord: not connected")
	}
	_, err := s.session.ChannelMessageEdit(s.ActiveChannel(), messageID, text)
	return err
}

// Typing shows the typing indicator.
func (s *Surface) Typing(ctx context.Context) {
	if s.session == nil {
		return
	}
	if err := s.session.ChannelTyping(s.ActiveChannel()); err != nil {
		s.logger.Debug("typing indicator failed", "error", err)
	}
}

// SendText posts a plain message (agent tool contract), chunked at the
// Discord limit.
func (s *Surface) SendText(ctx context.Context, text string) error {
	for _, chunk := range splitMessage(text, maxMessageLen) {
		if _, err := s.SendMessage(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// maxMessageLen is Discord's message content limit.
const maxMessageLen = 2000

// splitMessage breaks text into chunks under limit, preferring newline
// then space boundaries.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		if i := strings.LastIndexByte(text[:limit], '\n'); i > limit/2 {
			cut = i
		} else if i := strings.LastIndexByte(text[:limit], ' '); i > limit/2 {
			cut = i
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n "))
		text = strings.TrimLeft(text[cut:], "\n ")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// SendWithButton posts a message carrying one button. The handler must
// already be registered in Components.
func (s *Surface) SendWithButton(ctx context.Context, text, customID, label string) error {
	if s.session == nil {
		return fmt.Errorf("discord: not connected")
	}
	row := discordgo.ActionsRow{
		Components: []discordgo.MessageComponent{
			discordgo.Button{CustomID: customID, Label: label, Style: discordgo.PrimaryButton},
		},
	}
	_, err := s.session.ChannelMessageSendComplex(s.ActiveChannel(), &discordgo.MessageSend{
		Content:    text,
		Components: []discordgo.MessageComponent{row},
	})
	if err != nil {
		return fmt.Errorf("discord: send message with button: %w", err)
	}
	return nil
}

// Components exposes the interaction registry.
func (s *Surface) Components() *ComponentRegistry { return s.components }

// SendEmbed posts a structured message.
func (s *Surface) SendEmbed(ctx context.Context, e agent.Embed) error {
	if s.session == nil {
		return fmt.Errorf("discord: not connected")
	}
	embed := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Description,
		Color:       e.Color,
	}
	if e.Footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: e.Footer}
	}
	for _, f := range e.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   f.Name,
			Value:  f.Value,
			Inline: f.Inline,
		})
	}
	_, err := s.session.ChannelMessageSendEmbed(s.ActiveChannel(), embed)
	if err != nil {
		return fmt.Errorf("discord: send embed: %w", err)
	}
	return nil
}

// approvalTTL is slightly above the arbiter timeout so buttons outlive
// the decision window, not the other way around.
const approvalTTL = 90 * time.Second

// PostApproval sends the APPROVE / DENY / ALWAYS row (arbiter contract).
func (s *Surface) PostApproval(ctx context.Context, id, label string) error {
	if s.session == nil {
		return fmt.Errorf("discord: not connected")
	}

	outcomes := map[string]arbiter.Outcome{
		"approve": arbiter.OutcomeApprove,
		"deny":    arbiter.OutcomeDeny,
		"always":  arbiter.OutcomeAlways,
	}
	for action, outcome := range outcomes {
		outcome := outcome
		s.components.Register(action+":"+id, ComponentSpec{
			AllowedUsers: []string{s.owner},
			TTL:          approvalTTL,
			Handler: func(ctx context.Context, evt *InteractionEvent) (string, error) {
				if s.resolve == nil || !s.resolve(id, outcome) {
					return "Request already resolved.", nil
				}
				// The arbiter finalizes the message text.
				return "", nil
			},
		})
	}

	row := discordgo.ActionsRow{
		Components: []discordgo.MessageComponent{
			discordgo.Button{CustomID: "approve:" + id, Label: "Approve", Style: discordgo.SuccessButton},
			discordgo.Button{CustomID: "deny:" + id, Label: "Deny", Style: discordgo.DangerButton},
			discordgo.Button{CustomID: "always:" + id, Label: "Always", Style: discordgo.SecondaryButton},
		},
	}
	msg, err := s.session.ChannelMessageSendComplex(s.ActiveChannel(), &discordgo.MessageSend{
		Content:    "Allow **" + label + "**?",
		Components: []discordgo.MessageComponent{row},
	})
	if err != nil {
		return fmt.Errorf("discord: post approval: %w", err)
	}

	s.mu.Lock()
	s.approvals[id] = msg.ID
	s.mu.Unlock()
	return nil
}

// FinalizeApproval rewrites the approval message with the outcome and
// strips the buttons. Best-effort.
func (s *Surface) FinalizeApproval(id, text string) {
	s.mu.Lock()
	msgID, ok := s.approvals[id]
	delete(s.approvals, id)
	s.mu.Unlock()

	for _, action := range []string{"approve", "deny", "always"} {
		s.components.Unregister(action + ":" + id)
	}
	if !ok || s.session == nil {
		return
	}

	empty := []discordgo.MessageComponent{}
	channel := s.ActiveChannel()
	_, err := s.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
		Channel:    channel,
		ID:         msgID,
		Content:    &text,
		Components: &empty,
	})
	if err != nil {
		s.logger.Warn("failed to finalize approval message", "error", err)
	}
}
