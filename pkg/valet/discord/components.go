// components.go routes button interactions to registered handlers. Each
// approval or inquiry message registers its buttons here; a cleanup loop
// expires entries whose TTL has passed so stale buttons stop responding.
package discord

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

// InteractionEvent describes a button press.
type InteractionEvent struct {
	CustomID  string
	UserID    string
	ChannelID string
	MessageID string
}

// ComponentHandler handles one press. A non-empty reply is sent as an
// ephemeral follow-up; an empty reply just acknowledges the press.
type ComponentHandler func(ctx context.Context, evt *InteractionEvent) (string, error)

// ComponentSpec describes a registered component.
type ComponentSpec struct {
	// AllowedUsers restricts who may press the button. Empty allows anyone.
	AllowedUsers []string

	// TTL expires the registration. Zero means no expiry.
	TTL time.Duration

	Handler ComponentHandler
}

type componentEntry struct {
	spec      ComponentSpec
	expiresAt time.Time
}

// ComponentRegistry maps custom ids to handlers.
type ComponentRegistry struct {
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]componentEntry
	stop    chan struct{}
	once    sync.Once
}

// NewComponentRegistry starts the registry and its cleanup loop.
func NewComponentRegistry(logger *slog.Logger) *ComponentRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &ComponentRegistry{
		logger:  logger,
		entries: make(map[string]componentEntry),
		stop:    make(chan struct{}),
	}
	go r.cleanupLoop()
	return r
}

// Register binds a custom id to a handler.
func (r *ComponentRegistry) Register(customID string, spec ComponentSpec) {
	entry := componentEntry{spec: spec}
	if spec.TTL > 0 {
		entry.expiresAt = time.Now().Add(spec.TTL)
	}
	r.mu.Lock()
	r.entries[customID] = entry
	r.mu.Unlock()
}

// Unregister removes a binding.
func (r *ComponentRegistry) Unregister(customID string) {
	r.mu.Lock()
	delete(r.entries, customID)
	r.mu.Unlock()
}

// Lookup fetches an unexpired handler the given user may invoke.
func (r *ComponentRegistry) Lookup(customID, userID string) (ComponentHandler, bool) {
	r.mu.Lock()
	entry, ok := r.entries[customID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		r.Unregister(customID)
		return nil, false
	}
	if len(entry.spec.AllowedUsers) > 0 {
		allowed := false
		for _, u := range entry.spec.AllowedUsers {
			if u == userID {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, false
		}
	}
	return entry.spec.Handler, true
}

// Stop halts the cleanup loop.
func (r *ComponentRegistry) Stop() {
	r.once.Do(func() { close(r.stop) })
}

func (r *ComponentRegistry) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			now := time.Now()
			r.mu.Lock()
			for id, entry := range r.entries {
				if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
					delete(r.entries, id)
				}
			}
			r.mu.Unlock()
		}
	}
}

// onInteractionCreate dispatches button presses to the registry.
func (s *Surface) onInteractionCreate(sess *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	data := i.MessageComponentData()
	userID := interactionUserID(i)

	handler, ok := s.components.Lookup(data.CustomID, userID)
	if !ok {
		s.respondEphemeral(sess, i, "This button is no longer active.")
		return
	}

	// Acknowledge immediately; Discord gives 3 seconds.
	err := sess.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredMessageUpdate,
	})
	if err != nil {
		s.logger.Warn("interaction ack failed", "custom_id", data.CustomID, "error", err)
	}

	evt := &InteractionEvent{
		CustomID:  data.CustomID,
		UserID:    userID,
		ChannelID: i.ChannelID,
	}
	if i.Message != nil {
		evt.MessageID = i.Message.ID
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		reply, err := handler(ctx, evt)
		if err != nil {
			s.logger.Error("component handler failed", "custom_id", data.CustomID, "error", err)
			reply = "Something went wrong handling that button."
		}
		if reply != "" {
			s.followUpEphemeral(sess, i, reply)
		}
	}()
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func (s *Surface) respondEphemeral(sess *discordgo.Session, i *discordgo.InteractionCreate, text string) {
	err := sess.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: text,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		s.logger.Debug("ephemeral respond failed", "error", err)
	}
}

func (s *Surface) followUpEphemeral(sess *discordgo.Session, i *discordgo.InteractionCreate, text string) {
	_, err := sess.FollowupMessageCreate(i.Interaction, false, &discordgo.WebhookParams{
		Content: text,
		Flags:   discordgo.MessageFlagsEphemeral,
	})
	if err != nil {
		s.logger.Debug("ephemeral follow-up failed", "error", err)
	}
}
