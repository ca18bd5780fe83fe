package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/romshark/kommobridge"
	"github.com/romshark/kommobridge/kommo"
	"github.com/romshark/kommobridge/session"
	"github.com/romshark/kommobridge/source"
)

const NameIncomingMessage = "incoming_message"

// messageKeys are the payload keys that may carry the message, in order of precedence.
var messageKeys = [...]string{"message", "messages", "text", "body"}

// languageButtons maps the language selection bot's buttons to language codes.
var languageButtons = map[string]string{
	"🇮🇩 Bahasa":  "ID",
	"🇬🇧 English": "EN",
}

const (
	DefaultMessageFieldID      = 1069656
	DefaultLanguageSelectBotID = 66624

	// CommandMainMenu is the command of a session that awaits a language.
	CommandMainMenu = "main_menu"

	// MetadataCommand is the session metadata key of the current command.
	MetadataCommand = "command"
)

// IncomingMessageConfig configures IncomingMessage.
type IncomingMessageConfig struct {
	// SessionTTL is the lifetime of newly created sessions.
	SessionTTL time.Duration

	// MessageFieldID is the lead custom field receiving messages.
	// Default is DefaultMessageFieldID.
	MessageFieldID int64

	// LanguageSelectBotID is launched for leads without a session.
	// Default is DefaultLanguageSelectBotID.
	LanguageSelectBotID int64

	// ReplyBotID is launched after a message was written to the lead.
	// 0 disables the launch.
	ReplyBotID int64

	// Commands are the messages forwarded verbatim to leads whose session
	// has a language. Any other message is answered with the passport
	// prompt in the session's language.
	Commands []string
}

// IncomingMessage handles chat messages a CRM lead sent, identified by
// {"entity_id": ..., "message": ...}.
type IncomingMessage struct {
	log      *slog.Logger
	sessions Sessions
	leads    Leads
	remover  source.Remover
	crm      CRM
	conf     IncomingMessageConfig
	commands map[string]struct{}
}

// NewIncomingMessage creates the handler. crm may be nil to disable CRM sync.
func NewIncomingMessage(
	log *slog.Logger, sessions Sessions, leads Leads, remover source.Remover,
	crm CRM, conf IncomingMessageConfig,
) *IncomingMessage {
	if conf.MessageFieldID == 0 {
		conf.MessageFieldID = DefaultMessageFieldID
	}
	if conf.LanguageSelectBotID == 0 {
		conf.LanguageSelectBotID = DefaultLanguageSelectBotID
	}
	commands := make(map[string]struct{}, len(conf.Commands))
	for _, c := range conf.Commands {
		if c = strings.TrimSpace(c); c != "" {
			commands[c] = struct{}{}
		}
	}
	return &IncomingMessage{
		log:      log.With(slog.String("handler", NameIncomingMessage)),
		sessions: sessions,
		leads:    leads,
		remover:  remover,
		crm:      crm,
		conf:     conf,
		commands: commands,
	}
}

// isCommand reports whether msg is one of the configured commands.
func (h *IncomingMessage) isCommand(msg string) bool {
	_, ok := h.commands[msg]
	return ok
}

func (h *IncomingMessage) Registration() kommobridge.Registration {
	return kommobridge.Registration{
		Name:    NameIncomingMessage,
		Match:   h.Match,
		Handler: h,
	}
}

// Match reports whether payload is an object with an entity_id and a message.
func (h *IncomingMessage) Match(_ string, payload any) bool {
	m, ok := payload.(map[string]any)
	if !ok || !present(m["entity_id"]) {
		return false
	}
	return extractMessage(m) != ""
}

// extractMessage returns the first non-blank message of m.
func extractMessage(m map[string]any) string {
	for _, key := range messageKeys {
		switch v := m[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
					return strings.TrimSpace(s)
				}
			}
		}
	}
	return ""
}

// entityType resolves the salesbot entity type of the payload, lead by default.
func entityType(m map[string]any) string {
	var raw string
	switch v := m["entity_type"].(type) {
	case string:
		raw = strings.TrimSpace(v)
	case float64:
		raw = strconv.FormatInt(int64(v), 10)
	}
	if raw == kommo.EntityTypeContact || raw == kommo.EntityTypeLead {
		return raw
	}
	if code, err := kommo.EntityTypeCode(raw); err == nil {
		return code
	}
	return kommo.EntityTypeLead
}

func (h *IncomingMessage) Handle(ctx context.Context, ev kommobridge.Event) error {
	m, _ := ev.Object()
	msg := extractMessage(m)
	entityID, ok := int64Value(m["entity_id"])
	if !ok {
		return fmt.Errorf("invalid entity_id: %v", m["entity_id"])
	}
	key := strconv.FormatInt(entityID, 10)
	log := h.log.With(slog.Int64("entity_id", entityID))

	s, err := h.sessions.Latest(ctx, key)
	switch {
	case errors.Is(err, session.ErrNotFound):
		return h.startSession(ctx, log, ev, key, entityID, entityType(m))
	case err != nil:
		return fmt.Errorf("loading session: %w", err)
	}
	log = log.With(slog.String("session_id", s.ID.String()))

	if lang, isButton := languageButtons[msg]; isButton && s.Language == "" {
		_, err := h.sessions.Update(ctx, s.ID, session.Update{
			Language: &lang,
			Metadata: map[string]any{MetadataCommand: nil},
		})
		if err != nil {
			return fmt.Errorf("setting language: %w", err)
		}
		log.Info("language selected", slog.String("language", lang))
		return archiveAndRemove(ctx, h.leads, h.remover, ev,
			NameIncomingMessage, map[string]any{
				"session_id":        s.ID.String(),
				"detected_language": lang,
			})
	}

	// Commands are only recognized once the lead picked a language.
	reply := Localize(MessagePassportPrompt, s.Language)
	isCommand := s.Language != "" && h.isCommand(msg)
	if isCommand {
		reply = msg
	}
	log.Info("incoming message",
		slog.Int("len", len(msg)),
		slog.Bool("command", isCommand))
	errRemove := archiveAndRemove(ctx, h.leads, h.remover, ev,
		NameIncomingMessage, map[string]any{
			"session_id":       s.ID.String(),
			"session_language": s.Language,
			"command":          isCommand,
		})
	if h.crm == nil {
		return errRemove
	}
	err = h.crm.UpdateLeadCustomFields(ctx, entityID,
		textField(h.conf.MessageFieldID, "Custom Message", reply))
	if err != nil {
		logCRMError(log, "writing message to crm lead", err)
		return errRemove
	}
	if h.conf.ReplyBotID != 0 {
		h.launch(ctx, log, h.conf.ReplyBotID, entityID, entityType(m))
	}
	return errRemove
}

// startSession creates a session awaiting a language and launches
// the language selection bot.
func (h *IncomingMessage) startSession(
	ctx context.Context, log *slog.Logger, ev kommobridge.Event,
	key string, entityID int64, entityType string,
) error {
	s, err := h.sessions.Create(ctx, session.CreateParams{
		UserID: &key,
		TTL:    h.conf.SessionTTL,
		Metadata: map[string]any{
			MetadataCommand: CommandMainMenu,
			MetadataLeadID:  entityID,
		},
	})
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	log.Info("session started", slog.String("session_id", s.ID.String()))
	errRemove := archiveAndRemove(ctx, h.leads, h.remover, ev,
		NameIncomingMessage, map[string]any{
			"new_session_created": true,
			"new_session_id":      s.ID.String(),
		})
	if h.crm != nil {
		h.launch(ctx, log, h.conf.LanguageSelectBotID, entityID, entityType)
	}
	return errRemove
}

func (h *IncomingMessage) launch(
	ctx context.Context, log *slog.Logger, botID, entityID int64, entityType string,
) {
	err := h.crm.LaunchSalesbot(ctx, kommo.SalesbotRun{
		BotID:      botID,
		EntityID:   entityID,
		EntityType: entityType,
	})
	if err != nil {
		logCRMError(log, "launching salesbot", err, slog.Int64("bot_id", botID))
		return
	}
	log.Info("salesbot launched", slog.Int64("bot_id", botID))
}
