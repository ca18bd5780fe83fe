package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/romshark/kommobridge"
	"github.com/romshark/kommobridge/kommo"
	"github.com/romshark/kommobridge/session"
	"github.com/romshark/kommobridge/source"
)

const NameLanguageSelection = "language_selection"

// LanguageSelectionConfig configures LanguageSelection.
type LanguageSelectionConfig struct {
	// PathPrefix is the parent of the per-user nodes. Default is "/languages".
	PathPrefix string

	// SessionTTL is the lifetime of newly created sessions.
	SessionTTL time.Duration

	// LanguageFieldID is the lead custom field receiving the language.
	// 0 disables updating existing leads.
	LanguageFieldID int64
}

// LanguageSelection handles nodes at {PathPrefix}/{userID} carrying
// {"language": "..."}. It stores the language in the user's newest active
// session, archives and removes the node and upserts the user's CRM lead.
type LanguageSelection struct {
	log      *slog.Logger
	sessions Sessions
	leads    Leads
	remover  source.Remover
	crm      CRM
	conf     LanguageSelectionConfig
}

// NewLanguageSelection creates the handler. crm may be nil to disable CRM sync.
func NewLanguageSelection(
	log *slog.Logger, sessions Sessions, leads Leads, remover source.Remover,
	crm CRM, conf LanguageSelectionConfig,
) *LanguageSelection {
	if conf.PathPrefix == "" {
		conf.PathPrefix = "/languages"
	}
	conf.PathPrefix = source.CleanRoot(conf.PathPrefix)
	return &LanguageSelection{
		log:      log.With(slog.String("handler", NameLanguageSelection)),
		sessions: sessions,
		leads:    leads,
		remover:  remover,
		crm:      crm,
		conf:     conf,
	}
}

func (h *LanguageSelection) Registration() kommobridge.Registration {
	return kommobridge.Registration{
		Name:    NameLanguageSelection,
		Match:   h.Match,
		Handler: h,
	}
}

// userID returns the user id of a path directly below the prefix.
func (h *LanguageSelection) userID(p string) (string, bool) {
	rest, ok := strings.CutPrefix(p, h.conf.PathPrefix+"/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// Match reports whether p is a user node and payload carries a language.
func (h *LanguageSelection) Match(p string, payload any) bool {
	if _, ok := h.userID(p); !ok {
		return false
	}
	m, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	lang, _ := m["language"].(string)
	return strings.TrimSpace(lang) != ""
}

func (h *LanguageSelection) Handle(ctx context.Context, ev kommobridge.Event) error {
	userID, _ := h.userID(ev.Path)
	lang := strings.TrimSpace(ev.String("language"))
	m, _ := ev.Object()
	entityID, hasEntity := int64Value(m["entity_id"])

	s, created, err := h.upsertSession(ctx, userID, lang, entityID, hasEntity)
	if err != nil {
		// No CRM sync without a persisted session.
		return fmt.Errorf("persisting session: %w", err)
	}
	log := h.log.With(
		slog.String("user_id", userID),
		slog.String("session_id", s.ID.String()))
	log.Info("language selected",
		slog.String("language", lang),
		slog.Bool("created", created))

	errRemove := archiveAndRemove(ctx, h.leads, h.remover, ev,
		NameLanguageSelection, map[string]any{
			"session_id":      s.ID.String(),
			"language":        lang,
			"session_created": created,
		})

	if h.crm != nil {
		h.syncLead(ctx, log, s, userID, lang)
	}
	return errRemove
}

// upsertSession sets the language on the newest active session of userID
// or creates a new session if there's none.
func (h *LanguageSelection) upsertSession(
	ctx context.Context, userID, lang string, entityID int64, hasEntity bool,
) (s session.Session, created bool, err error) {
	var meta map[string]any
	if hasEntity {
		meta = map[string]any{MetadataLeadID: entityID}
	}

	for attempt := 0; ; attempt++ {
		latest, err := h.sessions.Latest(ctx, userID)
		if errors.Is(err, session.ErrNotFound) {
			break
		}
		if err != nil {
			return session.Session{}, false, err
		}
		s, err = h.sessions.Update(ctx, latest.ID, session.Update{
			Language: &lang,
			Metadata: meta,
		})
		if err == nil {
			return s, false, nil
		}
		if errors.Is(err, session.ErrConflict) && attempt == 0 {
			continue // Reload and retry once.
		}
		if errors.Is(err, session.ErrInactive) || errors.Is(err, session.ErrNotFound) {
			break // Expired or deleted in the meantime.
		}
		return session.Session{}, false, err
	}

	s, err = h.sessions.Create(ctx, session.CreateParams{
		UserID:   &userID,
		Language: lang,
		TTL:      h.conf.SessionTTL,
		Metadata: meta,
	})
	if err != nil {
		return session.Session{}, false, err
	}
	return s, true, nil
}

// syncLead updates the lead of s or creates one. Failures are only logged.
// Creating leads isn't idempotent, the new lead id is remembered in the
// session so the next selection updates instead of creating again.
func (h *LanguageSelection) syncLead(
	ctx context.Context, log *slog.Logger, s session.Session, userID, lang string,
) {
	var fields []kommo.CustomFieldValue
	if h.conf.LanguageFieldID != 0 {
		fields = []kommo.CustomFieldValue{
			textField(h.conf.LanguageFieldID, "Language", lang),
		}
	}

	if leadID, ok := s.MetadataInt64(MetadataLeadID); ok {
		if len(fields) == 0 {
			log.Debug("no language field configured, lead left unchanged",
				slog.Int64("lead_id", leadID))
			return
		}
		if err := h.crm.UpdateLeadCustomFields(ctx, leadID, fields...); err != nil {
			logCRMError(log, "updating crm lead", err, slog.Int64("lead_id", leadID))
			return
		}
		log.Info("crm lead updated", slog.Int64("lead_id", leadID))
		return
	}

	ids, err := h.crm.CreateLeads(ctx, kommo.Lead{
		Name:               userID,
		CustomFieldsValues: fields,
	})
	if err != nil {
		logCRMError(log, "creating crm lead", err)
		return
	}
	if len(ids) == 0 {
		log.Error("crm returned no lead id")
		return
	}
	log.Info("crm lead created", slog.Int64("lead_id", ids[0]))

	_, err = h.sessions.Update(ctx, s.ID, session.Update{
		Metadata: map[string]any{MetadataLeadID: ids[0]},
	})
	if err != nil {
		log.Error("remembering crm lead id",
			slog.Int64("lead_id", ids[0]), slog.Any("err", err))
	}
}
