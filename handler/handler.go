// Package handler implements the business handlers of the bridge.
//
// Handlers persist session state first, archive the processed node, remove
// it from the source and forward to the CRM afterwards. CRM failures are
// logged and never fail the event, session store failures abort the event
// before any CRM call is made. A node that couldn't be archived is kept at
// the source.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/romshark/kommobridge"
	"github.com/romshark/kommobridge/kommo"
	"github.com/romshark/kommobridge/session"
	"github.com/romshark/kommobridge/source"
	"github.com/romshark/kommobridge/store"
)

// Sessions is the subset of *session.Manager used by handlers.
type Sessions interface {
	Create(ctx context.Context, p session.CreateParams) (session.Session, error)
	Update(ctx context.Context, id uuid.UUID, u session.Update) (session.Session, error)
	Latest(ctx context.Context, userID string) (session.Session, error)
}

// CRM is the subset of *kommo.Client used by handlers.
type CRM interface {
	CreateLeads(ctx context.Context, leads ...kommo.Lead) ([]int64, error)
	UpdateLeadCustomFields(ctx context.Context, id int64, fields ...kommo.CustomFieldValue) error
	LaunchSalesbot(ctx context.Context, runs ...kommo.SalesbotRun) error
}

// Leads archives processed source nodes.
type Leads interface {
	SaveLead(ctx context.Context, rec store.LeadRecord) error
}

var (
	_ Sessions = (*session.Manager)(nil)
	_ CRM      = (*kommo.Client)(nil)
	_ Leads    = store.Store(nil)
)

// MetadataLeadID is the session metadata key holding the CRM lead id.
const MetadataLeadID = "lead_id"

// archiveAndRemove archives the node of ev as a processed lead and removes
// it from the source. The node stays at the source if archiving fails.
func archiveAndRemove(
	ctx context.Context, leads Leads, remover source.Remover,
	ev kommobridge.Event, handler string, meta map[string]any,
) error {
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encoding lead data: %w", err)
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["handler"] = handler
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding lead metadata: %w", err)
	}
	createdAt := ev.ObservedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	err = leads.SaveLead(ctx, store.LeadRecord{
		ID:         uuid.NewString(),
		SourcePath: ev.Path,
		Data:       data,
		CreatedAt:  createdAt.UTC().Truncate(store.Precision),
		UpdatedAt:  time.Now().UTC().Truncate(store.Precision),
		Processed:  true,
		Metadata:   metaJSON,
	})
	if err != nil {
		return fmt.Errorf("archiving lead: %w", err)
	}
	if err := remover.Remove(ctx, ev.Path); err != nil {
		return fmt.Errorf("removing source node: %w", err)
	}
	return nil
}

// logCRMError logs a failed best-effort CRM call.
func logCRMError(log *slog.Logger, msg string, err error, attrs ...any) {
	var (
		authErr      *kommo.AuthError
		rateLimitErr *kommo.RateLimitError
	)
	switch {
	case errors.As(err, &authErr):
		attrs = append(attrs, slog.String("reason", "auth"))
	case errors.As(err, &rateLimitErr):
		attrs = append(attrs, slog.String("reason", "rate_limit"),
			slog.Int("attempts", rateLimitErr.Attempts))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		attrs = append(attrs, slog.String("reason", "canceled"))
	}
	log.Error(msg, append(attrs, slog.Any("err", err))...)
}

// int64Value converts a decoded JSON value to an integer id.
func int64Value(v any) (int64, bool) {
	switch v := v.(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return i, err == nil
	}
	return 0, false
}

// present reports whether v is neither nil nor a blank string.
func present(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	}
	return true
}

func textField(id int64, name, value string) kommo.CustomFieldValue {
	return kommo.CustomFieldValue{
		FieldID:   id,
		FieldName: name,
		FieldType: "textarea",
		Values:    []kommo.FieldValue{{Value: value}},
	}
}
