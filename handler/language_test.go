package handler_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/romshark/kommobridge"
	"github.com/romshark/kommobridge/handler"
	"github.com/romshark/kommobridge/kommo"
	"github.com/romshark/kommobridge/session"
)

const languageFieldID = 4242

func newLanguageSelection(e *env, sessions handler.Sessions) *handler.LanguageSelection {
	return handler.NewLanguageSelection(e.log, sessions, e.leads, e.remover, e.crm,
		handler.LanguageSelectionConfig{
			SessionTTL:      time.Hour,
			LanguageFieldID: languageFieldID,
		})
}

func languageEvent(userID string, payload map[string]any) kommobridge.Event {
	return kommobridge.Event{
		Kind:       kommobridge.KindAdded,
		Path:       "/languages/" + userID,
		Payload:    payload,
		ObservedAt: testTime,
	}
}

func languageField(lang string) []kommo.CustomFieldValue {
	return []kommo.CustomFieldValue{{
		FieldID:   languageFieldID,
		FieldName: "Language",
		FieldType: "textarea",
		Values:    []kommo.FieldValue{{Value: lang}},
	}}
}

func TestLanguageSelectionMatch(t *testing.T) {
	e := setup(t)
	h := newLanguageSelection(e, e.sessions)
	for _, tt := range []struct {
		path    string
		payload any
		expect  bool
	}{
		{"/languages/user123", map[string]any{"language": "fr"}, true},
		{"/languages/user123", map[string]any{"language": "  "}, false},
		{"/languages/user123", map[string]any{"language": 1.0}, false},
		{"/languages/user123", map[string]any{}, false},
		{"/languages/user123", "fr", false},
		{"/languages/user123", nil, false},
		{"/languages", map[string]any{"language": "fr"}, false},
		{"/languages/", map[string]any{"language": "fr"}, false},
		{"/languages/a/b", map[string]any{"language": "fr"}, false},
		{"/languagesx/a", map[string]any{"language": "fr"}, false},
		{"/messages/a", map[string]any{"language": "fr"}, false},
	} {
		require.Equal(t, tt.expect, h.Match(tt.path, tt.payload),
			"%s %#v", tt.path, tt.payload)
	}

	custom := handler.NewLanguageSelection(e.log, e.sessions, e.leads, e.remover, nil,
		handler.LanguageSelectionConfig{PathPrefix: "langs/", SessionTTL: time.Hour})
	require.True(t, custom.Match("/langs/u", map[string]any{"language": "en"}))
	require.False(t, custom.Match("/languages/u", map[string]any{"language": "en"}))
}

func TestLanguageSelectionCreatesSession(t *testing.T) {
	e := setup(t)
	h := newLanguageSelection(e, e.sessions)

	e.remover.On("Remove", mock.Anything, "/languages/user123").Return(nil).Once()
	e.crm.On("CreateLeads", mock.Anything, []kommo.Lead{{
		Name:               "user123",
		CustomFieldsValues: languageField("fr"),
	}}).Return([]int64{777}, nil).Once()

	err := h.Handle(t.Context(), languageEvent("user123", map[string]any{"language": "fr"}))
	require.NoError(t, err)

	s := requireLatest(t, e, "user123")
	require.Equal(t, "fr", s.Language)
	require.True(t, s.Active)
	require.Equal(t, testTime.Add(time.Hour), s.ExpiresAt)
	leadID, ok := s.MetadataInt64(handler.MetadataLeadID)
	require.True(t, ok)
	require.Equal(t, int64(777), leadID)

	lead, meta := requireArchived(t, e)
	require.Equal(t, "/languages/user123", lead.SourcePath)
	require.JSONEq(t, `{"language":"fr"}`, string(lead.Data))
	require.True(t, lead.Processed)
	require.True(t, testTime.Equal(lead.CreatedAt))
	require.NotEmpty(t, lead.ID)
	require.Equal(t, map[string]any{
		"handler":         handler.NameLanguageSelection,
		"session_id":      s.ID.String(),
		"language":        "fr",
		"session_created": true,
	}, meta)
}

func TestLanguageSelectionUpdatesSession(t *testing.T) {
	e := setup(t)
	h := newLanguageSelection(e, e.sessions)

	existing, err := e.sessions.Create(t.Context(), session.CreateParams{
		UserID: ptr("user123"), Language: "en", TTL: time.Hour,
		Metadata: map[string]any{handler.MetadataLeadID: 55},
	})
	require.NoError(t, err)
	e.clock.Advance(time.Minute)

	e.remover.On("Remove", mock.Anything, "/languages/user123").Return(nil).Once()
	e.crm.On("UpdateLeadCustomFields", mock.Anything, int64(55), languageField("fr")).
		Return(nil).Once()

	err = h.Handle(t.Context(), languageEvent("user123", map[string]any{"language": "fr"}))
	require.NoError(t, err)

	s := requireLatest(t, e, "user123")
	require.Equal(t, existing.ID, s.ID)
	require.Equal(t, "fr", s.Language)
	require.True(t, s.UpdatedAt.After(existing.UpdatedAt))
}

func TestLanguageSelectionEntityIDFromPayload(t *testing.T) {
	e := setup(t)
	h := newLanguageSelection(e, e.sessions)

	e.remover.On("Remove", mock.Anything, "/languages/u").Return(nil).Once()
	e.crm.On("UpdateLeadCustomFields", mock.Anything, int64(99), languageField("id")).
		Return(nil).Once()

	err := h.Handle(t.Context(), languageEvent("u", map[string]any{
		"language": "id", "entity_id": "99",
	}))
	require.NoError(t, err)
	e.crm.AssertNotCalled(t, "CreateLeads", mock.Anything, mock.Anything)
}

func TestLanguageSelectionExpiredSessionReplaced(t *testing.T) {
	e := setup(t)
	h := newLanguageSelection(e, e.sessions)

	old, err := e.sessions.Create(t.Context(), session.CreateParams{
		UserID: ptr("u"), Language: "en", TTL: time.Minute,
		Metadata: map[string]any{handler.MetadataLeadID: 5},
	})
	require.NoError(t, err)
	e.clock.Advance(2 * time.Minute)

	e.remover.On("Remove", mock.Anything, "/languages/u").Return(nil).Once()
	e.crm.On("CreateLeads", mock.Anything, mock.Anything).Return([]int64{6}, nil).Once()

	require.NoError(t, h.Handle(t.Context(),
		languageEvent("u", map[string]any{"language": "fr"})))

	s := requireLatest(t, e, "u")
	require.NotEqual(t, old.ID, s.ID)
	require.Equal(t, "fr", s.Language)

	// The expired session is left untouched.
	o, err := e.sessions.Get(t.Context(), old.ID)
	require.NoError(t, err)
	require.False(t, o.Active)
	require.Equal(t, "en", o.Language)
}

func TestLanguageSelectionCRMFailureKeepsSession(t *testing.T) {
	for _, crmErr := range []error{
		&kommo.AuthError{StatusCode: 401},
		&kommo.RateLimitError{RetryAfter: 2 * time.Second, Attempts: 3},
		&kommo.GenericError{StatusCode: 503, Body: "unavailable"},
	} {
		t.Run(crmErr.Error(), func(t *testing.T) {
			e := setup(t)
			h := newLanguageSelection(e, e.sessions)
			e.remover.On("Remove", mock.Anything, "/languages/user123").Return(nil).Once()
			e.crm.On("CreateLeads", mock.Anything, mock.Anything).Return(nil, crmErr).Once()

			err := h.Handle(t.Context(),
				languageEvent("user123", map[string]any{"language": "fr"}))
			require.NoError(t, err)

			s := requireLatest(t, e, "user123")
			require.Equal(t, "fr", s.Language)
			_, ok := s.MetadataInt64(handler.MetadataLeadID)
			require.False(t, ok)
		})
	}
}

func TestLanguageSelectionStoreErrorAbortsEvent(t *testing.T) {
	e := setup(t)
	h := newLanguageSelection(e, failingSessions{err: errStoreDown})

	err := h.Handle(t.Context(), languageEvent("user123", map[string]any{"language": "fr"}))
	var storeErr *session.StoreError
	require.ErrorAs(t, err, &storeErr)
	e.remover.AssertNotCalled(t, "Remove", mock.Anything, mock.Anything)
	e.crm.AssertNotCalled(t, "CreateLeads", mock.Anything, mock.Anything)
}

func TestLanguageSelectionRemoveFailure(t *testing.T) {
	e := setup(t)
	h := newLanguageSelection(e, e.sessions)

	errRemove := errors.New("permission denied")
	e.remover.On("Remove", mock.Anything, "/languages/u").Return(errRemove).Once()
	e.crm.On("CreateLeads", mock.Anything, mock.Anything).Return([]int64{1}, nil).Once()

	err := h.Handle(t.Context(), languageEvent("u", map[string]any{"language": "fr"}))
	require.ErrorIs(t, err, errRemove)
	require.Equal(t, "fr", requireLatest(t, e, "u").Language)
}

func TestLanguageSelectionArchiveFailureKeepsNode(t *testing.T) {
	e := setup(t)
	h := newLanguageSelection(e, e.sessions)
	errArchive := errors.New("disk full")
	e.leads.err = errArchive
	e.crm.On("CreateLeads", mock.Anything, mock.Anything).Return([]int64{1}, nil).Once()

	err := h.Handle(t.Context(), languageEvent("u", map[string]any{"language": "fr"}))
	require.ErrorIs(t, err, errArchive)
	e.remover.AssertNotCalled(t, "Remove", mock.Anything, mock.Anything)
	require.Equal(t, "fr", requireLatest(t, e, "u").Language)
}

func TestLanguageSelectionWithoutCRM(t *testing.T) {
	e := setup(t)
	h := handler.NewLanguageSelection(e.log, e.sessions, e.leads, e.remover, nil,
		handler.LanguageSelectionConfig{SessionTTL: time.Hour})
	e.remover.On("Remove", mock.Anything, "/languages/u").Return(nil).Once()

	require.NoError(t, h.Handle(t.Context(),
		languageEvent("u", map[string]any{"language": "fr"})))
	require.Equal(t, "fr", requireLatest(t, e, "u").Language)
}

func TestLanguageSelectionRegistration(t *testing.T) {
	e := setup(t)
	r := newLanguageSelection(e, e.sessions).Registration()
	require.Equal(t, handler.NameLanguageSelection, r.Name)
	require.NotNil(t, r.Match)
	require.NotNil(t, r.Handler)
}
