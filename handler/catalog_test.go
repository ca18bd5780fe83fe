package handler_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/kommobridge/handler"
)

func TestLocalize(t *testing.T) {
	for _, tt := range []struct {
		language, expect string
	}{
		{"EN", "Please enter your passport number"},
		{"ID", "Silakan masukkan nomor paspor Anda"},
		{" id ", "Silakan masukkan nomor paspor Anda"},
		{"", "Please enter your passport number"},
		{"de", "Please enter your passport number"},
	} {
		require.Equal(t, tt.expect,
			handler.Localize(handler.MessagePassportPrompt, tt.language), "%q", tt.language)
	}
	require.Equal(t, "", handler.Localize("unknown", "EN"))
}
