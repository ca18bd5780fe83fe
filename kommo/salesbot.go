package kommo

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// MaxSalesbotBatch is the maximum number of bots launched in one call.
const MaxSalesbotBatch = 100

const (
	EntityTypeContact = "1"
	EntityTypeLead    = "2"
)

// EntityTypeCode maps "contact(s)" and "lead(s)" to the salesbot entity type code.
func EntityTypeCode(name string) (string, error) {
	switch strings.ToLower(name) {
	case "contact", "contacts":
		return EntityTypeContact, nil
	case "lead", "leads":
		return EntityTypeLead, nil
	}
	return "", fmt.Errorf("kommo: invalid entity name %q", name)
}

// SalesbotRun launches bot BotID against an entity.
type SalesbotRun struct {
	BotID      int64  `json:"bot_id"`
	EntityID   int64  `json:"entity_id"`
	EntityType string `json:"entity_type"`
}

// LaunchSalesbot launches runs through the v2 salesbot endpoint.
func (c *Client) LaunchSalesbot(ctx context.Context, runs ...SalesbotRun) error {
	switch {
	case len(runs) == 0:
		return fmt.Errorf("kommo: at least one salesbot run is required")
	case len(runs) > MaxSalesbotBatch:
		return fmt.Errorf("kommo: at most %d salesbot runs per call, got %d",
			MaxSalesbotBatch, len(runs))
	}
	for i, r := range runs {
		if r.EntityType != EntityTypeContact && r.EntityType != EntityTypeLead {
			return fmt.Errorf("kommo: salesbot run %d: invalid entity type %q",
				i, r.EntityType)
		}
	}
	return c.do(ctx, http.MethodPost, "v2/salesbot/run", nil, runs, nil)
}
