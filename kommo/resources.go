package kommo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// MaxPageLimit is the largest page size the API accepts.
const MaxPageLimit = 250

// ListParams are the pagination and search parameters of list endpoints.
type ListParams struct {
	Page  int // 1-based, defaults to 1.
	Limit int // Defaults to and is capped at MaxPageLimit.
	Query string
	With  []string

	// ResponsibleUserID filters by the responsible user if non-zero.
	ResponsibleUserID int64
}

func (p ListParams) values() url.Values {
	v := url.Values{}
	page := max(p.Page, 1)
	limit := p.Limit
	if limit < 1 || limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	v.Set("page", strconv.Itoa(page))
	v.Set("limit", strconv.Itoa(limit))
	if p.Query != "" {
		v.Set("query", p.Query)
	}
	if len(p.With) > 0 {
		v.Set("with", strings.Join(p.With, ","))
	}
	if p.ResponsibleUserID != 0 {
		v.Set("filter[responsible_user_id]", strconv.FormatInt(p.ResponsibleUserID, 10))
	}
	return v
}

// Page is one page of a list endpoint.
type Page[T any] struct {
	Items   []T
	Page    int
	HasNext bool
}

type link struct {
	Href string `json:"href"`
}

type listResponse struct {
	Page     int                        `json:"_page"`
	Links    map[string]link            `json:"_links"`
	Embedded map[string]json.RawMessage `json:"_embedded"`
}

// list fetches a page and decodes _embedded[key]. No content yields an empty page.
func list[T any](
	ctx context.Context, c *Client, path, key string, p ListParams,
) (Page[T], error) {
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, path, p.values(), nil, &resp); err != nil {
		return Page[T]{}, err
	}
	page := Page[T]{Page: max(resp.Page, p.Page, 1)}
	if _, ok := resp.Links["next"]; ok {
		page.HasNext = true
	}
	if raw, ok := resp.Embedded[key]; ok {
		if err := json.Unmarshal(raw, &page.Items); err != nil {
			return Page[T]{}, &GenericError{
				StatusCode: http.StatusOK,
				Err:        fmt.Errorf("decoding %s: %w", key, err),
			}
		}
	}
	return page, nil
}

// FieldValue is a single value of a custom field.
type FieldValue struct {
	Value    any    `json:"value"`
	EnumID   int64  `json:"enum_id,omitempty"`
	EnumCode string `json:"enum_code,omitempty"`
}

// CustomFieldValue sets or carries the values of a custom field on an entity.
type CustomFieldValue struct {
	FieldID   int64        `json:"field_id"`
	FieldName string       `json:"field_name,omitempty"`
	FieldCode string       `json:"field_code,omitempty"`
	FieldType string       `json:"field_type,omitempty"`
	Values    []FieldValue `json:"values"`
}

type Lead struct {
	ID                 int64              `json:"id,omitempty"`
	Name               string             `json:"name,omitempty"`
	Price              int64              `json:"price,omitempty"`
	StatusID           int64              `json:"status_id,omitempty"`
	PipelineID         int64              `json:"pipeline_id,omitempty"`
	ResponsibleUserID  int64              `json:"responsible_user_id,omitempty"`
	CreatedAt          int64              `json:"created_at,omitempty"`
	UpdatedAt          int64              `json:"updated_at,omitempty"`
	CustomFieldsValues []CustomFieldValue `json:"custom_fields_values,omitempty"`
}

type Contact struct {
	ID                 int64              `json:"id,omitempty"`
	Name               string             `json:"name,omitempty"`
	FirstName          string             `json:"first_name,omitempty"`
	LastName           string             `json:"last_name,omitempty"`
	ResponsibleUserID  int64              `json:"responsible_user_id,omitempty"`
	CreatedAt          int64              `json:"created_at,omitempty"`
	UpdatedAt          int64              `json:"updated_at,omitempty"`
	CustomFieldsValues []CustomFieldValue `json:"custom_fields_values,omitempty"`
}

type Company struct {
	ID                 int64              `json:"id,omitempty"`
	Name               string             `json:"name,omitempty"`
	ResponsibleUserID  int64              `json:"responsible_user_id,omitempty"`
	CreatedAt          int64              `json:"created_at,omitempty"`
	UpdatedAt          int64              `json:"updated_at,omitempty"`
	CustomFieldsValues []CustomFieldValue `json:"custom_fields_values,omitempty"`
}

type Account struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	Subdomain     string `json:"subdomain"`
	Country       string `json:"country"`
	Currency      string `json:"currency"`
	CurrentUserID int64  `json:"current_user_id"`
}

type PipelineStatus struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Sort       int    `json:"sort"`
	PipelineID int64  `json:"pipeline_id"`
	Type       int    `json:"type"`
}

type Pipeline struct {
	ID       int64            `json:"id"`
	Name     string           `json:"name"`
	Sort     int              `json:"sort"`
	IsMain   bool             `json:"is_main"`
	Statuses []PipelineStatus `json:"-"`
}

func (p *Pipeline) UnmarshalJSON(b []byte) error {
	type plain Pipeline
	var v struct {
		plain
		Embedded struct {
			Statuses []PipelineStatus `json:"statuses"`
		} `json:"_embedded"`
	}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = Pipeline(v.plain)
	p.Statuses = v.Embedded.Statuses
	return nil
}

// CustomField is a custom field definition.
type CustomField struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Code       string `json:"code"`
	Type       string `json:"type"`
	Sort       int    `json:"sort"`
	EntityType string `json:"entity_type"`
}

func (c *Client) ListLeads(ctx context.Context, p ListParams) (Page[Lead], error) {
	return list[Lead](ctx, c, "v4/leads", "leads", p)
}

func (c *Client) GetLead(ctx context.Context, id int64, with ...string) (Lead, error) {
	var l Lead
	err := c.do(ctx, http.MethodGet, "v4/leads/"+strconv.FormatInt(id, 10),
		withQuery(with), nil, &l)
	return l, err
}

// CreateLeads creates leads and returns their ids in order.
// Creation is not idempotent, a retried call may create duplicates.
func (c *Client) CreateLeads(ctx context.Context, leads ...Lead) ([]int64, error) {
	return create(ctx, c, "v4/leads", "leads", leads)
}

func (c *Client) UpdateLead(ctx context.Context, id int64, l Lead) (Lead, error) {
	l.ID = 0 // The id is part of the path.
	var resp Lead
	err := c.do(ctx, http.MethodPatch, "v4/leads/"+strconv.FormatInt(id, 10), nil, l, &resp)
	return resp, err
}

// UpdateLeadCustomFields sets custom field values of a lead.
func (c *Client) UpdateLeadCustomFields(
	ctx context.Context, id int64, fields ...CustomFieldValue,
) error {
	if len(fields) == 0 {
		return fmt.Errorf("kommo: no custom fields to update")
	}
	for i, f := range fields {
		if f.FieldID == 0 {
			return fmt.Errorf("kommo: custom field %d: missing field id", i)
		}
		if f.Values == nil {
			return fmt.Errorf("kommo: custom field %d: missing values", i)
		}
	}
	_, err := c.UpdateLead(ctx, id, Lead{CustomFieldsValues: fields})
	return err
}

func (c *Client) ListContacts(ctx context.Context, p ListParams) (Page[Contact], error) {
	return list[Contact](ctx, c, "v4/contacts", "contacts", p)
}

func (c *Client) GetContact(ctx context.Context, id int64, with ...string) (Contact, error) {
	var ct Contact
	err := c.do(ctx, http.MethodGet, "v4/contacts/"+strconv.FormatInt(id, 10),
		withQuery(with), nil, &ct)
	return ct, err
}

func (c *Client) CreateContacts(ctx context.Context, contacts ...Contact) ([]int64, error) {
	return create(ctx, c, "v4/contacts", "contacts", contacts)
}

func (c *Client) UpdateContact(ctx context.Context, id int64, ct Contact) (Contact, error) {
	ct.ID = 0
	var resp Contact
	err := c.do(ctx, http.MethodPatch, "v4/contacts/"+strconv.FormatInt(id, 10), nil, ct, &resp)
	return resp, err
}

func (c *Client) ListCompanies(ctx context.Context, p ListParams) (Page[Company], error) {
	return list[Company](ctx, c, "v4/companies", "companies", p)
}

func (c *Client) Account(ctx context.Context) (Account, error) {
	var a Account
	err := c.do(ctx, http.MethodGet, "v4/account", nil, nil, &a)
	return a, err
}

func (c *Client) Pipelines(ctx context.Context) ([]Pipeline, error) {
	p, err := list[Pipeline](ctx, c, "v4/leads/pipelines", "pipelines", ListParams{})
	return p.Items, err
}

// CustomFields lists the custom field definitions of entity
// ("leads", "contacts" or "companies").
func (c *Client) CustomFields(ctx context.Context, entity string) ([]CustomField, error) {
	switch entity {
	case "leads", "contacts", "companies":
	default:
		return nil, fmt.Errorf("kommo: unsupported entity %q", entity)
	}
	p, err := list[CustomField](ctx, c, "v4/"+entity+"/custom_fields", "custom_fields",
		ListParams{})
	return p.Items, err
}

// Ping checks connectivity and credentials by fetching the account.
func (c *Client) Ping(ctx context.Context) error {
	a, err := c.Account(ctx)
	if err != nil {
		return err
	}
	if a.ID == 0 {
		return &GenericError{StatusCode: http.StatusOK, Err: fmt.Errorf("account without id")}
	}
	return nil
}

func create[T any](ctx context.Context, c *Client, path, key string, items []T) ([]int64, error) {
	if len(items) == 0 {
		return nil, nil
	}
	var resp struct {
		Embedded map[string][]struct {
			ID int64 `json:"id"`
		} `json:"_embedded"`
	}
	if err := c.do(ctx, http.MethodPost, path, nil, items, &resp); err != nil {
		return nil, err
	}
	created := resp.Embedded[key]
	ids := make([]int64, len(created))
	for i, e := range created {
		ids[i] = e.ID
	}
	return ids, nil
}

func withQuery(with []string) url.Values {
	if len(with) == 0 {
		return nil
	}
	return url.Values{"with": {strings.Join(with, ",")}}
}
