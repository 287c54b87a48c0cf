package model

import (
	"strings"
	"time"
)

type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountDisabled AccountStatus = "disabled"
	AccountError    AccountStatus = "error" // too many failed syncs; needs operator action
)

func (s AccountStatus) Valid() bool {
	return s == AccountActive || s == AccountDisabled || s == AccountError
}

// Account is a per-tenant credential set for one external platform.
// Credentials and WebhookSecret hold sealed envelopes, never plaintext.
type Account struct {
	ID              string        `db:"id"`
	TenantID        int64         `db:"tenant_id"`
	Platform        Platform      `db:"platform"`
	Name            string        `db:"name"`
	ExternalID      string        `db:"external_id"`       // page id, phone number id, courier account number
	Credentials     []byte        `db:"credentials"`
	WebhookSecret   []byte        `db:"webhook_secret"`
	VerifyTokenHash string        `db:"verify_token_hash"` // sha256 hex of the Meta subscribe token
	Status          AccountStatus `db:"status"`
	SyncInterval    int64         `db:"sync_interval_sec"`
	Cursor          string        `db:"sync_cursor"`
	LastSyncedAt    *time.Time    `db:"last_synced_at"`
	NextSyncAt      *time.Time    `db:"next_sync_at"`
	FailCount       int           `db:"fail_count"`
	LastError       string        `db:"last_error"`
	CreatedAt       time.Time     `db:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at"`
}

func (a Account) Interval() time.Duration {
	return time.Duration(a.SyncInterval) * time.Second
}

func (a Account) Active() bool { return a.Status == AccountActive }

// Credentials is the decrypted credential payload of an account. It only
// lives in memory.
type Credentials struct {
	AccessToken        string `json:"access_token,omitempty"`
	AppSecret          string `json:"app_secret,omitempty"`
	PageID             string `json:"page_id,omitempty"`
	PhoneNumberID      string `json:"phone_number_id,omitempty"`
	Username           string `json:"username,omitempty"`
	Password           string `json:"password,omitempty"`
	AccountNumber      string `json:"account_number,omitempty"`
	AccountPin         string `json:"account_pin,omitempty"`
	AccountEntity      string `json:"account_entity,omitempty"`
	AccountCountryCode string `json:"account_country_code,omitempty"`
	APIKey             string `json:"api_key,omitempty"`
}

// Missing returns the names of fields the platform needs but are empty.
func (c Credentials) Missing(p Platform) []string {
	var out []string
	need := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			out = append(out, name)
		}
	}
	switch p {
	case PlatformFacebook:
		need("access_token", c.AccessToken)
		need("app_secret", c.AppSecret)
		need("page_id", c.PageID)
	case PlatformWhatsApp:
		need("access_token", c.AccessToken)
		need("app_secret", c.AppSecret)
		need("phone_number_id", c.PhoneNumberID)
	case PlatformAramex:
		need("username", c.Username)
		need("password", c.Password)
		need("account_number", c.AccountNumber)
		need("account_pin", c.AccountPin)
		need("account_entity", c.AccountEntity)
		need("account_country_code", c.AccountCountryCode)
	case PlatformDHL:
		need("api_key", c.APIKey)
	}
	return out
}

// ExternalIDFor picks the vendor-side identifier webhooks are routed by.
func (c Credentials) ExternalIDFor(p Platform) string {
	switch p {
	case PlatformFacebook:
		return c.PageID
	case PlatformWhatsApp:
		return c.PhoneNumberID
	case PlatformAramex:
		return c.AccountNumber
	default:
		return ""
	}
}
