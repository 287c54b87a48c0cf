package util

import (
	"regexp"
	"strings"
)

var nonPhoneChars = regexp.MustCompile(`[^\d\+]+`)

// NormalizePhone turns user or vendor input into E.164-like "+<digits>".
// WhatsApp wa_id values arrive without the plus sign.
func NormalizePhone(raw string) string {
	s := nonPhoneChars.ReplaceAllString(strings.TrimSpace(raw), "")
	if s == "" {
		return ""
	}

	if strings.HasPrefix(s, "00") {
		s = "+" + s[2:]
	} else if !strings.HasPrefix(s, "+") {
		s = "+" + s
	}

	if len(s) < 8 {
		return ""
	}

	return s
}

// WaID strips the plus sign, which is the form the WhatsApp Cloud API expects.
func WaID(phone string) string {
	return strings.TrimPrefix(NormalizePhone(phone), "+")
}
