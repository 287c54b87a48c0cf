package model

import "strings"

type Platform string

const (
	PlatformFacebook Platform = "facebook"
	PlatformWhatsApp Platform = "whatsapp"
	PlatformAramex   Platform = "aramex"
	PlatformDHL      Platform = "dhl"
)

type PlatformKind string

const (
	KindMessaging PlatformKind = "messaging"
	KindCourier   PlatformKind = "courier"
)

func (p Platform) String() string { return string(p) }

// ParsePlatform normalizes input. Returns ("", false) for unknown platforms.
func ParsePlatform(s string) (Platform, bool) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", false
	}
	return p, true
}

func (p Platform) Valid() bool {
	switch p {
	case PlatformFacebook, PlatformWhatsApp, PlatformAramex, PlatformDHL:
		return true
	default:
		return false
	}
}

func (p Platform) Kind() PlatformKind {
	switch p {
	case PlatformAramex, PlatformDHL:
		return KindCourier
	default:
		return KindMessaging
	}
}

func (p Platform) IsMessaging() bool { return p.Valid() && p.Kind() == KindMessaging }
func (p Platform) IsCourier() bool   { return p.Valid() && p.Kind() == KindCourier }
