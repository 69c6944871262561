// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package internal_identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidClientID = errors.New("invalid client id")
	ErrInvalidMac      = errors.New("invalid device mac")
)

// Canonical MAC form: six lowercase hex octets, colon separated.
var macRegex = regexp.MustCompile(`^([0-9a-f]{2}:){5}[0-9a-f]{2}$`)

// ClientID is the broker-facing identity triple "group@@@mac@@@uuid",
// where mac on the wire uses underscores instead of colons.
type ClientID struct {
	Group string
	Mac   string // canonical colon-separated, lowercase
	UID   string
}

// ParseClientID splits and validates a raw broker client identifier.
// Anything that does not match the three-part shape with a well-formed MAC
// is rejected; such connections get no response at all.
func ParseClientID(raw string) (ClientID, error) {
	parts := strings.Split(raw, "@@@")
	if len(parts) != 3 {
		return ClientID{}, fmt.Errorf("%w: %q", ErrInvalidClientID, raw)
	}
	group, rawMac, uid := parts[0], parts[1], parts[2]
	if group == "" || uid == "" {
		return ClientID{}, fmt.Errorf("%w: %q", ErrInvalidClientID, raw)
	}
	mac := strings.ToLower(strings.ReplaceAll(rawMac, "_", ":"))
	if !macRegex.MatchString(mac) {
		return ClientID{}, fmt.Errorf("%w: %q", ErrInvalidMac, rawMac)
	}
	return ClientID{Group: group, Mac: mac, UID: uid}, nil
}

// String renders the wire form with underscores in the MAC.
func (c ClientID) String() string {
	return c.Group + "@@@" + strings.ReplaceAll(c.Mac, ":", "_") + "@@@" + c.UID
}

// MacNoColons returns the MAC with separators stripped, as used in room names.
func (c ClientID) MacNoColons() string {
	return strings.ReplaceAll(c.Mac, ":", "")
}

// RoomName builds the stable per-session room name "uuid_macNoColons_roomType".
// The name never changes for a session's lifetime; a mode change produces a
// new session-scoped room with the new type suffix.
func RoomName(uid, mac, roomType string) string {
	return fmt.Sprintf("%s_%s_%s", uid, strings.ReplaceAll(mac, ":", ""), roomType)
}
