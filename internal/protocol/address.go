package protocol

import "strings"

const (
	UserServer      = "s.whatsapp.net"
	GroupSuffix     = "@g.us"
	BroadcastSuffix = "@broadcast"
)

func IsGroup(address string) bool {
	return strings.HasSuffix(address, GroupSuffix)
}

// IsBroadcast also covers the status@broadcast pseudo-contact.
func IsBroadcast(address string) bool {
	return strings.HasSuffix(address, BroadcastSuffix)
}

// IsEligible reports whether the address is an individual contact that can be
// listed and classified.
func IsEligible(address string) bool {
	return address != "" && !IsGroup(address) && !IsBroadcast(address)
}

// UserPart returns the user portion of an address without server or device suffix.
func UserPart(address string) string {
	user, _, _ := strings.Cut(address, "@")
	user, _, _ = strings.Cut(user, ":")
	return user
}

// UserAddress builds an individual address for a bare phone number.
func UserAddress(digits string) string {
	return digits + "@" + UserServer
}
