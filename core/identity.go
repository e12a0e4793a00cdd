package core

import (
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Identity is the key for all per-user state. It is either a lowercase
// hex address or TestIdentity.
type Identity string

// TestIdentity is bound by the credential fallback login.
const TestIdentity Identity = "testUser"

// NormalizeIdentity lowercases and trims a wallet address.
func NormalizeIdentity(address string) Identity {
	return Identity(strings.ToLower(strings.TrimSpace(address)))
}

// ParseIdentity normalizes address and checks that it is a hex address.
func ParseIdentity(address string) (Identity, error) {
	id := NormalizeIdentity(address)
	if !id.IsAddress() {
		return "", ErrInvalidIdentity
	}
	return id, nil
}

// IsAddress reports whether the identity is a well-formed hex address.
func (i Identity) IsAddress() bool {
	return strings.HasPrefix(string(i), "0x") && common.IsHexAddress(string(i))
}

// IsTest reports whether the identity is the test sentinel.
func (i Identity) IsTest() bool {
	return i == TestIdentity
}

func (i Identity) String() string {
	return string(i)
}
