package identity

import (
	"crypto/rand"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

const (
	InviteCodeLength = 6
	FriendCodeLength = 4
)

// newFriendCode creates the suffix appended to a username so that two people
// can pick the same name, considering the small target userbase.
func newFriendCode() string {
	return "#" + secureRandomString(FriendCodeLength)
}

// NewInviteCode creates a code that admits one registration.
func NewInviteCode() string {
	return secureRandomString(InviteCodeLength)
}

func secureRandomString(length int) string {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	result := make([]byte, length)
	for i := range result {
		n, _ := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		result[i] = charset[n.Int64()]
	}
	return string(result)
}

func comparePassword(hashed, plaintext string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plaintext))
}

func hashPassword(plaintext string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	return string(hashed), err
}
