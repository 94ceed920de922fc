package broker

import "github.com/google/uuid"

// NewTransactionID generates a 36-character lowercase UUIDv4 string
// tying a request to its response. Collisions are assumed negligible.
func NewTransactionID() string {
	return uuid.NewString()
}

// ValidateTransactionID structurally checks a transaction ID: 36
// characters, dashes at the canonical positions, version nibble 4,
// variant nibble in [89ab], lowercase hex everywhere else.
func ValidateTransactionID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i := 0; i < 36; i++ {
		c := s[i]
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		case 14:
			if c != '4' {
				return false
			}
		case 19:
			if c != '8' && c != '9' && c != 'a' && c != 'b' {
				return false
			}
		default:
			if !isLowerHex(c) {
				return false
			}
		}
	}
	return true
}

func isLowerHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}
