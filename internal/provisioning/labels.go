package provisioning

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const maxLabelLen = 64

var unsafeLabel = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// SanitizeLabel reduces name to the characters every panel accepts. The
// result may be empty.
func SanitizeLabel(name string) string {
	s := unsafeLabel.ReplaceAllString(strings.TrimSpace(name), "_")
	s = strings.Trim(s, "._-")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}

// RandomLabel returns "u_" followed by 8 random hex characters.
func RandomLabel() string {
	return "u_" + hexID()[:8]
}

// NewSubToken returns a 32 character hex master subscription token.
func NewSubToken() string {
	return hexID()
}

func hexID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// remoteLabel picks the panel username for a new account.
func remoteLabel(label, username string, randomize bool) string {
	if randomize {
		return RandomLabel()
	}
	if s := SanitizeLabel(username); s != "" {
		return s
	}
	if s := SanitizeLabel(label); s != "" {
		return s
	}
	return RandomLabel()
}
