// Package subscription builds the single master subscription an end user's
// client fetches, by merging the links of every node the account lives on.
package subscription

import (
	"encoding/base64"
	"regexp"
	"strings"
)

var base64Body = regexp.MustCompile(`^[A-Za-z0-9+/=\r\n]+$`)

// schemeMarkers identify a decoded body as a link list.
var schemeMarkers = []string{"vmess://", "vless://", "trojan://", "ss://", "\n"}

// decodeBody returns the decoded text when body looks like a base64 link
// list and the trimmed body otherwise.
func decodeBody(body string) string {
	s := strings.TrimSpace(body)
	if s == "" || len(s)%4 != 0 || !base64Body.MatchString(s) {
		return s
	}
	raw, err := base64.StdEncoding.DecodeString(strings.NewReplacer("\r", "", "\n", "").Replace(s))
	if err != nil {
		return s
	}
	decoded := strings.ToValidUTF8(string(raw), "")
	for _, m := range schemeMarkers {
		if strings.Contains(decoded, m) {
			return decoded
		}
	}
	return s
}

// Merge combines subscription bodies into one base64 body. Lines are
// trimmed, blank lines dropped and duplicates removed keeping the first
// occurrence. A non-empty result ends with a newline before encoding.
func Merge(bodies []string) string {
	seen := map[string]bool{}
	var lines []string
	for _, body := range bodies {
		for _, ln := range strings.Split(decodeBody(body), "\n") {
			ln = strings.TrimSpace(ln)
			if ln == "" || seen[ln] {
				continue
			}
			seen[ln] = true
			lines = append(lines, ln)
		}
	}
	merged := strings.Join(lines, "\n")
	if len(lines) > 0 {
		merged += "\n"
	}
	return base64.StdEncoding.EncodeToString([]byte(merged))
}
