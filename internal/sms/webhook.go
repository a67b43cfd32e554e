// README: Inbound webhook signature verification (gateway HMAC convention).
package sms

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"sort"
	"strings"
)

// ValidateSignature checks the gateway's request signature: HMAC-SHA1 over
// the full callback URL followed by each POST parameter's name and value in
// lexicographic order, base64 encoded. An unsigned or tampered callback must
// never reach session state.
func ValidateSignature(authToken, callbackURL string, params map[string]string, signature string) bool {
	if authToken == "" || signature == "" {
		return false
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(callbackURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(params[k])
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}
