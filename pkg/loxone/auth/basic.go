package auth

import "encoding/base64"

// basicAuthHeader builds the "Basic base64(user:pass)" header value
// for legacy firmware per spec §6.
func basicAuthHeader(username, password string) string {
	raw := username + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}
