package machine

import (
	"crypto/rand"
)

const alphanum = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// randomString returns n cryptographically random ASCII alphanumeric
// characters, used for runner_name and run_token per spec.md §3.
func randomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = alphanum[int(b)%len(alphanum)]
	}
	return string(buf), nil
}
