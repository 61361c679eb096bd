package db

import (
	"math/rand"
	"time"
)

func init() {
	rand.Seed(time.Now().UnixNano())
}

const idCharset = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandomID generates a random alphanumeric identifier of the given length,
// used for new session record IDs. Imports for concurrent transfers call
// this from their own goroutines, so it relies on the package-level rand
// functions, which lock internally.
func RandomID(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = idCharset[rand.Intn(len(idCharset))]
	}
	return string(b)
}
