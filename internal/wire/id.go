package wire

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// NewRequestID returns a 21-character nanoid using an alphanumeric
// alphabet (A-Za-z0-9), used to correlate commands with their results.
func NewRequestID() string {
	id, err := gonanoid.Generate("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789", 21)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}
