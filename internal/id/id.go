package id

import "github.com/google/uuid"

const (
	PrefixSession = "ses"
	PrefixImage   = "img"
	PrefixBatch   = "bat"
)

func New() string {
	return uuid.NewString()
}

// WithPrefix returns ids such as "img_6f1c...", which keep log lines readable.
func WithPrefix(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
