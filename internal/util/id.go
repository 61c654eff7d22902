package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random identifier such as "prj_3f2b...". The prefix names
// the entity kind so ids stay recognizable in logs and URLs.
func NewID(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}
