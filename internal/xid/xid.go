package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func New(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// OrderNumber is the human-facing reference printed on receipts, for example
// ORD-20250301-7F3A9C.
func OrderNumber(channelPrefix string, at time.Time) string {
	id := uuid.New()
	suffix := strings.ToUpper(fmt.Sprintf("%x", id[:3]))
	return fmt.Sprintf("%s-%s-%s", channelPrefix, at.UTC().Format("20060102"), suffix)
}
