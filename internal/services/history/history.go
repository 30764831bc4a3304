package history

import (
	"time"

	"github.com/multibot-chat-go/internal/models"
)

// NameLayout formats the default name of a new version
const NameLayout = "2006-01-02 15:04:05"

// Store is the operation set shared by private and group histories.
// Private stores select a per-bot sequence with botID; group stores ignore it.
type Store interface {
	VersionCount() int
	CurrentVersionIndex() int
	SetCurrentVersionIndex(i int) error
	CreateVersion(name string) (int, error)
	AppendMessage(version int, botID string, msg models.Message) error
	TrailingWindow(version int, botID string, n int) []models.Message
	IsCurrentEmpty() bool
	ClearAll()
	Versions() []models.VersionInfo
}

// Tail returns a copy of the last n messages of msgs in their original order
func Tail(msgs []models.Message, n int) []models.Message {
	if n <= 0 || len(msgs) == 0 {
		return []models.Message{}
	}
	if n > len(msgs) {
		n = len(msgs)
	}
	out := make([]models.Message, n)
	copy(out, msgs[len(msgs)-n:])
	return out
}

func copyMessages(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out
}

func versionName(name string, at time.Time) string {
	if name != "" {
		return name
	}
	return at.Format(NameLayout)
}

func checkIndex(i, count int) error {
	if i < 0 || i >= count {
		return &models.RangeError{What: "history version", Value: i, Min: 0, Max: count - 1}
	}
	return nil
}
