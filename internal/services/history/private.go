package history

import (
	"time"

	"github.com/multibot-chat-go/internal/models"
)

// PrivateStore holds private-mode versions: one message sequence per bot per version
type PrivateStore struct {
	versions []models.HistoryVersion
	current  int
	now      func() time.Time
}

// NewPrivate restores a private store. An empty version list yields one fresh version.
// The caller is responsible for validating current against the version count.
func NewPrivate(versions []models.HistoryVersion, current int) *PrivateStore {
	s := &PrivateStore{now: time.Now}
	for _, v := range versions {
		s.versions = append(s.versions, copyVersion(v))
	}
	s.current = current
	if len(s.versions) == 0 {
		s.ClearAll()
	}
	return s
}

// SetClock replaces the time source used for new versions
func (s *PrivateStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *PrivateStore) VersionCount() int {
	return len(s.versions)
}

func (s *PrivateStore) CurrentVersionIndex() int {
	return s.current
}

func (s *PrivateStore) SetCurrentVersionIndex(i int) error {
	if err := checkIndex(i, len(s.versions)); err != nil {
		return err
	}
	s.current = i
	return nil
}

// CreateVersion starts a new topic and makes it current
func (s *PrivateStore) CreateVersion(name string) (int, error) {
	if s.IsCurrentEmpty() {
		return s.current, &models.NoOpError{Reason: "current topic is empty, nothing to branch from"}
	}
	s.versions = append(s.versions, s.newVersion(name))
	s.current = len(s.versions) - 1
	return s.current, nil
}

// AppendMessage appends msg to botID's sequence in the given version
func (s *PrivateStore) AppendMessage(version int, botID string, msg models.Message) error {
	if err := checkIndex(version, len(s.versions)); err != nil {
		return err
	}
	if botID == "" {
		return &models.NotFoundError{Entity: "bot", ID: botID}
	}

	v := &s.versions[version]
	if v.Histories == nil {
		v.Histories = make(map[string][]models.Message)
	}
	if _, ok := v.Histories[botID]; !ok {
		v.Participants = append(v.Participants, botID)
	}
	v.Histories[botID] = append(v.Histories[botID], msg)
	return nil
}

// TrailingWindow returns up to n of botID's latest messages in the given version
func (s *PrivateStore) TrailingWindow(version int, botID string, n int) []models.Message {
	if version < 0 || version >= len(s.versions) {
		return []models.Message{}
	}
	return Tail(s.versions[version].Histories[botID], n)
}

// Sequence returns a copy of botID's full sequence in the given version
func (s *PrivateStore) Sequence(version int, botID string) ([]models.Message, error) {
	if err := checkIndex(version, len(s.versions)); err != nil {
		return nil, err
	}
	msgs, ok := s.versions[version].Histories[botID]
	if !ok {
		return nil, &models.NotFoundError{Entity: "history of bot", ID: botID}
	}
	return copyMessages(msgs), nil
}

// ParticipatingBots returns the bots with at least one message in the version
func (s *PrivateStore) ParticipatingBots(version int) ([]string, error) {
	if err := checkIndex(version, len(s.versions)); err != nil {
		return nil, err
	}
	out := make([]string, len(s.versions[version].Participants))
	copy(out, s.versions[version].Participants)
	return out, nil
}

func (s *PrivateStore) IsCurrentEmpty() bool {
	if s.current < 0 || s.current >= len(s.versions) {
		return true
	}
	for _, msgs := range s.versions[s.current].Histories {
		if len(msgs) > 0 {
			return false
		}
	}
	return true
}

// ClearAll drops every version and starts over with a single empty one
func (s *PrivateStore) ClearAll() {
	s.versions = []models.HistoryVersion{s.newVersion("")}
	s.current = 0
}

// PurgeBot removes botID's sequences and participation from every version
func (s *PrivateStore) PurgeBot(botID string) {
	for i := range s.versions {
		v := &s.versions[i]
		delete(v.Histories, botID)
		kept := v.Participants[:0]
		for _, id := range v.Participants {
			if id != botID {
				kept = append(kept, id)
			}
		}
		v.Participants = kept
	}
}

func (s *PrivateStore) Versions() []models.VersionInfo {
	out := make([]models.VersionInfo, len(s.versions))
	for i, v := range s.versions {
		count := 0
		for _, msgs := range v.Histories {
			count += len(msgs)
		}
		out[i] = models.VersionInfo{
			Index:        i,
			Name:         v.Name,
			CreatedAt:    v.CreatedAt,
			MessageCount: count,
			Current:      i == s.current,
		}
	}
	return out
}

// Snapshot returns a deep copy of the versions and the current index
func (s *PrivateStore) Snapshot() ([]models.HistoryVersion, int) {
	out := make([]models.HistoryVersion, len(s.versions))
	for i, v := range s.versions {
		out[i] = copyVersion(v)
	}
	return out, s.current
}

func (s *PrivateStore) newVersion(name string) models.HistoryVersion {
	at := s.now()
	return models.HistoryVersion{
		Name:         versionName(name, at),
		CreatedAt:    at,
		Histories:    make(map[string][]models.Message),
		Participants: []string{},
	}
}

func copyVersion(v models.HistoryVersion) models.HistoryVersion {
	out := models.HistoryVersion{
		Name:         v.Name,
		CreatedAt:    v.CreatedAt,
		Histories:    make(map[string][]models.Message, len(v.Histories)),
		Participants: make([]string, len(v.Participants)),
	}
	for id, msgs := range v.Histories {
		out.Histories[id] = copyMessages(msgs)
	}
	copy(out.Participants, v.Participants)
	return out
}
