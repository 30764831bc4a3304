package history

import (
	"time"

	"github.com/multibot-chat-go/internal/models"
)

// GroupStore holds group-mode versions: one shared sequence per version
type GroupStore struct {
	versions []models.GroupHistoryVersion
	current  int
	now      func() time.Time
}

// NewGroup restores a group store. An empty version list yields one fresh version.
func NewGroup(versions []models.GroupHistoryVersion, current int) *GroupStore {
	s := &GroupStore{now: time.Now}
	for _, v := range versions {
		s.versions = append(s.versions, models.GroupHistoryVersion{
			Name:      v.Name,
			CreatedAt: v.CreatedAt,
			Messages:  copyMessages(v.Messages),
		})
	}
	s.current = current
	if len(s.versions) == 0 {
		s.ClearAll()
	}
	return s
}

// SetClock replaces the time source used for new versions
func (s *GroupStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *GroupStore) VersionCount() int {
	return len(s.versions)
}

func (s *GroupStore) CurrentVersionIndex() int {
	return s.current
}

func (s *GroupStore) SetCurrentVersionIndex(i int) error {
	if err := checkIndex(i, len(s.versions)); err != nil {
		return err
	}
	s.current = i
	return nil
}

func (s *GroupStore) CreateVersion(name string) (int, error) {
	if s.IsCurrentEmpty() {
		return s.current, &models.NoOpError{Reason: "current group topic is empty, nothing to branch from"}
	}
	s.versions = append(s.versions, s.newVersion(name))
	s.current = len(s.versions) - 1
	return s.current, nil
}

// AppendMessage appends to the shared sequence; botID is ignored
func (s *GroupStore) AppendMessage(version int, _ string, msg models.Message) error {
	if err := checkIndex(version, len(s.versions)); err != nil {
		return err
	}
	s.versions[version].Messages = append(s.versions[version].Messages, msg)
	return nil
}

func (s *GroupStore) TrailingWindow(version int, _ string, n int) []models.Message {
	if version < 0 || version >= len(s.versions) {
		return []models.Message{}
	}
	return Tail(s.versions[version].Messages, n)
}

// Messages returns a copy of the shared sequence of the given version
func (s *GroupStore) Messages(version int) ([]models.Message, error) {
	if err := checkIndex(version, len(s.versions)); err != nil {
		return nil, err
	}
	return copyMessages(s.versions[version].Messages), nil
}

func (s *GroupStore) IsCurrentEmpty() bool {
	if s.current < 0 || s.current >= len(s.versions) {
		return true
	}
	return len(s.versions[s.current].Messages) == 0
}

func (s *GroupStore) ClearAll() {
	s.versions = []models.GroupHistoryVersion{s.newVersion("")}
	s.current = 0
}

func (s *GroupStore) Versions() []models.VersionInfo {
	out := make([]models.VersionInfo, len(s.versions))
	for i, v := range s.versions {
		out[i] = models.VersionInfo{
			Index:        i,
			Name:         v.Name,
			CreatedAt:    v.CreatedAt,
			MessageCount: len(v.Messages),
			Current:      i == s.current,
		}
	}
	return out
}

// Snapshot returns a deep copy of the versions and the current index
func (s *GroupStore) Snapshot() ([]models.GroupHistoryVersion, int) {
	out := make([]models.GroupHistoryVersion, len(s.versions))
	for i, v := range s.versions {
		out[i] = models.GroupHistoryVersion{
			Name:      v.Name,
			CreatedAt: v.CreatedAt,
			Messages:  copyMessages(v.Messages),
		}
	}
	return out, s.current
}

// Cursor binds the store to one version for callers that append and read repeatedly
func (s *GroupStore) Cursor(version int) *Cursor {
	return &Cursor{store: s, version: version}
}

func (s *GroupStore) newVersion(name string) models.GroupHistoryVersion {
	at := s.now()
	return models.GroupHistoryVersion{
		Name:      versionName(name, at),
		CreatedAt: at,
		Messages:  []models.Message{},
	}
}

// Cursor is a view of one group version
type Cursor struct {
	store   *GroupStore
	version int
}

func (c *Cursor) Append(msg models.Message) error {
	return c.store.AppendMessage(c.version, "", msg)
}

func (c *Cursor) Window(n int) []models.Message {
	return c.store.TrailingWindow(c.version, "", n)
}
