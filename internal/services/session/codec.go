package session

import (
	"encoding/json"
	"fmt"

	"github.com/multibot-chat-go/internal/models"
)

// Encode serialises a session state snapshot
func Encode(state models.SessionState) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session state: %w", err)
	}
	return data, nil
}

// Decode restores and validates a snapshot. Anything inconsistent is reported as an
// IntegrityError and left as is.
func Decode(userID string, data []byte) (models.SessionState, error) {
	var state models.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return models.SessionState{}, &models.IntegrityError{UserID: userID, Reason: "undecodable snapshot", Cause: err}
	}
	if reason := validate(state); reason != "" {
		return models.SessionState{}, &models.IntegrityError{UserID: userID, Reason: reason}
	}
	return state, nil
}

func validate(state models.SessionState) string {
	seen := make(map[string]bool, len(state.Bots))
	for _, b := range state.Bots {
		if b.ID == "" {
			return "bot with empty id"
		}
		if seen[b.ID] {
			return fmt.Sprintf("duplicate bot id %q", b.ID)
		}
		seen[b.ID] = true
		if b.HistoryLength < 0 {
			return fmt.Sprintf("bot %q has negative history length %d", b.ID, b.HistoryLength)
		}
	}

	if len(state.HistoryVersions) == 0 {
		return "no private history versions"
	}
	if state.CurrentHistory < 0 || state.CurrentHistory >= len(state.HistoryVersions) {
		return fmt.Sprintf("current private version %d out of range", state.CurrentHistory)
	}
	for i, v := range state.HistoryVersions {
		if reason := validatePrivateVersion(v); reason != "" {
			return fmt.Sprintf("private version %d: %s", i, reason)
		}
	}

	if len(state.GroupVersions) == 0 {
		return "no group history versions"
	}
	if state.CurrentGroupHistory < 0 || state.CurrentGroupHistory >= len(state.GroupVersions) {
		return fmt.Sprintf("current group version %d out of range", state.CurrentGroupHistory)
	}
	for i, v := range state.GroupVersions {
		if reason := validateMessages(v.Messages); reason != "" {
			return fmt.Sprintf("group version %d: %s", i, reason)
		}
	}

	// The upper bound is configuration and is applied per turn, not here.
	cfg := state.ChatConfig
	if cfg.HistoryLength < 1 {
		return fmt.Sprintf("history length %d out of range", cfg.HistoryLength)
	}
	if cfg.GroupHistoryLength < 1 {
		return fmt.Sprintf("group history length %d out of range", cfg.GroupHistoryLength)
	}

	if state.LastVisitedPage != "" && !state.LastVisitedPage.Valid() {
		return fmt.Sprintf("unknown page %q", state.LastVisitedPage)
	}
	return ""
}

// validatePrivateVersion checks that the participants are exactly the bots holding a sequence
func validatePrivateVersion(v models.HistoryVersion) string {
	parts := make(map[string]bool, len(v.Participants))
	for _, id := range v.Participants {
		if parts[id] {
			return fmt.Sprintf("bot %q listed twice as participant", id)
		}
		parts[id] = true
		if _, ok := v.Histories[id]; !ok {
			return fmt.Sprintf("participant %q has no history", id)
		}
	}
	for id, msgs := range v.Histories {
		if !parts[id] {
			return fmt.Sprintf("history of bot %q without participation", id)
		}
		if reason := validateMessages(msgs); reason != "" {
			return reason
		}
	}
	return ""
}

func validateMessages(msgs []models.Message) string {
	for i, m := range msgs {
		if !m.Role.Valid() {
			return fmt.Sprintf("message %d has invalid role %q", i, m.Role)
		}
	}
	return ""
}
