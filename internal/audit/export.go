package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Export formats. JSON preserves every field; CSV flattens for spreadsheet use.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// ErrUnsupportedFormat rejects export formats other than json and csv.
var ErrUnsupportedFormat = errors.New("audit: unsupported export format")

type exportEntry struct {
	ID                string    `json:"id"`
	ActorID           string    `json:"actor_id"`
	ActorRole         string    `json:"actor_role"`
	Action            string    `json:"action"`
	TargetType        string    `json:"target_type,omitempty"`
	TargetID          string    `json:"target_id,omitempty"`
	PreviousState     string    `json:"previous_state,omitempty"`
	NewState          string    `json:"new_state,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	IP                string    `json:"ip,omitempty"`
	UserAgent         string    `json:"user_agent,omitempty"`
	SecondaryVerified bool      `json:"secondary_verified"`
	IntegrityToken    string    `json:"integrity_token"`
	CreatedAt         time.Time `json:"created_at"`
}

// Export serializes entries for download. Callers redact before exporting;
// this function writes entries as given.
func Export(entries []*Entry, format string) ([]byte, error) {
	switch format {
	case FormatJSON:
		out := make([]exportEntry, len(entries))
		for i, e := range entries {
			out[i] = toExport(e)
		}
		return json.MarshalIndent(out, "", "  ")
	case FormatCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write([]string{
			"id", "actor_id", "actor_role", "action", "target_type", "target_id",
			"previous_state", "new_state", "reason", "ip", "user_agent",
			"secondary_verified", "integrity_token", "created_at",
		}); err != nil {
			return nil, err
		}
		for _, e := range entries {
			if err := w.Write([]string{
				e.ID, e.ActorID, string(e.ActorRole), string(e.Action), e.TargetType, e.TargetID,
				e.PreviousState, e.NewState, e.Reason, e.IP, e.UserAgent,
				strconv.FormatBool(e.SecondaryVerified), e.IntegrityToken,
				e.CreatedAt.UTC().Format(time.RFC3339Nano),
			}); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedFormat, format)
	}
}

func toExport(e *Entry) exportEntry {
	return exportEntry{
		ID:                e.ID,
		ActorID:           e.ActorID,
		ActorRole:         string(e.ActorRole),
		Action:            string(e.Action),
		TargetType:        e.TargetType,
		TargetID:          e.TargetID,
		PreviousState:     e.PreviousState,
		NewState:          e.NewState,
		Reason:            e.Reason,
		IP:                e.IP,
		UserAgent:         e.UserAgent,
		SecondaryVerified: e.SecondaryVerified,
		IntegrityToken:    e.IntegrityToken,
		CreatedAt:         e.CreatedAt,
	}
}
