package store

import (
	"context"
	"fmt"
	"time"
)

// Roles recorded in the conversation log. The dispatcher maps "bot" to the
// model-facing assistant role; the log keeps the storage-level name.
const (
	RoleUser = "user"
	RoleBot  = "bot"
)

// Turn is one append-only conversation log entry.
type Turn struct {
	ID        int64
	UserID    int64
	Role      string
	Message   string
	Timestamp time.Time
}

// AppendTurn appends a conversation turn for a user.
func (s *Store) AppendTurn(ctx context.Context, userID int64, role, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user_id, role, message, timestamp) VALUES (?, ?, ?, ?)`,
		userID, role, message, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// RecentTurns returns the most recent limit turns for a user in
// chronological order. Ordering is by timestamp with the autoincrement id
// as a deterministic tie-break, so turns written in the same instant keep
// their insertion order regardless of which connection wrote them.
func (s *Store) RecentTurns(ctx context.Context, userID int64, limit int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, role, message, timestamp FROM (
			SELECT id, user_id, role, message, timestamp
			FROM messages WHERE user_id = ?
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		) ORDER BY timestamp ASC, id ASC`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.UserID, &t.Role, &t.Message, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}
