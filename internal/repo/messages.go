package repo

import (
	"context"
	"database/sql"

	"fieldline/internal/domain"
)

const messageColumns = `id,order_id,channel,sender_id,sender_name,body,media_ref,media_type,from_company,read,ts`

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO messages(`+messageColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.OrderID, m.Channel, m.SenderID, nullable(m.SenderName), m.Body, nullable(m.MediaRef), nullable(m.MediaType),
		m.FromCompany, m.Read, m.Timestamp)
	return err
}

func scanMessage(scan func(dest ...any) error) (domain.Message, error) {
	var m domain.Message
	var senderName, mediaRef, mediaType sql.NullString
	err := scan(&m.ID, &m.OrderID, &m.Channel, &m.SenderID, &senderName, &m.Body, &mediaRef, &mediaType,
		&m.FromCompany, &m.Read, &m.Timestamp)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if senderName.Valid {
		m.SenderName = senderName.String
	}
	if mediaRef.Valid {
		m.MediaRef = mediaRef.String
	}
	if mediaType.Valid {
		m.MediaType = mediaType.String
	}
	return m, nil
}

// ListMessages returns one channel of an order's conversation in timestamp order.
func (r Repo) ListMessages(ctx context.Context, orderID, channel string) ([]domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE order_id=?`
	args := []any{orderID}
	if channel != "" {
		query += ` AND channel=?`
		args = append(args, channel)
	}
	query += ` ORDER BY ts ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) MarkMessagesRead(ctx context.Context, orderID, readerID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE messages SET read=1 WHERE order_id=? AND read=0 AND sender_id != ?`, orderID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) UnreadMessageCount(ctx context.Context, orderID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM messages WHERE order_id=? AND read=0 AND from_company=0`, orderID).Scan(&n)
	return n, err
}
