package repo

import (
	"context"
	"database/sql"
	"strings"

	"fieldline/internal/domain"
)

const notificationColumns = `id,company_id,order_id,type,title,body,audience,user_id,read,created_at`

func (r Repo) InsertNotification(ctx context.Context, tx *sql.Tx, n domain.Notification) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO notifications(`+notificationColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.CompanyID, nullable(n.OrderID), n.Type, n.Title, n.Body, nullable(n.Audience), nullable(n.UserID), n.Read, n.CreatedAt)
	return err
}

type NotificationFilters struct {
	CompanyID string
	OrderID   string
	Audience  string
	UserID    string
	Unread    bool
	Limit     int
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilters) ([]domain.Notification, error) {
	var clauses []string
	var args []any
	if f.CompanyID != "" {
		clauses = append(clauses, "company_id=?")
		args = append(args, f.CompanyID)
	}
	if f.OrderID != "" {
		clauses = append(clauses, "order_id=?")
		args = append(args, f.OrderID)
	}
	if f.Audience != "" {
		clauses = append(clauses, "audience=?")
		args = append(args, f.Audience)
	}
	if f.UserID != "" {
		clauses = append(clauses, "(user_id=? OR user_id IS NULL)")
		args = append(args, f.UserID)
	}
	if f.Unread {
		clauses = append(clauses, "read=0")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + notificationColumns + ` FROM notifications ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var orderID, audience, userID sql.NullString
		if err := rows.Scan(&n.ID, &n.CompanyID, &orderID, &n.Type, &n.Title, &n.Body, &audience, &userID, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		if orderID.Valid {
			n.OrderID = orderID.String
		}
		if audience.Valid {
			n.Audience = audience.String
		}
		if userID.Valid {
			n.UserID = userID.String
		}
		res = append(res, n)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE notifications SET read=1 WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) MarkAllNotificationsRead(ctx context.Context, companyID, userID string) (int64, error) {
	query := `UPDATE notifications SET read=1 WHERE company_id=? AND read=0`
	args := []any{companyID}
	if userID != "" {
		query += ` AND (user_id=? OR user_id IS NULL)`
		args = append(args, userID)
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) UnreadNotificationCount(ctx context.Context, companyID, userID string) (int, error) {
	query := `SELECT count(*) FROM notifications WHERE company_id=? AND read=0`
	args := []any{companyID}
	if userID != "" {
		query += ` AND (user_id=? OR user_id IS NULL)`
		args = append(args, userID)
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}
