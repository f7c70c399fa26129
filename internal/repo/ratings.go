package repo

import (
	"context"
	"database/sql"
	"strings"

	"fieldline/internal/domain"
)

// InsertRating records a rating unless one already exists for the same source
// message. Returns true when the row was inserted.
func (r Repo) InsertRating(ctx context.Context, tx *sql.Tx, rating domain.Rating) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO ratings(id,company_id,order_id,message_id,score,created_at) VALUES (?,?,?,?,?,?)`,
		rating.ID, rating.CompanyID, nullable(rating.OrderID), rating.MessageID, rating.Score, rating.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type RatingFilters struct {
	CompanyID string
	OrderID   string
	Limit     int
}

func (r Repo) ListRatings(ctx context.Context, f RatingFilters) ([]domain.Rating, error) {
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
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,company_id,order_id,message_id,score,created_at FROM ratings ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rating
	for rows.Next() {
		var rt domain.Rating
		var orderID sql.NullString
		if err := rows.Scan(&rt.ID, &rt.CompanyID, &orderID, &rt.MessageID, &rt.Score, &rt.CreatedAt); err != nil {
			return nil, err
		}
		if orderID.Valid {
			rt.OrderID = orderID.String
		}
		res = append(res, rt)
	}
	return res, rows.Err()
}

// RatingSummary aggregates scores for a company.
func (r Repo) RatingSummary(ctx context.Context, companyID string) (count int, average float64, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT count(*), COALESCE(avg(score),0) FROM ratings WHERE company_id=?`, companyID).
		Scan(&count, &average)
	return count, average, err
}
