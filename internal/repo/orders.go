package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"fieldline/internal/domain"
)

const orderColumns = `id,company_id,code,client_name,client_phone,client_email,address,city,status,priority,assignee_id,description,external_chat,accepted_at,completed_at,completed_by,created_at,updated_at`

func (r Repo) InsertOrder(ctx context.Context, tx *sql.Tx, o domain.WorkOrder) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO orders(`+orderColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.CompanyID, o.Code, o.ClientName, nullable(o.ClientPhone), nullable(o.ClientEmail), o.Address, nullable(o.City),
		o.Status, o.Priority, nullableStringPtr(o.AssigneeID), o.Description, nullable(o.ExternalChat),
		nullableStringPtr(o.AcceptedAt), nullableStringPtr(o.CompletedAt), nullableStringPtr(o.CompletedBy), o.CreatedAt, o.UpdatedAt)
	return err
}

func (r Repo) UpdateOrder(ctx context.Context, tx *sql.Tx, o domain.WorkOrder) error {
	_, err := tx.ExecContext(ctx, `UPDATE orders SET client_name=?, client_phone=?, client_email=?, address=?, city=?, status=?, priority=?, assignee_id=?, description=?, external_chat=?, accepted_at=?, completed_at=?, completed_by=?, updated_at=? WHERE id=?`,
		o.ClientName, nullable(o.ClientPhone), nullable(o.ClientEmail), o.Address, nullable(o.City), o.Status, o.Priority,
		nullableStringPtr(o.AssigneeID), o.Description, nullable(o.ExternalChat),
		nullableStringPtr(o.AcceptedAt), nullableStringPtr(o.CompletedAt), nullableStringPtr(o.CompletedBy), o.UpdatedAt, o.ID)
	return err
}

func scanOrder(scan func(dest ...any) error) (domain.WorkOrder, error) {
	var o domain.WorkOrder
	var clientPhone, clientEmail, city, assigneeID, externalChat, acceptedAt, completedAt, completedBy sql.NullString
	err := scan(&o.ID, &o.CompanyID, &o.Code, &o.ClientName, &clientPhone, &clientEmail, &o.Address, &city,
		&o.Status, &o.Priority, &assigneeID, &o.Description, &externalChat, &acceptedAt, &completedAt, &completedBy,
		&o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if clientPhone.Valid {
		o.ClientPhone = clientPhone.String
	}
	if clientEmail.Valid {
		o.ClientEmail = clientEmail.String
	}
	if city.Valid {
		o.City = city.String
	}
	if assigneeID.Valid {
		o.AssigneeID = &assigneeID.String
	}
	if externalChat.Valid {
		o.ExternalChat = externalChat.String
	}
	if acceptedAt.Valid {
		o.AcceptedAt = &acceptedAt.String
	}
	if completedAt.Valid {
		o.CompletedAt = &completedAt.String
	}
	if completedBy.Valid {
		o.CompletedBy = &completedBy.String
	}
	return o, nil
}

func (r Repo) GetOrder(ctx context.Context, id string) (domain.WorkOrder, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id)
	return scanOrder(row.Scan)
}

func (r Repo) GetOrderTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkOrder, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id)
	return scanOrder(row.Scan)
}

func (r Repo) GetOrderByCode(ctx context.Context, companyID, code string) (domain.WorkOrder, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE company_id=? AND code=?`, companyID, code)
	return scanOrder(row.Scan)
}

type OrderFilters struct {
	CompanyID       string
	Status          string
	Priority        string
	AssigneeID      string
	City            string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListOrders(ctx context.Context, f OrderFilters) ([]domain.WorkOrder, error) {
	var clauses []string
	var args []any
	if f.CompanyID != "" {
		clauses = append(clauses, "company_id=?")
		args = append(args, f.CompanyID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.City != "" {
		clauses = append(clauses, "city=?")
		args = append(args, f.City)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + orderColumns + ` FROM orders ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkOrder
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// CountOrdersByStatus returns order counts per status for a company.
func (r Repo) CountOrdersByStatus(ctx context.Context, companyID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM orders WHERE company_id=? GROUP BY status`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		res[status] = n
	}
	return res, rows.Err()
}

// ListWatchedOrders returns a company's non-terminal orders plus terminal
// orders touched at or after closedSince, so satisfaction replies that arrive
// after completion are still observed. An empty closedSince returns open
// orders only.
func (r Repo) ListWatchedOrders(ctx context.Context, companyID, closedSince string) ([]domain.WorkOrder, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE company_id=? AND (status NOT IN ('completed','cancelled') OR (?<>'' AND updated_at >= ?)) ORDER BY created_at ASC`, companyID, closedSince, closedSince)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkOrder
	for rows.Next() {
		o, err := scanOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// NextOrderCode allocates the next sequential code for a company, e.g. OS-000042.
func (r Repo) NextOrderCode(ctx context.Context, tx *sql.Tx, companyID, prefix string) (string, error) {
	if prefix == "" {
		prefix = "OS"
	}
	var next int64
	err := tx.QueryRowContext(ctx, `SELECT next FROM order_codes WHERE company_id=?`, companyID).Scan(&next)
	if err == sql.ErrNoRows {
		next = 1
		if _, err := tx.ExecContext(ctx, `INSERT INTO order_codes(company_id,next) VALUES (?,2)`, companyID); err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE order_codes SET next=next+1 WHERE company_id=?`, companyID); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("%s-%06d", prefix, next), nil
}

func (r Repo) UpsertStage(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	payload, err := json.Marshal(s.Payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO order_stages(order_id,number,payload_json,completed_at) VALUES (?,?,?,?)
ON CONFLICT(order_id,number) DO UPDATE SET payload_json=excluded.payload_json, completed_at=excluded.completed_at`,
		s.OrderID, s.Number, string(payload), s.CompletedAt)
	return err
}

func (r Repo) GetStages(ctx context.Context, orderID string) (map[int]domain.Stage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT order_id,number,payload_json,completed_at FROM order_stages WHERE order_id=? ORDER BY number ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[int]domain.Stage{}
	for rows.Next() {
		var s domain.Stage
		var payload string
		if err := rows.Scan(&s.OrderID, &s.Number, &payload, &s.CompletedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &s.Payload); err != nil {
			return nil, fmt.Errorf("stage %d payload: %w", s.Number, err)
		}
		res[s.Number] = s
	}
	return res, rows.Err()
}

func (r Repo) StageDone(ctx context.Context, orderID string, number int) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM order_stages WHERE order_id=? AND number=?`, orderID, number).Scan(&n)
	return n > 0, err
}

// ClaimMilestone records a milestone flag. It returns true only for the single
// caller that flipped the flag; every later (or concurrent) call returns false.
func (r Repo) ClaimMilestone(ctx context.Context, tx *sql.Tx, orderID string, m domain.Milestone, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO order_milestones(order_id,milestone,created_at) VALUES (?,?,?)`,
		orderID, string(m), now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) ListMilestones(ctx context.Context, orderID string) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT milestone FROM order_milestones WHERE order_id=? ORDER BY created_at ASC, milestone ASC`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		res = append(res, domain.Milestone(m))
	}
	return res, rows.Err()
}

func (r Repo) GetGatewayCursor(ctx context.Context, orderID string) (int64, error) {
	var cursor int64
	err := r.DB.QueryRowContext(ctx, `SELECT cursor FROM gateway_cursors WHERE order_id=?`, orderID).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return cursor, err
}

func (r Repo) SetGatewayCursor(ctx context.Context, orderID string, cursor int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO gateway_cursors(order_id,cursor) VALUES (?,?)
ON CONFLICT(order_id) DO UPDATE SET cursor=excluded.cursor`, orderID, cursor)
	return err
}
