package overtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"EMS-backend/internal/platform/db"
)

const selectColumns = `
	SELECT request_id, employee_id, hours, note, status, requested_at, decided_by, decided_at
	FROM overtime_requests`

type Store struct{ db db.DBTX }

func NewStore(db db.DBTX) *Store { return &Store{db: db} }

// LockEmployee: 従業員行を FOR UPDATE で押さえる。Tx内で呼ぶと同一従業員の申請が直列化する。
// false は従業員が存在しない
func (s *Store) LockEmployee(ctx context.Context, employee string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM employee_accounts WHERE employee_id = ? FOR UPDATE`, employee).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Latest(ctx context.Context, employee string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
	WHERE employee_id = ?
	ORDER BY requested_at DESC, request_id DESC
	LIMIT 1`, employee)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE request_id = ?`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) Insert(ctx context.Context, r Request) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO overtime_requests (request_id, employee_id, hours, note, status, requested_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.EmployeeID, r.Hours, noteOrNil(r.Note), r.Status, r.RequestedAt.UTC(),
	)
	return err
}

// Decide: Pending の行だけ更新する。false は対象なし（存在しない or 決定済み）
func (s *Store) Decide(ctx context.Context, id, status, by string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE overtime_requests
	SET status = ?, decided_by = ?, decided_at = ?
	WHERE request_id = ? AND status = ?`,
		status, by, at.UTC(), id, StatusPending,
	)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff == 1, nil
}

func (s *Store) List(ctx context.Context, q ListQuery) ([]Request, error) {
	var (
		b      strings.Builder
		args   []any
		wheres []string
	)
	b.WriteString(selectColumns)
	if q.EmployeeID != nil && *q.EmployeeID != "" {
		wheres = append(wheres, "employee_id = ?")
		args = append(args, *q.EmployeeID)
	}
	if q.Status != nil && *q.Status != "" {
		wheres = append(wheres, "status = ?")
		args = append(args, *q.Status)
	}
	if len(wheres) > 0 {
		b.WriteString(" WHERE " + strings.Join(wheres, " AND "))
	}
	b.WriteString(" ORDER BY requested_at DESC, request_id DESC")
	b.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", q.Limit, q.Offset))

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(sc scanner) (Request, error) {
	var r requestRow
	if err := sc.Scan(&r.RequestID, &r.EmployeeID, &r.Hours, &r.Note, &r.Status,
		&r.RequestedAt, &r.DecidedBy, &r.DecidedAt); err != nil {
		return Request{}, err
	}
	return r.toModel(), nil
}

func noteOrNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// lockContention: デッドロック(1213) とロック待ちタイムアウト(1205)。再送すれば通る
func lockContention(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1213 || me.Number == 1205
	}
	return false
}
