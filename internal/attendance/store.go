package attendance

import (
	"bytes"
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
	SELECT attendance_id, employee_id, DATE_FORMAT(attended_on, '%Y-%m-%d') AS attended_on, shift, status,
	       check_in_at, check_in_photo, check_out_at, check_out_photo
	FROM attendance_records`

var errDuplicate = errors.New("attendance already exists")

type Store struct{ db db.DBTX }

func NewStore(db db.DBTX) *Store { return &Store{db: db} }

// InsertCheckIn: (employee_id, attended_on) は UNIQUE。二重打刻は errDuplicate
func (s *Store) InsertCheckIn(ctx context.Context, a Attendance) (uint64, error) {
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO attendance_records (employee_id, attended_on, shift, status, check_in_at, check_in_photo)
	VALUES (?, ?, ?, ?, ?, ?)`,
		a.EmployeeID, a.AttendedOn, a.Shift, a.Status, a.CheckInAt.UTC(), a.CheckInPhoto,
	)
	if err != nil {
		var me *mysql.MySQLError
		if errors.As(err, &me) && me.Number == 1062 { // duplicate key
			return 0, errDuplicate
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// MarkCheckOut: 未退勤の行だけ更新する。戻り値 false は対象なし（未出勤 or 退勤済み）
func (s *Store) MarkCheckOut(ctx context.Context, employee, on string, at time.Time, photo string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
	UPDATE attendance_records
	SET check_out_at = ?, check_out_photo = ?
	WHERE employee_id = ? AND attended_on = ? AND check_out_at IS NULL`,
		at.UTC(), photo, employee, on,
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

// Get: 指定従業員・指定日の記録。無ければ nil
func (s *Store) Get(ctx context.Context, employee, on string) (*Attendance, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+`
	WHERE employee_id = ? AND attended_on = ?`, employee, on)
	a, err := scanAttendance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// List: 条件に応じて動的WHERE + ORDER + LIMIT/OFFSET
func (s *Store) List(ctx context.Context, q ListQuery) ([]Attendance, int64, error) {
	var (
		buf    bytes.Buffer
		args   []any
		wheres []string
	)

	buf.WriteString(selectColumns)
	// WHERE
	if q.EmployeeID != nil && *q.EmployeeID != "" {
		wheres = append(wheres, "employee_id = ?")
		args = append(args, *q.EmployeeID)
	}
	if q.On != nil && *q.On != "" {
		wheres = append(wheres, "attended_on = ?")
		args = append(args, *q.On)
	} else {
		if q.From != nil && *q.From != "" {
			wheres = append(wheres, "attended_on >= ?")
			args = append(args, *q.From)
		}
		if q.To != nil && *q.To != "" {
			wheres = append(wheres, "attended_on <= ?")
			args = append(args, *q.To)
		}
	}
	if len(wheres) > 0 {
		buf.WriteString(" WHERE " + strings.Join(wheres, " AND "))
	}

	// ORDER
	switch q.Sort {
	case SortCheckInAsc:
		buf.WriteString(" ORDER BY check_in_at ASC, attendance_id ASC")
	case SortAttendedOnDesc:
		buf.WriteString(" ORDER BY attended_on DESC, check_in_at DESC, attendance_id DESC")
	case SortAttendedOnAsc:
		buf.WriteString(" ORDER BY attended_on ASC, check_in_at ASC, attendance_id ASC")
	default:
		buf.WriteString(" ORDER BY check_in_at DESC, attendance_id DESC")
	}

	// LIMIT/OFFSET
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	buf.WriteString(fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset))

	rows, err := s.db.QueryContext(ctx, buf.String(), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []Attendance
	for rows.Next() {
		a, err := scanAttendance(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// COUNT（ORDER BY より前までを再構築）
	var cntBuf bytes.Buffer
	cntBuf.WriteString("SELECT COUNT(*) FROM attendance_records")
	if len(wheres) > 0 {
		cntBuf.WriteString(" WHERE " + strings.Join(wheres, " AND "))
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, cntBuf.String(), args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Stats: 期間の出勤日数・遅刻数を従業員別に集計（TOP N）
func (s *Store) Stats(ctx context.Context, from, to string, limit int) ([]StatsRow, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT employee_id, COUNT(*) AS days, COALESCE(SUM(status = ?), 0) AS late
	FROM attendance_records
	WHERE attended_on BETWEEN ? AND ?
	GROUP BY employee_id
	ORDER BY days DESC, employee_id ASC
	LIMIT ?`, StatusLate, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatsRow
	for rows.Next() {
		var row StatsRow
		if err := rows.Scan(&row.EmployeeID, &row.Days, &row.Late); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAttendance(sc scanner) (Attendance, error) {
	var r attendanceRow
	if err := sc.Scan(&r.AttendanceID, &r.EmployeeID, &r.AttendedOn, &r.Shift, &r.Status,
		&r.CheckInAt, &r.CheckInPhoto, &r.CheckOutAt, &r.CheckOutPhoto); err != nil {
		return Attendance{}, err
	}
	return r.toModel(), nil
}
