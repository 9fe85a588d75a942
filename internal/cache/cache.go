// Package cache mirrors remote LMS courses, users, participation,
// assignments, and submissions into the shared SQLite database. Every
// write is an upsert keyed on the natural primary key; list refreshes that
// must remove stale children perform a set-valued DELETE gated by "id not
// in the provided set".
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"coursewatch/internal/model"
)

// Store is the Cache repository. It owns no connection lifecycle beyond
// the *sql.DB handed to it; callers open and close the database.
type Store struct {
	db *sql.DB
}

// New wraps db as a Cache repository. db must already have the schema
// migrated (see internal/storage.Open).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle, for packages (notably
// internal/digest) that share this repository's connection.
func (s *Store) DB() *sql.DB { return s.db }

func nullableUnixFromTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func timeFromNullableUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(n.Int64, 0).UTC()
	return &t
}

// StoreCourses upserts each course, its users, groups, and roles, and
// full-syncs participant/role/group links for exactly the provided
// courses. Courses not present in the slice are left untouched.
func (s *Store) StoreCourses(ctx context.Context, courses []model.Course, participants map[model.CourseID][]model.Participant, groups map[model.CourseID][]model.Group, users map[model.UserID]model.User, roles map[model.RoleID]model.Role, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: begin store_courses: %w", err)
	}
	defer tx.Rollback()

	courseIDs := make([]any, 0, len(courses))
	for _, c := range courses {
		courseIDs = append(courseIDs, int64(c.ID))
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO moodle_courses (id, shortname, fullname, starts, ends, last_seen)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				shortname = excluded.shortname,
				fullname = excluded.fullname,
				starts = excluded.starts,
				ends = excluded.ends,
				last_seen = excluded.last_seen
		`, int64(c.ID), c.ShortName, c.FullName, nullableUnixFromTime(c.Opens), nullableUnixFromTime(c.Closes), now.Unix()); err != nil {
			return fmt.Errorf("cache: upsert course %d: %w", c.ID, err)
		}
	}

	for _, u := range users {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO moodle_users (id, fullname, email, last_seen)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				fullname = excluded.fullname,
				email = excluded.email,
				last_seen = excluded.last_seen
		`, int64(u.ID), u.FullName, u.Email, now.Unix()); err != nil {
			return fmt.Errorf("cache: upsert user %d: %w", u.ID, err)
		}
	}

	for _, r := range roles {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO moodle_roles (id, name) VALUES (?, ?)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name
		`, int64(r.ID), r.Name); err != nil {
			return fmt.Errorf("cache: upsert role %d: %w", r.ID, err)
		}
	}

	for courseID, gs := range groups {
		groupIDs := make([]any, 0, len(gs))
		for _, g := range gs {
			groupIDs = append(groupIDs, int64(g.ID))
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO moodle_groups (id, course_id, name) VALUES (?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET course_id = excluded.course_id, name = excluded.name
			`, int64(g.ID), int64(courseID), g.Name); err != nil {
				return fmt.Errorf("cache: upsert group %d: %w", g.ID, err)
			}
		}
		if err := deleteNotIn(ctx, tx, "moodle_groups", "course_id", int64(courseID), "id", groupIDs); err != nil {
			return fmt.Errorf("cache: prune groups for course %d: %w", courseID, err)
		}
	}

	for courseID, ps := range participants {
		pairs := make([][2]int64, 0, len(ps))
		for _, p := range ps {
			pairs = append(pairs, [2]int64{int64(p.CourseID), int64(p.UserID)})
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO moodle_participants (course_id, user_id) VALUES (?, ?)
				ON CONFLICT (course_id, user_id) DO NOTHING
			`, int64(p.CourseID), int64(p.UserID)); err != nil {
				return fmt.Errorf("cache: upsert participant (%d,%d): %w", p.CourseID, p.UserID, err)
			}
			if err := replaceParticipantRoles(ctx, tx, p); err != nil {
				return err
			}
			if err := replaceParticipantGroups(ctx, tx, p); err != nil {
				return err
			}
		}
		if err := pruneParticipantsNotIn(ctx, tx, courseID, pairs); err != nil {
			return fmt.Errorf("cache: prune participants for course %d: %w", courseID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: commit store_courses: %w", err)
	}
	return nil
}

func replaceParticipantRoles(ctx context.Context, tx *sql.Tx, p model.Participant) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM moodle_participant_roles WHERE course_id = ? AND user_id = ?`, int64(p.CourseID), int64(p.UserID)); err != nil {
		return fmt.Errorf("cache: clear participant roles (%d,%d): %w", p.CourseID, p.UserID, err)
	}
	for _, roleID := range p.RoleIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO moodle_participant_roles (course_id, user_id, role_id) VALUES (?, ?, ?)
		`, int64(p.CourseID), int64(p.UserID), int64(roleID)); err != nil {
			return fmt.Errorf("cache: insert participant role (%d,%d,%d): %w", p.CourseID, p.UserID, roleID, err)
		}
	}
	return nil
}

func replaceParticipantGroups(ctx context.Context, tx *sql.Tx, p model.Participant) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM moodle_participant_groups WHERE course_id = ? AND user_id = ?`, int64(p.CourseID), int64(p.UserID)); err != nil {
		return fmt.Errorf("cache: clear participant groups (%d,%d): %w", p.CourseID, p.UserID, err)
	}
	for _, groupID := range p.GroupIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO moodle_participant_groups (course_id, user_id, group_id) VALUES (?, ?, ?)
		`, int64(p.CourseID), int64(p.UserID), int64(groupID)); err != nil {
			return fmt.Errorf("cache: insert participant group (%d,%d,%d): %w", p.CourseID, p.UserID, groupID, err)
		}
	}
	return nil
}

func pruneParticipantsNotIn(ctx context.Context, tx *sql.Tx, courseID model.CourseID, keep [][2]int64) error {
	rows, err := tx.QueryContext(ctx, `SELECT user_id FROM moodle_participants WHERE course_id = ?`, int64(courseID))
	if err != nil {
		return err
	}
	var existing []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			rows.Close()
			return err
		}
		existing = append(existing, uid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	keepSet := make(map[int64]bool, len(keep))
	for _, pair := range keep {
		keepSet[pair[1]] = true
	}
	for _, uid := range existing {
		if keepSet[uid] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM moodle_participants WHERE course_id = ? AND user_id = ?`, int64(courseID), uid); err != nil {
			return err
		}
	}
	return nil
}

// deleteNotIn deletes rows from table where scopeCol = scopeVal and idCol
// is not in keepIDs. An empty keepIDs deletes every scoped row.
func deleteNotIn(ctx context.Context, tx *sql.Tx, table, scopeCol string, scopeVal int64, idCol string, keepIDs []any) error {
	if len(keepIDs) == 0 {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, table, scopeCol), scopeVal)
		return err
	}
	placeholders := make([]byte, 0, len(keepIDs)*2)
	args := make([]any, 0, len(keepIDs)+1)
	args = append(args, scopeVal)
	for i, id := range keepIDs {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, id)
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s = ? AND %s NOT IN (%s)`, table, scopeCol, idCol, string(placeholders))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// StoreAssignments upserts each assignment by id.
func (s *Store) StoreAssignments(ctx context.Context, assignments []model.Assignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: begin store_assignments: %w", err)
	}
	defer tx.Rollback()

	for _, a := range assignments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO moodle_assignments (id, course_id, name, opening, closing, cutoff)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				course_id = excluded.course_id,
				name = excluded.name,
				opening = excluded.opening,
				closing = excluded.closing,
				cutoff = excluded.cutoff
		`, int64(a.ID), int64(a.CourseID), a.Name, nullableUnixFromTime(a.Opens), nullableUnixFromTime(a.Due), nullableUnixFromTime(a.Cutoff)); err != nil {
			return fmt.Errorf("cache: upsert assignment %d: %w", a.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: commit store_assignments: %w", err)
	}
	return nil
}

// DropAssignmentsExceptFor deletes assignments whose course_id is a key of
// content and whose (course_id, id) pair is not present in content. Courses
// not named in content are untouched.
func (s *Store) DropAssignmentsExceptFor(ctx context.Context, content map[model.CourseID][]model.AssignmentID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: begin drop_assignments_except_for: %w", err)
	}
	defer tx.Rollback()

	for courseID, keep := range content {
		keepIDs := make([]any, 0, len(keep))
		for _, id := range keep {
			keepIDs = append(keepIDs, int64(id))
		}
		if err := deleteNotIn(ctx, tx, "moodle_assignments", "course_id", int64(courseID), "id", keepIDs); err != nil {
			return fmt.Errorf("cache: prune assignments for course %d: %w", courseID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: commit drop_assignments_except_for: %w", err)
	}
	return nil
}

// StoreSubmissions upserts submissions by id and their submitted files by
// (submission_id, filename). Submissions are never deleted here; they
// disappear only through the assignment's cascade.
func (s *Store) StoreSubmissions(ctx context.Context, submissions []model.Submission, files []model.SubmittedFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: begin store_submissions: %w", err)
	}
	defer tx.Rollback()

	for _, sub := range submissions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO moodle_submissions (id, assignment_id, user_id, status, updated)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				assignment_id = excluded.assignment_id,
				user_id = excluded.user_id,
				status = excluded.status,
				updated = excluded.updated
		`, int64(sub.ID), int64(sub.AssignmentID), int64(sub.UserID), sub.Status, sub.Updated.Unix()); err != nil {
			return fmt.Errorf("cache: upsert submission %d: %w", sub.ID, err)
		}
	}

	for _, f := range files {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO moodle_submitted_files (submission_id, filename, assignment_id, user_id, filesize, mimetype, url, uploaded)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (submission_id, filename) DO UPDATE SET
				assignment_id = excluded.assignment_id,
				user_id = excluded.user_id,
				filesize = excluded.filesize,
				mimetype = excluded.mimetype,
				url = excluded.url,
				uploaded = excluded.uploaded
		`, int64(f.SubmissionID), f.Filename, int64(f.AssignmentID), int64(f.UserID), f.FileSize, f.MimeType, f.URL, f.Uploaded.Unix()); err != nil {
			return fmt.Errorf("cache: upsert submitted file (%d,%s): %w", f.SubmissionID, f.Filename, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: commit store_submissions: %w", err)
	}
	return nil
}

// GetOpenCourseIDs returns course ids where the course is currently open:
// (starts is null or starts <= now) and (ends is null or ends >= now). If
// withDatesOnly, a null bound disqualifies the course instead of passing.
func (s *Store) GetOpenCourseIDs(ctx context.Context, now time.Time, withDatesOnly bool) ([]model.CourseID, error) {
	var query string
	if withDatesOnly {
		query = `SELECT id FROM moodle_courses WHERE starts IS NOT NULL AND starts <= ? AND ends IS NOT NULL AND ends >= ?`
	} else {
		query = `SELECT id FROM moodle_courses WHERE (starts IS NULL OR starts <= ?) AND (ends IS NULL OR ends >= ?)`
	}
	rows, err := s.db.QueryContext(ctx, query, now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("cache: get_open_course_ids: %w", err)
	}
	defer rows.Close()

	var ids []model.CourseID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("cache: scan open course id: %w", err)
		}
		ids = append(ids, model.CourseID(id))
	}
	return ids, rows.Err()
}

// getActiveAssignmentIDs is shared by the ending-soon and
// not-ending-soon queries; endingSoon flips the closing-window predicate.
func (s *Store) getActiveAssignmentIDs(ctx context.Context, now time.Time, before, after time.Duration, endingSoon bool) ([]model.AssignmentID, error) {
	lower := now.Add(-before).Unix()
	upper := now.Add(after).Unix()

	windowPredicate := `((a.closing IS NOT NULL AND a.closing BETWEEN ? AND ?) OR (a.cutoff IS NOT NULL AND a.cutoff BETWEEN ? AND ?))`
	if !endingSoon {
		windowPredicate = "NOT (" + windowPredicate + ")"
	}

	query := fmt.Sprintf(`
		SELECT a.id
		FROM moodle_assignments a
		JOIN moodle_courses c ON c.id = a.course_id
		WHERE (c.starts IS NULL OR c.starts <= ?)
		  AND (c.ends IS NULL OR c.ends >= ?)
		  AND (a.opening IS NULL OR a.opening <= ?)
		  AND %s
	`, windowPredicate)

	rows, err := s.db.QueryContext(ctx, query, now.Unix(), now.Unix(), now.Unix(), lower, upper, lower, upper)
	if err != nil {
		return nil, fmt.Errorf("cache: get_active_assignment_ids: %w", err)
	}
	defer rows.Close()

	var ids []model.AssignmentID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("cache: scan assignment id: %w", err)
		}
		ids = append(ids, model.AssignmentID(id))
	}
	return ids, rows.Err()
}

// GetActiveAssignmentIDsEndingSoon returns ids of open-course assignments
// whose opening has passed (or is unset) and whose due or cutoff falls
// within [now-before, now+after].
func (s *Store) GetActiveAssignmentIDsEndingSoon(ctx context.Context, now time.Time, before, after time.Duration) ([]model.AssignmentID, error) {
	return s.getActiveAssignmentIDs(ctx, now, before, after, true)
}

// GetActiveAssignmentIDsNotEndingSoon is the logical negation of the
// closing-window clause, keeping the course-open and opening-passed
// clauses.
func (s *Store) GetActiveAssignmentIDsNotEndingSoon(ctx context.Context, now time.Time, before, after time.Duration) ([]model.AssignmentID, error) {
	return s.getActiveAssignmentIDs(ctx, now, before, after, false)
}

// GetLastSubmissionTimes returns, for each requested assignment id, the
// maximum submission `updated` timestamp, or nil if the assignment has no
// submissions.
func (s *Store) GetLastSubmissionTimes(ctx context.Context, ids []model.AssignmentID) (map[model.AssignmentID]*time.Time, error) {
	result := make(map[model.AssignmentID]*time.Time, len(ids))
	for _, id := range ids {
		result[id] = nil
	}
	if len(ids) == 0 {
		return result, nil
	}

	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, int64(id))
	}

	query := fmt.Sprintf(`
		SELECT assignment_id, MAX(updated)
		FROM moodle_submissions
		WHERE assignment_id IN (%s)
		GROUP BY assignment_id
	`, string(placeholders))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache: get_last_submission_times: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var assignmentID int64
		var updated int64
		if err := rows.Scan(&assignmentID, &updated); err != nil {
			return nil, fmt.Errorf("cache: scan last submission time: %w", err)
		}
		t := time.Unix(updated, 0).UTC()
		result[model.AssignmentID(assignmentID)] = &t
	}
	return result, rows.Err()
}

// GetCoursesByID loads courses by id, in no particular order. Used by
// tests to verify the store_courses round-trip property; the running
// system never needs to read courses back out of the cache.
func (s *Store) GetCoursesByID(ctx context.Context, ids []model.CourseID) ([]model.Course, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]byte, 0, len(ids)*2)
	args := make([]any, 0, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, int64(id))
	}
	query := fmt.Sprintf(`SELECT id, shortname, fullname, starts, ends FROM moodle_courses WHERE id IN (%s)`, string(placeholders))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cache: get_courses_by_id: %w", err)
	}
	defer rows.Close()

	var courses []model.Course
	for rows.Next() {
		var c model.Course
		var id int64
		var starts, ends sql.NullInt64
		if err := rows.Scan(&id, &c.ShortName, &c.FullName, &starts, &ends); err != nil {
			return nil, fmt.Errorf("cache: scan course: %w", err)
		}
		c.ID = model.CourseID(id)
		c.Opens = timeFromNullableUnix(starts)
		c.Closes = timeFromNullableUnix(ends)
		courses = append(courses, c)
	}
	return courses, rows.Err()
}
