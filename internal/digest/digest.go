// Package digest is the keyed mirror for file digests, warnings, and
// comparisons, plus the "missing work" queries that drive the comparison
// pipeline. Grounded on original_source's models/repository.py, translated
// to database/sql with prepared statements inside a single transaction
// per write.
package digest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"coursewatch/internal/model"
)

// Store is the Digest repository.
type Store struct {
	db *sql.DB
}

// New wraps db as a Digest repository. db must already have the schema
// migrated (see internal/storage.Open).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// FileToCompute names a stored file and the subset of requested digest
// types it is still missing.
type FileToCompute struct {
	FileID       model.FileID
	UserID       model.UserID
	UserName     string
	AssignmentID model.AssignmentID
	SubmissionID model.SubmissionID
	FileName     string
	FileURL      string
	FileUploaded time.Time
	MimeType     string
	FileSize     int64
	DigestTypes  []string
}

// DigestPair is one candidate comparison: two digests of the same type,
// from different submissions of the same assignment, with no comparison
// recorded yet.
type DigestPair struct {
	OlderFileID   model.FileID
	OlderContent  model.DigestPayload
	NewerFileID   model.FileID
	NewerContent  model.DigestPayload
	DigestType    string
}

// StreamFilesWithMissingDigests returns every submitted file that passes
// the age/size filters and lacks at least one of availableDigestTypes. An
// empty availableDigestTypes yields nothing (and the caller should log a
// warning, per spec — this repository has no logger, so it returns an
// explicit ErrNoDigestTypes the caller recognizes and logs).
func (s *Store) StreamFilesWithMissingDigests(ctx context.Context, availableDigestTypes []string, maxAge time.Duration, maxSize int64) ([]FileToCompute, error) {
	if len(availableDigestTypes) == 0 {
		return nil, ErrNoDigestTypes
	}
	availableSet := make(map[string]bool, len(availableDigestTypes))
	for _, t := range availableDigestTypes {
		availableSet[t] = true
	}

	placeholders := make([]byte, 0, len(availableDigestTypes)*2)
	inArgs := make([]any, 0, len(availableDigestTypes))
	for i, t := range availableDigestTypes {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		inArgs = append(inArgs, t)
	}

	query := fmt.Sprintf(`
		SELECT f.id, f.user_id, u.fullname, f.assignment_id, f.submission_id,
		       f.filename, f.url, f.uploaded, f.mimetype, f.filesize,
		       group_concat(d.digest_type)
		FROM moodle_submitted_files f
		JOIN moodle_users u ON u.id = f.user_id
		LEFT JOIN file_digests d
		       ON d.file_id = f.id AND d.digest_type IN (%s)
		WHERE (? = 0 OR f.uploaded >= ?)
		  AND (? = 0 OR f.filesize <= ?)
		GROUP BY f.id
	`, string(placeholders))

	args := append([]any{}, inArgs...)
	var oldestBound int64
	maxAgeFlag := int64(0)
	if maxAge > 0 {
		maxAgeFlag = 1
		oldestBound = time.Now().Add(-maxAge).Unix()
	}
	maxSizeFlag := int64(0)
	if maxSize > 0 {
		maxSizeFlag = 1
	}
	args = append(args, maxAgeFlag, oldestBound, maxSizeFlag, maxSize)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("digest: stream_files_with_missing_digests: %w", err)
	}
	defer rows.Close()

	var results []FileToCompute
	for rows.Next() {
		var rec FileToCompute
		var fileID, userID, assignmentID, submissionID int64
		var uploaded int64
		var existing sql.NullString
		if err := rows.Scan(&fileID, &userID, &rec.UserName, &assignmentID, &submissionID,
			&rec.FileName, &rec.FileURL, &uploaded, &rec.MimeType, &rec.FileSize, &existing); err != nil {
			return nil, fmt.Errorf("digest: scan missing-digest row: %w", err)
		}
		rec.FileID = model.FileID(fileID)
		rec.UserID = model.UserID(userID)
		rec.AssignmentID = model.AssignmentID(assignmentID)
		rec.SubmissionID = model.SubmissionID(submissionID)
		rec.FileUploaded = time.Unix(uploaded, 0).UTC()

		has := map[string]bool{}
		if existing.Valid {
			for _, t := range splitCSV(existing.String) {
				has[t] = true
			}
		}
		var missing []string
		for _, t := range availableDigestTypes {
			if !has[t] {
				missing = append(missing, t)
			}
		}
		if len(missing) == 0 {
			continue
		}
		rec.DigestTypes = missing
		results = append(results, rec)
	}
	return results, rows.Err()
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

// ErrNoDigestTypes is returned by StreamFilesWithMissingDigests when called
// with no available digest types.
var ErrNoDigestTypes = fmt.Errorf("digest: no available digest types requested")

// StoreDigests upserts by (file_id, digest_type). A digest with Absent
// content is still written, recording "we tried and produced nothing" so
// the pipeline does not retry it forever.
func (s *Store) StoreDigests(ctx context.Context, digests []model.FileDigest) error {
	if len(digests) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("digest: begin store_digests: %w", err)
	}
	defer tx.Rollback()

	for _, d := range digests {
		var content any
		if d.Content.Present() {
			content = d.Content.Bytes()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO file_digests (file_id, digest_type, user_id, user_name, assignment_id, submission_id, file_name, file_url, file_uploaded, created, content)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (file_id, digest_type) DO UPDATE SET
				created = excluded.created,
				content = excluded.content
		`, int64(d.FileID), d.DigestType, int64(d.UserID), d.UserName, int64(d.AssignmentID), int64(d.SubmissionID),
			d.FileName, d.FileURL, d.FileUploaded.Unix(), d.Created.Unix(), content); err != nil {
			return fmt.Errorf("digest: upsert digest (%d,%s): %w", d.FileID, d.DigestType, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("digest: commit store_digests: %w", err)
	}
	return nil
}

// StoreWarnings upserts by (file_id, warning_type); on conflict the
// message is replaced.
func (s *Store) StoreWarnings(ctx context.Context, warnings []model.FileWarning) error {
	if len(warnings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("digest: begin store_warnings: %w", err)
	}
	defer tx.Rollback()

	for _, w := range warnings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO file_warnings (file_id, warning_type, message)
			VALUES (?, ?, ?)
			ON CONFLICT (file_id, warning_type) DO UPDATE SET message = excluded.message
		`, int64(w.FileID), w.WarningType, w.Message); err != nil {
			return fmt.Errorf("digest: upsert warning (%d,%s): %w", w.FileID, w.WarningType, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("digest: commit store_warnings: %w", err)
	}
	return nil
}

// StreamMissingComparisons returns candidate pairs: same digest type, same
// assignment, different submissions, newer strictly after older, no
// existing comparison row. Rows for the same newer file are contiguous.
func (s *Store) StreamMissingComparisons(ctx context.Context) ([]DigestPair, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT new.file_id, new.content, old.file_id, old.content, new.digest_type
		FROM file_digests new
		JOIN file_digests old
		  ON new.assignment_id = old.assignment_id
		 AND new.digest_type = old.digest_type
		 AND new.submission_id != old.submission_id
		 AND new.file_uploaded > old.file_uploaded
		LEFT JOIN file_comparisons c
		  ON c.newer_file_id = new.file_id AND c.older_file_id = old.file_id
		 AND c.newer_digest_type = new.digest_type AND c.older_digest_type = old.digest_type
		WHERE c.similarity_score IS NULL
		ORDER BY new.file_id
	`)
	if err != nil {
		return nil, fmt.Errorf("digest: stream_missing_comparisons: %w", err)
	}
	defer rows.Close()

	var pairs []DigestPair
	for rows.Next() {
		var newerID, olderID int64
		var newerContent, olderContent []byte
		var digestType string
		if err := rows.Scan(&newerID, &newerContent, &olderID, &olderContent, &digestType); err != nil {
			return nil, fmt.Errorf("digest: scan missing comparison: %w", err)
		}
		pairs = append(pairs, DigestPair{
			OlderFileID:  model.FileID(olderID),
			OlderContent: payloadFromBytes(olderContent),
			NewerFileID:  model.FileID(newerID),
			NewerContent: payloadFromBytes(newerContent),
			DigestType:   digestType,
		})
	}
	return pairs, rows.Err()
}

func payloadFromBytes(b []byte) model.DigestPayload {
	if b == nil {
		return model.Absent()
	}
	return model.Compressed(b)
}

// StoreComparisons upserts by the four-field key; on conflict the
// similarity score is replaced.
func (s *Store) StoreComparisons(ctx context.Context, comparisons []model.FileComparison) error {
	if len(comparisons) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("digest: begin store_comparisons: %w", err)
	}
	defer tx.Rollback()

	for _, c := range comparisons {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO file_comparisons (older_file_id, older_digest_type, newer_file_id, newer_digest_type, similarity_score)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (older_file_id, older_digest_type, newer_file_id, newer_digest_type)
			DO UPDATE SET similarity_score = excluded.similarity_score
		`, int64(c.OlderFileID), c.OlderDigestType, int64(c.NewerFileID), c.NewerDigestType, c.SimilarityScore); err != nil {
			return fmt.Errorf("digest: upsert comparison: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("digest: commit store_comparisons: %w", err)
	}
	return nil
}

// FileWarningDetails is one warning attached to a file.
type FileWarningDetails struct {
	Type    string
	Message string
}

// FileSimilarityDetails describes a file similar to the one being looked up.
type FileSimilarityDetails struct {
	SubmissionID    model.SubmissionID
	UserID          model.UserID
	UserName        string
	FileName        string
	FileURL         string
	SimilarityScore float64
}

// FileDetails is the user-facing description of one requested filename.
type FileDetails struct {
	Name         string
	IsKnown      bool
	EarlierFiles []FileSimilarityDetails
	LaterFiles   []FileSimilarityDetails
	Warnings     []FileWarningDetails
}

// GetFilesBySubmission looks up filenames within one submission and
// attaches warnings plus the top maxSimilar earlier (and, if
// alsoGetLaterFiles, later) similar files with score >= minScore. Ties
// beyond maxSimilar are dropped (strict row-number cutoff).
func (s *Store) GetFilesBySubmission(ctx context.Context, submissionID model.SubmissionID, filenames []string, minScore float64, maxSimilar int, alsoGetLaterFiles bool) ([]FileDetails, error) {
	if len(filenames) == 0 {
		return nil, nil
	}

	placeholders := make([]byte, 0, len(filenames)*2)
	args := make([]any, 0, len(filenames)+1)
	args = append(args, int64(submissionID))
	for i, f := range filenames {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, f)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, filename FROM moodle_submitted_files WHERE submission_id = ? AND filename IN (%s)
	`, string(placeholders)), args...)
	if err != nil {
		return nil, fmt.Errorf("digest: get_files_by_submission (lookup): %w", err)
	}

	byID := map[model.FileID]*FileDetails{}
	found := map[string]bool{}
	var results []*FileDetails
	for rows.Next() {
		var fid int64
		var fname string
		if err := rows.Scan(&fid, &fname); err != nil {
			rows.Close()
			return nil, fmt.Errorf("digest: scan file lookup: %w", err)
		}
		d := &FileDetails{Name: fname, IsKnown: true}
		byID[model.FileID(fid)] = d
		found[fname] = true
		results = append(results, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(byID) > 0 {
		ids := make([]any, 0, len(byID))
		idPlaceholders := make([]byte, 0, len(byID)*2)
		i := 0
		for id := range byID {
			if i > 0 {
				idPlaceholders = append(idPlaceholders, ',')
			}
			idPlaceholders = append(idPlaceholders, '?')
			ids = append(ids, int64(id))
			i++
		}

		warnRows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT file_id, warning_type, message FROM file_warnings WHERE file_id IN (%s)
		`, string(idPlaceholders)), ids...)
		if err != nil {
			return nil, fmt.Errorf("digest: get_files_by_submission (warnings): %w", err)
		}
		for warnRows.Next() {
			var fid int64
			var w FileWarningDetails
			if err := warnRows.Scan(&fid, &w.Type, &w.Message); err != nil {
				warnRows.Close()
				return nil, err
			}
			byID[model.FileID(fid)].Warnings = append(byID[model.FileID(fid)].Warnings, w)
		}
		warnRows.Close()
		if err := warnRows.Err(); err != nil {
			return nil, err
		}

		if err := s.attachEarlierFiles(ctx, byID, ids, idPlaceholders, minScore, maxSimilar); err != nil {
			return nil, err
		}
		if alsoGetLaterFiles {
			if err := s.attachLaterFiles(ctx, byID, ids, idPlaceholders, minScore, maxSimilar); err != nil {
				return nil, err
			}
		}
	}

	for _, fname := range filenames {
		if !found[fname] {
			results = append(results, &FileDetails{Name: fname, IsKnown: false})
		}
	}

	out := make([]FileDetails, len(results))
	for i, r := range results {
		out[i] = *r
	}
	return out, nil
}

// attachEarlierFiles fills in, for each requested file id (the NEWER side
// of a comparison), the top maxSimilar OLDER matches with score >=
// minScore, ordered by score descending. The per-file cap is applied in
// Go after an ORDER BY, which is equivalent to SQLite's
// row_number() OVER (PARTITION BY ... ORDER BY similarity_score DESC) <=
// maxSimilar cutoff the original query uses, and drops ties beyond K the
// same way.
func (s *Store) attachEarlierFiles(ctx context.Context, byID map[model.FileID]*FileDetails, ids []any, idPlaceholders []byte, minScore float64, maxSimilar int) error {
	query := fmt.Sprintf(`
		SELECT c.newer_file_id, c.similarity_score, d.file_id, d.file_name, d.file_url, d.user_id, d.user_name, d.submission_id
		FROM file_comparisons c
		JOIN file_digests d ON d.file_id = c.older_file_id AND d.digest_type = c.older_digest_type
		WHERE c.similarity_score >= ? AND c.newer_file_id IN (%s)
		ORDER BY c.newer_file_id, c.similarity_score DESC
	`, string(idPlaceholders))
	args := append([]any{minScore}, ids...)
	return s.scanSimilar(ctx, query, args, byID, maxSimilar, false)
}

// attachLaterFiles is the symmetric query: for each requested file id (the
// OLDER side), the top maxSimilar NEWER matches with score >= minScore.
func (s *Store) attachLaterFiles(ctx context.Context, byID map[model.FileID]*FileDetails, ids []any, idPlaceholders []byte, minScore float64, maxSimilar int) error {
	query := fmt.Sprintf(`
		SELECT c.older_file_id, c.similarity_score, d.file_id, d.file_name, d.file_url, d.user_id, d.user_name, d.submission_id
		FROM file_comparisons c
		JOIN file_digests d ON d.file_id = c.newer_file_id AND d.digest_type = c.newer_digest_type
		WHERE c.similarity_score >= ? AND c.older_file_id IN (%s)
		ORDER BY c.older_file_id, c.similarity_score DESC
	`, string(idPlaceholders))
	args := append([]any{minScore}, ids...)
	return s.scanSimilar(ctx, query, args, byID, maxSimilar, true)
}

func (s *Store) scanSimilar(ctx context.Context, query string, args []any, byID map[model.FileID]*FileDetails, maxSimilar int, later bool) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("digest: query similar files: %w", err)
	}
	defer rows.Close()

	counts := map[model.FileID]int{}
	for rows.Next() {
		var requestedFileID, otherFileID, otherUserID, otherSubmissionID int64
		var score float64
		var otherFileName, otherFileURL, otherUserName string
		if err := rows.Scan(&requestedFileID, &score, &otherFileID, &otherFileName, &otherFileURL, &otherUserID, &otherUserName, &otherSubmissionID); err != nil {
			return fmt.Errorf("digest: scan similar file: %w", err)
		}
		fid := model.FileID(requestedFileID)
		d, ok := byID[fid]
		if !ok {
			continue
		}
		if counts[fid] >= maxSimilar {
			continue
		}
		sim := FileSimilarityDetails{
			SubmissionID:    model.SubmissionID(otherSubmissionID),
			UserID:          model.UserID(otherUserID),
			UserName:        otherUserName,
			FileName:        otherFileName,
			FileURL:         otherFileURL,
			SimilarityScore: score,
		}
		if later {
			d.LaterFiles = append(d.LaterFiles, sim)
		} else {
			d.EarlierFiles = append(d.EarlierFiles, sim)
		}
		counts[fid]++
	}
	return rows.Err()
}
