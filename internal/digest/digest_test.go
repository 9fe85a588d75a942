package digest

import (
	"context"
	"testing"
	"time"

	"coursewatch/internal/cache"
	"coursewatch/internal/model"
	"coursewatch/internal/storage"
)

func newTestStores(t *testing.T) (*cache.Store, *Store) {
	t.Helper()
	db, err := storage.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return cache.New(db), New(db)
}

// seedSubmission inserts a course, assignment, user, submission, and one
// submitted file, returning its surrogate file id.
func seedSubmission(t *testing.T, c *cache.Store, courseID model.CourseID, assignmentID model.AssignmentID, submissionID model.SubmissionID, userID model.UserID, userName, filename string, size int64, uploaded time.Time) model.FileID {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	if err := c.StoreCourses(ctx, []model.Course{{ID: courseID, ShortName: "c", FullName: "c"}}, nil, nil,
		map[model.UserID]model.User{userID: {ID: userID, FullName: userName}}, nil, now); err != nil {
		t.Fatalf("StoreCourses: %v", err)
	}
	if err := c.StoreAssignments(ctx, []model.Assignment{{ID: assignmentID, CourseID: courseID, Name: "a"}}); err != nil {
		t.Fatalf("StoreAssignments: %v", err)
	}
	if err := c.StoreSubmissions(ctx, []model.Submission{{ID: submissionID, AssignmentID: assignmentID, UserID: userID, Updated: uploaded}},
		[]model.SubmittedFile{{SubmissionID: submissionID, AssignmentID: assignmentID, UserID: userID, Filename: filename, FileSize: size, Uploaded: uploaded}}); err != nil {
		t.Fatalf("StoreSubmissions: %v", err)
	}

	var fileID int64
	row := c.DB().QueryRowContext(ctx, `SELECT id FROM moodle_submitted_files WHERE submission_id = ? AND filename = ?`, int64(submissionID), filename)
	if err := row.Scan(&fileID); err != nil {
		t.Fatalf("lookup file id: %v", err)
	}
	return model.FileID(fileID)
}

func TestStreamFilesWithMissingDigestsEmptyTypesWarns(t *testing.T) {
	_, d := newTestStores(t)
	_, err := d.StreamFilesWithMissingDigests(context.Background(), nil, 0, 0)
	if err != ErrNoDigestTypes {
		t.Fatalf("expected ErrNoDigestTypes, got %v", err)
	}
}

func TestStreamFilesWithMissingDigestsFindsMissing(t *testing.T) {
	c, d := newTestStores(t)
	fileID := seedSubmission(t, c, 1, 1, 1, 1, "Alice", "report.txt", 100, time.Now())

	results, err := d.StreamFilesWithMissingDigests(context.Background(), []string{"plaintext"}, 0, 0)
	if err != nil {
		t.Fatalf("StreamFilesWithMissingDigests: %v", err)
	}
	if len(results) != 1 || results[0].FileID != fileID {
		t.Fatalf("expected one missing file %d, got %+v", fileID, results)
	}
	if len(results[0].DigestTypes) != 1 || results[0].DigestTypes[0] != "plaintext" {
		t.Errorf("expected missing type [plaintext], got %v", results[0].DigestTypes)
	}
}

func TestStreamFilesWithMissingDigestsExcludesComputed(t *testing.T) {
	c, d := newTestStores(t)
	fileID := seedSubmission(t, c, 1, 1, 1, 1, "Alice", "report.txt", 100, time.Now())

	if err := d.StoreDigests(context.Background(), []model.FileDigest{
		{FileID: fileID, DigestType: "plaintext", UserID: 1, UserName: "Alice", AssignmentID: 1, SubmissionID: 1,
			FileName: "report.txt", Created: time.Now(), Content: model.Compressed([]byte("x"))},
	}); err != nil {
		t.Fatalf("StoreDigests: %v", err)
	}

	results, err := d.StreamFilesWithMissingDigests(context.Background(), []string{"plaintext"}, 0, 0)
	if err != nil {
		t.Fatalf("StreamFilesWithMissingDigests: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no missing files, got %+v", results)
	}
}

func TestStoreDigestsAbsentContent(t *testing.T) {
	c, d := newTestStores(t)
	fileID := seedSubmission(t, c, 1, 1, 1, 1, "Alice", "report.txt", 100, time.Now())

	if err := d.StoreDigests(context.Background(), []model.FileDigest{
		{FileID: fileID, DigestType: "plaintext", UserID: 1, UserName: "Alice", AssignmentID: 1, SubmissionID: 1,
			FileName: "report.txt", Created: time.Now(), Content: model.Absent()},
	}); err != nil {
		t.Fatalf("StoreDigests: %v", err)
	}

	// Still written (so we don't retry forever), but with null content.
	results, err := d.StreamFilesWithMissingDigests(context.Background(), []string{"plaintext"}, 0, 0)
	if err != nil {
		t.Fatalf("StreamFilesWithMissingDigests: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected digest row to count as present even with null content, got %+v", results)
	}
}

func TestStreamMissingComparisons(t *testing.T) {
	c, d := newTestStores(t)
	ctx := context.Background()
	older := time.Date(2025, 5, 25, 10, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 5, 25, 11, 0, 0, 0, time.UTC)

	olderFile := seedSubmission(t, c, 10, 100, 1000, 1, "Alice", "report.txt", 10, older)
	newerFile := seedSubmission(t, c, 10, 100, 1001, 2, "Bob", "report.txt", 10, newer)

	if err := d.StoreDigests(ctx, []model.FileDigest{
		{FileID: olderFile, DigestType: "plaintext", UserID: 1, UserName: "Alice", AssignmentID: 100, SubmissionID: 1000,
			FileName: "report.txt", FileUploaded: older, Created: time.Now(), Content: model.Compressed([]byte("hello"))},
		{FileID: newerFile, DigestType: "plaintext", UserID: 2, UserName: "Bob", AssignmentID: 100, SubmissionID: 1001,
			FileName: "report.txt", FileUploaded: newer, Created: time.Now(), Content: model.Compressed([]byte("hello"))},
	}); err != nil {
		t.Fatalf("StoreDigests: %v", err)
	}

	pairs, err := d.StreamMissingComparisons(ctx)
	if err != nil {
		t.Fatalf("StreamMissingComparisons: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("expected 1 missing comparison, got %d: %+v", len(pairs), pairs)
	}
	p := pairs[0]
	if p.OlderFileID != olderFile || p.NewerFileID != newerFile {
		t.Errorf("unexpected pair: %+v", p)
	}

	// After storing the comparison, it must not reappear.
	if err := d.StoreComparisons(ctx, []model.FileComparison{
		{OlderFileID: olderFile, OlderDigestType: "plaintext", NewerFileID: newerFile, NewerDigestType: "plaintext", SimilarityScore: 1.0},
	}); err != nil {
		t.Fatalf("StoreComparisons: %v", err)
	}
	pairs, err = d.StreamMissingComparisons(ctx)
	if err != nil {
		t.Fatalf("StreamMissingComparisons (2nd): %v", err)
	}
	if len(pairs) != 0 {
		t.Fatalf("expected no missing comparisons after storing, got %+v", pairs)
	}
}

func TestGetFilesBySubmissionUnknownFile(t *testing.T) {
	c, d := newTestStores(t)
	seedSubmission(t, c, 1, 1, 1, 1, "Alice", "report.txt", 10, time.Now())

	details, err := d.GetFilesBySubmission(context.Background(), 1, []string{"report.txt", "missing.txt"}, 0.5, 5, false)
	if err != nil {
		t.Fatalf("GetFilesBySubmission: %v", err)
	}
	byName := map[string]FileDetails{}
	for _, fd := range details {
		byName[fd.Name] = fd
	}
	if !byName["report.txt"].IsKnown {
		t.Error("report.txt should be known")
	}
	if byName["missing.txt"].IsKnown {
		t.Error("missing.txt should not be known")
	}
}

func TestGetFilesBySubmissionSimilarFiles(t *testing.T) {
	c, d := newTestStores(t)
	ctx := context.Background()
	older := time.Date(2025, 5, 25, 10, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 5, 25, 11, 0, 0, 0, time.UTC)

	olderFile := seedSubmission(t, c, 10, 100, 1000, 1, "Alice", "report.txt", 10, older)
	newerFile := seedSubmission(t, c, 10, 100, 1001, 2, "Bob", "report.txt", 10, newer)

	if err := d.StoreDigests(ctx, []model.FileDigest{
		{FileID: olderFile, DigestType: "plaintext", UserID: 1, UserName: "Alice", AssignmentID: 100, SubmissionID: 1000,
			FileName: "report.txt", FileUploaded: older, Created: time.Now(), Content: model.Compressed([]byte("hello"))},
		{FileID: newerFile, DigestType: "plaintext", UserID: 2, UserName: "Bob", AssignmentID: 100, SubmissionID: 1001,
			FileName: "report.txt", FileUploaded: newer, Created: time.Now(), Content: model.Compressed([]byte("hello"))},
	}); err != nil {
		t.Fatalf("StoreDigests: %v", err)
	}
	if err := d.StoreComparisons(ctx, []model.FileComparison{
		{OlderFileID: olderFile, OlderDigestType: "plaintext", NewerFileID: newerFile, NewerDigestType: "plaintext", SimilarityScore: 1.0},
	}); err != nil {
		t.Fatalf("StoreComparisons: %v", err)
	}

	details, err := d.GetFilesBySubmission(ctx, 1001, []string{"report.txt"}, 0.5, 5, false)
	if err != nil {
		t.Fatalf("GetFilesBySubmission: %v", err)
	}
	if len(details) != 1 || len(details[0].EarlierFiles) != 1 {
		t.Fatalf("expected 1 earlier match, got %+v", details)
	}
	if details[0].EarlierFiles[0].UserName != "Alice" {
		t.Errorf("expected earlier match by Alice, got %+v", details[0].EarlierFiles[0])
	}

	// And from the older submission's perspective, with shownewer, we should see Bob's file.
	later, err := d.GetFilesBySubmission(ctx, 1000, []string{"report.txt"}, 0.5, 5, true)
	if err != nil {
		t.Fatalf("GetFilesBySubmission (later): %v", err)
	}
	if len(later) != 1 || len(later[0].LaterFiles) != 1 {
		t.Fatalf("expected 1 later match, got %+v", later)
	}
}
