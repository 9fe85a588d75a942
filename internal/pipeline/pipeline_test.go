package pipeline_test

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"coursewatch/internal/cache"
	"coursewatch/internal/digest"
	"coursewatch/internal/model"
	"coursewatch/internal/pipeline"
	_ "coursewatch/internal/plugin/plaintext"
	"coursewatch/internal/storage"
	"coursewatch/internal/workerpool"
)

type fakeDownloader struct {
	content map[string][]byte
	fail    map[string]bool
}

func (f *fakeDownloader) Download(ctx context.Context, fileURL string) (io.ReadCloser, error) {
	if f.fail[fileURL] {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(strings.NewReader(string(f.content[fileURL]))), nil
}

func newTestPipeline(t *testing.T, dl *fakeDownloader) (*cache.Store, *digest.Store, *pipeline.Pipeline) {
	t.Helper()
	db, err := storage.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	c := cache.New(db)
	d := digest.New(db)

	pool, err := workerpool.New(2, nil)
	if err != nil {
		t.Fatalf("workerpool.New: %v", err)
	}
	t.Cleanup(pool.Close)

	p := pipeline.New(d, dl, pool, nil, pipeline.Config{
		DigestTypes: []string{"plaintext"},
		BatchSize:   2,
	}, nil)
	return c, d, p
}

func seedFile(t *testing.T, c *cache.Store, courseID model.CourseID, assignmentID model.AssignmentID, submissionID model.SubmissionID, userID model.UserID, userName, filename, url string) model.FileID {
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
	if err := c.StoreSubmissions(ctx, []model.Submission{{ID: submissionID, AssignmentID: assignmentID, UserID: userID, Updated: now}},
		[]model.SubmittedFile{{SubmissionID: submissionID, AssignmentID: assignmentID, UserID: userID, Filename: filename, MimeType: "text/plain", FileSize: 10, URL: url, Uploaded: now}}); err != nil {
		t.Fatalf("StoreSubmissions: %v", err)
	}

	var fileID int64
	row := c.DB().QueryRowContext(ctx, `SELECT id FROM moodle_submitted_files WHERE submission_id = ? AND filename = ?`, int64(submissionID), filename)
	if err := row.Scan(&fileID); err != nil {
		t.Fatalf("lookup file id: %v", err)
	}
	return model.FileID(fileID)
}

func TestRunExtractionDownloadsAndStoresDigests(t *testing.T) {
	dl := &fakeDownloader{content: map[string][]byte{"http://lms/file/1": []byte("hello world")}}
	c, d, p := newTestPipeline(t, dl)
	fileID := seedFile(t, c, 1, 1, 1, 1, "Alice", "report.txt", "http://lms/file/1")

	if err := p.RunExtraction(context.Background()); err != nil {
		t.Fatalf("RunExtraction: %v", err)
	}

	remaining, err := d.StreamFilesWithMissingDigests(context.Background(), []string{"plaintext"}, 0, 0)
	if err != nil {
		t.Fatalf("StreamFilesWithMissingDigests: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected digest to be stored for file %d, still missing: %+v", fileID, remaining)
	}
}

func TestRunExtractionDropsFailedDownloadsButKeepsThemForNextPass(t *testing.T) {
	dl := &fakeDownloader{fail: map[string]bool{"http://lms/file/1": true}}
	c, d, p := newTestPipeline(t, dl)
	seedFile(t, c, 1, 1, 1, 1, "Alice", "report.txt", "http://lms/file/1")

	if err := p.RunExtraction(context.Background()); err != nil {
		t.Fatalf("RunExtraction: %v", err)
	}

	remaining, err := d.StreamFilesWithMissingDigests(context.Background(), []string{"plaintext"}, 0, 0)
	if err != nil {
		t.Fatalf("StreamFilesWithMissingDigests: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected the file to still be missing a digest after a failed download, got %+v", remaining)
	}
}

func TestRunComparisonScoresAndPersistsPairs(t *testing.T) {
	dl := &fakeDownloader{content: map[string][]byte{
		"http://lms/file/1": []byte("identical text"),
		"http://lms/file/2": []byte("identical text"),
	}}
	c, d, p := newTestPipeline(t, dl)
	seedFile(t, c, 1, 1, 1, 1, "Alice", "report.txt", "http://lms/file/1")
	seedFile(t, c, 1, 1, 2, 2, "Bob", "report.txt", "http://lms/file/2")

	if err := p.RunExtraction(context.Background()); err != nil {
		t.Fatalf("RunExtraction: %v", err)
	}
	if err := p.RunComparison(context.Background()); err != nil {
		t.Fatalf("RunComparison: %v", err)
	}

	pairs, err := d.StreamMissingComparisons(context.Background())
	if err != nil {
		t.Fatalf("StreamMissingComparisons: %v", err)
	}
	if len(pairs) != 0 {
		t.Fatalf("expected no missing comparisons after a comparison pass, got %+v", pairs)
	}
}
