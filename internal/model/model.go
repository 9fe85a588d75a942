// Package model holds the shared domain types mirrored from the remote LMS
// and the digest/comparison types computed locally from submitted files.
//
// These are plain data carriers. Invariants named in the types' doc comments
// are not checked by the types, and the repositories' write methods
// (internal/cache, internal/digest) store rows without validating them.
package model

import "time"

// CourseID, UserID, RoleID, GroupID, AssignmentID and SubmissionID are
// server-scoped identifiers assigned by the remote LMS.
type (
	CourseID     int64
	UserID       int64
	RoleID       int64
	GroupID      int64
	AssignmentID int64
	SubmissionID int64
	FileID       int64
)

// Course mirrors a remote course. Opens/Closes are nil when the LMS does
// not report a bound.
type Course struct {
	ID        CourseID
	ShortName string
	FullName  string
	Opens     *time.Time
	Closes    *time.Time
}

// User mirrors a remote, server-global user account.
type User struct {
	ID       UserID
	FullName string
	Email    string // empty if not reported
}

// Role mirrors a remote, server-global role (e.g. "student", "teacher").
type Role struct {
	ID   RoleID
	Name string
}

// Group mirrors a remote group, scoped to exactly one course.
type Group struct {
	ID       GroupID
	CourseID CourseID
	Name     string
}

// Participant is a (course, user) membership, carrying the roles and groups
// that apply to that user within that course.
type Participant struct {
	CourseID CourseID
	UserID   UserID
	RoleIDs  []RoleID
	GroupIDs []GroupID
}

// Assignment belongs to a Course.
//
// Invariant: if Opens, Due, and Cutoff are all non-nil, Opens <= Due <= Cutoff.
type Assignment struct {
	ID       AssignmentID
	CourseID CourseID
	Name     string
	Opens    *time.Time
	Due      *time.Time
	Cutoff   *time.Time
}

// Submission belongs to an Assignment and a User.
//
// Invariant: a submission carries zero or more SubmittedFiles, addressed
// separately by (SubmissionID, Filename).
type Submission struct {
	ID           SubmissionID
	AssignmentID AssignmentID
	UserID       UserID
	Updated      time.Time
	Status       string // empty if the LMS reports none
}

// SubmittedFile is identified by (SubmissionID, Filename). ID is the
// internal surrogate key used as the foreign key for digests.
type SubmittedFile struct {
	ID           FileID
	SubmissionID SubmissionID
	AssignmentID AssignmentID
	UserID       UserID
	Filename     string
	FileSize     int64
	MimeType     string
	URL          string
	Uploaded     time.Time
}

// DigestPayload is a sum type: either Absent (no digest could be, or was,
// produced) or a Compressed byte payload. Extractors and comparers only
// ever see decompressed bytes; this type only exists at repository and
// worker-pool boundaries.
type DigestPayload struct {
	present bool
	data    []byte
}

// Absent returns a DigestPayload carrying no content.
func Absent() DigestPayload { return DigestPayload{} }

// Compressed returns a DigestPayload wrapping already-compressed bytes.
func Compressed(data []byte) DigestPayload {
	return DigestPayload{present: true, data: data}
}

// Present reports whether the payload carries compressed content.
func (p DigestPayload) Present() bool { return p.present }

// Bytes returns the compressed bytes, or nil if Absent.
func (p DigestPayload) Bytes() []byte { return p.data }

// FileDigest is identified by (FileID, DigestType). Content is nil when the
// extractor attempted this type and produced nothing (see SPEC_FULL.md open
// question #1 — the row is still written, to avoid retrying forever).
//
// Owner/submission fields are denormalized onto the row so downstream
// queries (missing-comparisons, top-K similar) stay one hop from the digest
// table instead of joining back through SubmittedFile every time.
type FileDigest struct {
	FileID       FileID
	DigestType   string
	UserID       UserID
	UserName     string
	AssignmentID AssignmentID
	SubmissionID SubmissionID
	FileName     string
	FileURL      string
	FileUploaded time.Time
	Created      time.Time
	Content      DigestPayload
}

// FileWarning is identified by (FileID, WarningType); free-form message,
// produced by extractor plugins alongside digests.
type FileWarning struct {
	FileID      FileID
	WarningType string
	Message     string
}

// FileComparison is identified by the four-tuple
// (OlderFileID, OlderDigestType, NewerFileID, NewerDigestType).
//
// Invariants (the last three hold for every pair internal/digest's
// StreamMissingComparisons yields; StoreComparisons does not check them,
// nor the score range):
//   - 0 <= SimilarityScore <= 1
//   - the older file's upload time is strictly before the newer's
//   - both digests belong to the same assignment
//   - the two files come from different submissions
type FileComparison struct {
	OlderFileID     FileID
	OlderDigestType string
	NewerFileID     FileID
	NewerDigestType string
	SimilarityScore float64
}
