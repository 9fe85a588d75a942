// Package moodleapi maps the remote LMS's web service functions onto the
// domain model, sitting between internal/lmsclient's generic Call/Paginate
// machinery and internal/scheduler's refresh logic. Grounded on
// original_source's modules/moodle/_moodle.py, whose stream_available_courses
// and stream_users page through core_course_get_enrolled_courses_by_timeline_classification
// and core_enrol_get_enrolled_users because neither endpoint returns
// everything in one call; stream_assignments and stream_submissions call
// their endpoints once, since mod_assign_get_assignments and
// mod_assign_get_submissions have no offset/limit of their own.
package moodleapi

import (
	"context"
	"time"

	"coursewatch/internal/lmsclient"
	"coursewatch/internal/model"
)

// Client adapts a generic lmsclient.Client to the course/assignment/
// submission shapes internal/scheduler and internal/cache work with.
type Client struct {
	lms *lmsclient.Client
}

// New wraps an existing lmsclient.Client.
func New(lms *lmsclient.Client) *Client {
	return &Client{lms: lms}
}

// EnrolledCourses is everything FetchEnrolledCourses learns about the
// courses the service account can see, ready to pass to cache.StoreCourses.
type EnrolledCourses struct {
	Courses      []model.Course
	Participants map[model.CourseID][]model.Participant
	Groups       map[model.CourseID][]model.Group
	Users        map[model.UserID]model.User
	Roles        map[model.RoleID]model.Role
}

type rawCourse struct {
	ID        int64  `json:"id"`
	ShortName string `json:"shortname"`
	FullName  string `json:"fullname"`
	StartDate int64  `json:"startdate"`
	EndDate   int64  `json:"enddate"`
	Progress  *struct {
		InProgress bool `json:"inprogress"`
	} `json:"progress"`
}

// coursePageSize and userPageSize match the original's own stream_available_courses/
// stream_users batch_size defaults; core_course_get_enrolled_courses_by_timeline_classification
// and core_enrol_get_enrolled_users both truncate to a single page without an
// explicit offset/limit, so fetching every course or every enrolled user on a
// large instance requires draining pages until one comes back empty.
const (
	coursePageSize = 10
	userPageSize   = 50
)

// FetchEnrolledCourses calls core_course_get_enrolled_courses_by_timeline_classification
// for the "inprogress" (or "all") classification, paging through nextoffset
// until a page comes back empty, then core_enrol_get_enrolled_users and
// core_group_get_course_groups per course to fill in participants and groups.
func (c *Client) FetchEnrolledCourses(ctx context.Context, inProgressOnly bool) (EnrolledCourses, error) {
	classification := "all"
	if inProgressOnly {
		classification = "inprogress"
	}

	rawCourses, err := lmsclient.Paginate(ctx, func(ctx context.Context, offset int) ([]rawCourse, int, bool, error) {
		var resp struct {
			Courses    []rawCourse `json:"courses"`
			NextOffset int         `json:"nextoffset"`
		}
		if err := c.lms.Call(ctx, "core_course_get_enrolled_courses_by_timeline_classification",
			lmsclient.Params{"classification": classification, "offset": offset, "limit": coursePageSize}, &resp); err != nil {
			return nil, 0, false, err
		}
		return resp.Courses, resp.NextOffset, false, nil
	})
	if err != nil {
		return EnrolledCourses{}, err
	}

	out := EnrolledCourses{
		Participants: map[model.CourseID][]model.Participant{},
		Groups:       map[model.CourseID][]model.Group{},
		Users:        map[model.UserID]model.User{},
		Roles:        map[model.RoleID]model.Role{},
	}

	for _, rc := range rawCourses {
		out.Courses = append(out.Courses, model.Course{
			ID:        model.CourseID(rc.ID),
			ShortName: rc.ShortName,
			FullName:  rc.FullName,
			Opens:     epochPtr(rc.StartDate),
			Closes:    epochPtr(rc.EndDate),
		})

		courseID := model.CourseID(rc.ID)
		participants, users, roles, err := c.fetchEnrolledUsers(ctx, courseID)
		if err != nil {
			return EnrolledCourses{}, err
		}
		out.Participants[courseID] = participants
		for id, u := range users {
			out.Users[id] = u
		}
		for id, r := range roles {
			out.Roles[id] = r
		}

		groups, err := c.fetchCourseGroups(ctx, courseID)
		if err != nil {
			return EnrolledCourses{}, err
		}
		out.Groups[courseID] = groups
	}

	return out, nil
}

type rawEnrolledUser struct {
	ID    int64  `json:"id"`
	Name  string `json:"fullname"`
	Email string `json:"email"`
	Roles []struct {
		RoleID    int64  `json:"roleid"`
		Name      string `json:"name"`
		ShortName string `json:"shortname"`
	} `json:"roles"`
	Groups []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"groups"`
}

func (c *Client) fetchEnrolledUsers(ctx context.Context, courseID model.CourseID) ([]model.Participant, map[model.UserID]model.User, map[model.RoleID]model.Role, error) {
	raw, err := lmsclient.Paginate(ctx, func(ctx context.Context, offset int) ([]rawEnrolledUser, int, bool, error) {
		var page []rawEnrolledUser
		if err := c.lms.Call(ctx, "core_enrol_get_enrolled_users",
			lmsclient.Params{"courseid": int64(courseID), "limitfrom": offset, "limitnumber": userPageSize}, &page); err != nil {
			return nil, 0, false, err
		}
		return page, offset + len(page), false, nil
	})
	if err != nil {
		return nil, nil, nil, err
	}

	var participants []model.Participant
	users := map[model.UserID]model.User{}
	roles := map[model.RoleID]model.Role{}

	for _, ru := range raw {
		userID := model.UserID(ru.ID)
		users[userID] = model.User{ID: userID, FullName: ru.Name, Email: ru.Email}

		p := model.Participant{CourseID: courseID, UserID: userID}
		for _, r := range ru.Roles {
			roleID := model.RoleID(r.RoleID)
			name := r.Name
			if name == "" {
				name = r.ShortName
			}
			roles[roleID] = model.Role{ID: roleID, Name: name}
			p.RoleIDs = append(p.RoleIDs, roleID)
		}
		for _, g := range ru.Groups {
			p.GroupIDs = append(p.GroupIDs, model.GroupID(g.ID))
		}
		participants = append(participants, p)
	}
	return participants, users, roles, nil
}

func (c *Client) fetchCourseGroups(ctx context.Context, courseID model.CourseID) ([]model.Group, error) {
	var raw []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	}
	if err := c.lms.Call(ctx, "core_group_get_course_groups",
		lmsclient.Params{"courseid": int64(courseID)}, &raw); err != nil {
		return nil, err
	}
	groups := make([]model.Group, 0, len(raw))
	for _, rg := range raw {
		groups = append(groups, model.Group{ID: model.GroupID(rg.ID), CourseID: courseID, Name: rg.Name})
	}
	return groups, nil
}

type rawAssignment struct {
	ID                       int64  `json:"id"`
	CourseID                 int64  `json:"course"`
	Name                     string `json:"name"`
	AllowSubmissionsFromDate int64  `json:"allowsubmissionsfromdate"`
	DueDate                  int64  `json:"duedate"`
	CutoffDate               int64  `json:"cutoffdate"`
}

// FetchAssignments calls mod_assign_get_assignments for a batch of courses.
func (c *Client) FetchAssignments(ctx context.Context, courseIDs []model.CourseID) ([]model.Assignment, error) {
	ids := make([]any, len(courseIDs))
	for i, id := range courseIDs {
		ids[i] = int64(id)
	}

	var resp struct {
		Courses []struct {
			ID          int64           `json:"id"`
			Assignments []rawAssignment `json:"assignments"`
		} `json:"courses"`
	}
	if err := c.lms.Call(ctx, "mod_assign_get_assignments",
		lmsclient.Params{"courseids": ids}, &resp); err != nil {
		return nil, err
	}

	var assignments []model.Assignment
	for _, course := range resp.Courses {
		for _, ra := range course.Assignments {
			assignments = append(assignments, model.Assignment{
				ID:       model.AssignmentID(ra.ID),
				CourseID: model.CourseID(ra.CourseID),
				Name:     ra.Name,
				Opens:    epochPtr(ra.AllowSubmissionsFromDate),
				Due:      epochPtr(ra.DueDate),
				Cutoff:   epochPtr(ra.CutoffDate),
			})
		}
	}
	return assignments, nil
}

type rawSubmission struct {
	ID           int64  `json:"id"`
	UserID       int64  `json:"userid"`
	TimeModified int64  `json:"timemodified"`
	Status       string `json:"status"`
	Plugins      []struct {
		Type      string `json:"type"`
		FileAreas []struct {
			Files []struct {
				Filename     string `json:"filename"`
				FileSize     int64  `json:"filesize"`
				MimeType     string `json:"mimetype"`
				FileURL      string `json:"fileurl"`
				TimeModified int64  `json:"timemodified"`
			} `json:"files"`
		} `json:"fileareas"`
	} `json:"plugins"`
}

// FetchSubmissions calls mod_assign_get_submissions for one assignment,
// optionally bounded to submissions modified at or after submittedAfter.
func (c *Client) FetchSubmissions(ctx context.Context, assignmentID model.AssignmentID, submittedAfter *time.Time) ([]model.Submission, []model.SubmittedFile, error) {
	params := lmsclient.Params{"assignmentids": []any{int64(assignmentID)}}
	if submittedAfter != nil {
		params["since"] = *submittedAfter
	}

	var resp struct {
		Assignments []struct {
			AssignmentID int64           `json:"assignmentid"`
			Submissions  []rawSubmission `json:"submissions"`
		} `json:"assignments"`
	}
	if err := c.lms.Call(ctx, "mod_assign_get_submissions", params, &resp); err != nil {
		return nil, nil, err
	}

	var submissions []model.Submission
	var files []model.SubmittedFile
	for _, a := range resp.Assignments {
		for _, rs := range a.Submissions {
			submissions = append(submissions, model.Submission{
				ID:           model.SubmissionID(rs.ID),
				AssignmentID: model.AssignmentID(a.AssignmentID),
				UserID:       model.UserID(rs.UserID),
				Updated:      time.Unix(rs.TimeModified, 0).UTC(),
				Status:       rs.Status,
			})
			for _, plugin := range rs.Plugins {
				for _, area := range plugin.FileAreas {
					for _, f := range area.Files {
						files = append(files, model.SubmittedFile{
							SubmissionID: model.SubmissionID(rs.ID),
							AssignmentID: model.AssignmentID(a.AssignmentID),
							UserID:       model.UserID(rs.UserID),
							Filename:     f.Filename,
							FileSize:     f.FileSize,
							MimeType:     f.MimeType,
							URL:          f.FileURL,
							Uploaded:     time.Unix(f.TimeModified, 0).UTC(),
						})
					}
				}
			}
		}
	}
	return submissions, files, nil
}

func epochPtr(seconds int64) *time.Time {
	if seconds == 0 {
		return nil
	}
	t := time.Unix(seconds, 0).UTC()
	return &t
}
