package moodleapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"coursewatch/internal/lmsclient"
	"coursewatch/internal/model"
	"coursewatch/internal/moodleapi"
)

func newTestServer(t *testing.T, handlers map[string]func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login/token.php", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
	})
	mux.HandleFunc("/webservice/rest/server.php", func(w http.ResponseWriter, r *http.Request) {
		fn := r.URL.Query().Get("wsfunction")
		h, ok := handlers[fn]
		if !ok {
			t.Fatalf("unexpected wsfunction %q", fn)
		}
		h(w, r)
	})
	return httptest.NewServer(mux)
}

func TestFetchEnrolledCoursesAssemblesParticipantsAndGroups(t *testing.T) {
	srv := newTestServer(t, map[string]func(w http.ResponseWriter, r *http.Request){
		"core_course_get_enrolled_courses_by_timeline_classification": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("offset") != "0" {
				json.NewEncoder(w).Encode(map[string]any{"courses": []map[string]any{}, "nextoffset": 0})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"courses": []map[string]any{
					{"id": 1, "shortname": "CS101", "fullname": "Intro to CS", "startdate": 1700000000, "enddate": 0},
				},
				"nextoffset": 1,
			})
		},
		"core_enrol_get_enrolled_users": func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Query().Get("limitfrom") != "0" {
				json.NewEncoder(w).Encode([]map[string]any{})
				return
			}
			json.NewEncoder(w).Encode([]map[string]any{
				{
					"id": 10, "fullname": "Alice", "email": "alice@example.edu",
					"roles":  []map[string]any{{"roleid": 5, "shortname": "student"}},
					"groups": []map[string]any{{"id": 100, "name": "Section A"}},
				},
			})
		},
		"core_group_get_course_groups": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]map[string]any{{"id": 100, "name": "Section A"}})
		},
	})
	defer srv.Close()

	lms := lmsclient.New(lmsclient.Config{BaseURL: srv.URL, Username: "u", Password: "p", Service: "svc"})
	client := moodleapi.New(lms)

	out, err := client.FetchEnrolledCourses(context.Background(), false)
	if err != nil {
		t.Fatalf("FetchEnrolledCourses: %v", err)
	}
	if len(out.Courses) != 1 || out.Courses[0].ShortName != "CS101" {
		t.Fatalf("unexpected courses: %+v", out.Courses)
	}
	if len(out.Participants[1]) != 1 || out.Participants[1][0].UserID != 10 {
		t.Fatalf("unexpected participants: %+v", out.Participants)
	}
	if len(out.Groups[1]) != 1 || out.Groups[1][0].Name != "Section A" {
		t.Fatalf("unexpected groups: %+v", out.Groups)
	}
	if _, ok := out.Roles[5]; !ok {
		t.Errorf("expected role 5 to be collected, got %+v", out.Roles)
	}
}

func TestFetchEnrolledCoursesDrainsMultiplePages(t *testing.T) {
	var coursePages, userPages []string
	srv := newTestServer(t, map[string]func(w http.ResponseWriter, r *http.Request){
		"core_course_get_enrolled_courses_by_timeline_classification": func(w http.ResponseWriter, r *http.Request) {
			offset := r.URL.Query().Get("offset")
			coursePages = append(coursePages, offset)
			switch offset {
			case "0":
				json.NewEncoder(w).Encode(map[string]any{
					"courses":    []map[string]any{{"id": 1, "shortname": "CS101", "fullname": "Intro to CS"}},
					"nextoffset": 1,
				})
			case "1":
				json.NewEncoder(w).Encode(map[string]any{
					"courses":    []map[string]any{{"id": 2, "shortname": "CS102", "fullname": "Data Structures"}},
					"nextoffset": 2,
				})
			default:
				json.NewEncoder(w).Encode(map[string]any{"courses": []map[string]any{}, "nextoffset": 2})
			}
		},
		"core_enrol_get_enrolled_users": func(w http.ResponseWriter, r *http.Request) {
			offset := r.URL.Query().Get("limitfrom")
			userPages = append(userPages, offset)
			if offset == "0" {
				json.NewEncoder(w).Encode([]map[string]any{{"id": 10, "fullname": "Alice", "email": "a@example.edu"}})
				return
			}
			json.NewEncoder(w).Encode([]map[string]any{})
		},
		"core_group_get_course_groups": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]map[string]any{})
		},
	})
	defer srv.Close()

	lms := lmsclient.New(lmsclient.Config{BaseURL: srv.URL, Username: "u", Password: "p", Service: "svc"})
	client := moodleapi.New(lms)

	out, err := client.FetchEnrolledCourses(context.Background(), false)
	if err != nil {
		t.Fatalf("FetchEnrolledCourses: %v", err)
	}
	if len(out.Courses) != 2 {
		t.Fatalf("expected courses from both pages, got %+v", out.Courses)
	}
	if len(coursePages) != 3 {
		t.Fatalf("expected course pagination to stop after an empty page, got requests %v", coursePages)
	}
	for _, courseID := range []model.CourseID{1, 2} {
		if len(out.Participants[courseID]) != 1 {
			t.Errorf("expected one participant drained per course, got %+v for course %d", out.Participants[courseID], courseID)
		}
	}
	if len(userPages) != 4 {
		t.Errorf("expected each course's user pagination to stop after an empty page, got requests %v", userPages)
	}
}

func TestFetchAssignmentsFlattensPerCourseLists(t *testing.T) {
	srv := newTestServer(t, map[string]func(w http.ResponseWriter, r *http.Request){
		"mod_assign_get_assignments": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"courses": []map[string]any{
					{"id": 1, "assignments": []map[string]any{
						{"id": 500, "course": 1, "name": "Homework 1", "duedate": 1700100000},
					}},
				},
			})
		},
	})
	defer srv.Close()

	lms := lmsclient.New(lmsclient.Config{BaseURL: srv.URL, Username: "u", Password: "p", Service: "svc"})
	client := moodleapi.New(lms)

	assignments, err := client.FetchAssignments(context.Background(), nil)
	if err != nil {
		t.Fatalf("FetchAssignments: %v", err)
	}
	if len(assignments) != 1 || assignments[0].Name != "Homework 1" {
		t.Fatalf("unexpected assignments: %+v", assignments)
	}
	if assignments[0].Due == nil {
		t.Error("expected a due date")
	}
}

func TestFetchSubmissionsCollectsFilesFromPlugins(t *testing.T) {
	srv := newTestServer(t, map[string]func(w http.ResponseWriter, r *http.Request){
		"mod_assign_get_submissions": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{
				"assignments": []map[string]any{
					{"assignmentid": 500, "submissions": []map[string]any{
						{
							"id": 900, "userid": 10, "timemodified": 1700100500, "status": "submitted",
							"plugins": []map[string]any{
								{"type": "file", "fileareas": []map[string]any{
									{"files": []map[string]any{
										{"filename": "report.txt", "filesize": 100, "mimetype": "text/plain", "fileurl": "http://lms/f", "timemodified": 1700100400},
									}},
								}},
							},
						},
					}},
				},
			})
		},
	})
	defer srv.Close()

	lms := lmsclient.New(lmsclient.Config{BaseURL: srv.URL, Username: "u", Password: "p", Service: "svc"})
	client := moodleapi.New(lms)

	submissions, files, err := client.FetchSubmissions(context.Background(), 500, nil)
	if err != nil {
		t.Fatalf("FetchSubmissions: %v", err)
	}
	if len(submissions) != 1 || submissions[0].UserID != 10 {
		t.Fatalf("unexpected submissions: %+v", submissions)
	}
	if len(files) != 1 || files[0].Filename != "report.txt" {
		t.Fatalf("unexpected files: %+v", files)
	}
}
