package lmsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/login/token.php":
			json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
		case r.URL.Path == "/webservice/rest/server.php":
			if r.URL.Query().Get("wstoken") != "tok-1" {
				t.Errorf("unexpected token: %s", r.URL.Query().Get("wstoken"))
			}
			json.NewEncoder(w).Encode([]map[string]any{{"id": 1, "fullname": "Course 1"}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Username: "u", Password: "p", Service: "svc"})
	var out []struct {
		ID       int    `json:"id"`
		FullName string `json:"fullname"`
	}
	if err := c.Call(context.Background(), "core_course_get_courses", nil, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(out) != 1 || out[0].FullName != "Course 1" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestClientCallRetriesOnInvalidToken(t *testing.T) {
	logins := 0
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login/token.php":
			logins++
			json.NewEncoder(w).Encode(map[string]string{"token": "tok-" + string(rune('0'+logins))})
		case "/webservice/rest/server.php":
			calls++
			if calls == 1 {
				json.NewEncoder(w).Encode(map[string]string{
					"exception": "moodle_exception",
					"errorcode": "invalidtoken",
					"message":   "Invalid token",
				})
				return
			}
			json.NewEncoder(w).Encode([]map[string]any{{"id": 2}})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Username: "u", Password: "p", Service: "svc"})
	var out []map[string]any
	if err := c.Call(context.Background(), "core_course_get_courses", nil, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if logins != 2 {
		t.Errorf("expected 2 logins (initial + retry), got %d", logins)
	}
	if calls != 2 {
		t.Errorf("expected 2 calls (initial + retry), got %d", calls)
	}
}

func TestClientCallRemoteErrorNonRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login/token.php":
			json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
		case "/webservice/rest/server.php":
			json.NewEncoder(w).Encode(map[string]string{
				"exception": "moodle_exception",
				"errorcode": "invalidparameter",
				"message":   "bad param",
			})
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Username: "u", Password: "p", Service: "svc"})
	err := c.Call(context.Background(), "core_course_get_courses", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	remErr, ok := err.(*RemoteError)
	if !ok {
		t.Fatalf("expected *RemoteError, got %T: %v", err, err)
	}
	if remErr.ErrorCode != "invalidparameter" {
		t.Errorf("ErrorCode = %q, want invalidparameter", remErr.ErrorCode)
	}
	if remErr.IsInvalidToken() {
		t.Error("IsInvalidToken should be false")
	}
}

func TestClientDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login/token.php":
			json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
		case "/file":
			if r.URL.Query().Get("token") != "tok-1" {
				t.Errorf("missing/incorrect token on download: %s", r.URL.RawQuery)
			}
			w.Write([]byte("file contents"))
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Username: "u", Password: "p", Service: "svc"})
	if err := c.login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	rc, err := c.Download(context.Background(), srv.URL+"/file")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer rc.Close()
}

func TestPaginate(t *testing.T) {
	pages := [][]int{{1, 2}, {3, 4}, {}}
	calls := 0
	fetch := func(ctx context.Context, offset int) ([]int, int, bool, error) {
		idx := offset
		if idx >= len(pages) {
			return nil, 0, true, nil
		}
		calls++
		items := pages[idx]
		return items, idx + 1, idx+1 >= len(pages), nil
	}
	got, err := Paginate(context.Background(), fetch)
	if err != nil {
		t.Fatalf("Paginate: %v", err)
	}
	want := []int{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
