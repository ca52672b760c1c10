package lms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/exam-bridge/internal/config"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupMockLMS создаёт mock HTTP-сервер Moodle.
func setupMockLMS(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, baseURL string, timeout time.Duration) *Client {
	t.Helper()
	httpClient, err := NewHTTPClient("", timeout)
	if err != nil {
		t.Fatal(err)
	}
	return New(Config{BaseURL: baseURL + "/", Token: StaticToken("ws-token")}, httpClient, testLogger())
}

// testCred — учётная запись студента, от имени которой идут шаги отправки.
var testCred = Credential{Token: "student-token", UserID: 501}

// restHandler отвечает на вызов wsfunction токеном сервиса фиксированным телом.
func restHandler(t *testing.T, wantFunction, body string) http.HandlerFunc {
	return restHandlerAs(t, "ws-token", wantFunction, body)
}

// restHandlerAs проверяет, что вызов выполнен токеном wantToken.
func restHandlerAs(t *testing.T, wantToken, wantFunction, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webservice/rest/server.php" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("wsfunction"); got != wantFunction {
			t.Errorf("wsfunction = %q, хотели %q", got, wantFunction)
		}
		if r.PostForm.Get("wstoken") != wantToken || r.PostForm.Get("moodlewsrestformat") != "json" {
			t.Errorf("не переданы wstoken/moodlewsrestformat: %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}
}

// TestUploadDraft проверяет шаг 1: multipart-загрузку в draft area.
func TestUploadDraft(t *testing.T) {
	server := setupMockLMS(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webservice/upload.php" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.FormValue("token") != "student-token" || r.FormValue("filearea") != "draft" || r.FormValue("itemid") != "0" {
			t.Errorf("неверные поля формы: %v", r.MultipartForm.Value)
		}
		f, hdr, err := r.FormFile("file_1")
		if err != nil {
			t.Errorf("нет file_1: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if string(data) != "%PDF" || hdr.Filename != "611221104088_19AI405.pdf" {
			t.Errorf("файл: %q (%s)", data, hdr.Filename)
		}
		if ct := hdr.Header.Get("Content-Type"); ct != "application/pdf" {
			t.Errorf("Content-Type файла = %q", ct)
		}
		io.WriteString(w, `[{"component":"user","filearea":"draft","itemid":934021,"filename":"611221104088_19AI405.pdf"}]`)
	})

	client := newTestClient(t, server.URL, 5*time.Second)
	itemID, err := client.UploadDraft(context.Background(), testCred, "611221104088_19AI405.pdf", "application/pdf", strings.NewReader("%PDF"))
	if err != nil {
		t.Fatalf("UploadDraft: %v", err)
	}
	if itemID != 934021 {
		t.Errorf("itemID = %d, хотели 934021", itemID)
	}
}

// TestUploadDraft_ErrorObject проверяет ответ upload.php с ошибкой.
func TestUploadDraft_ErrorObject(t *testing.T) {
	server := setupMockLMS(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"error":"Invalid token - token not found","errorcode":"invalidtoken"}`)
	})

	client := newTestClient(t, server.URL, 5*time.Second)
	_, err := client.UploadDraft(context.Background(), testCred, "a.pdf", "application/pdf", strings.NewReader("x"))

	var le *Error
	if !errors.As(err, &le) {
		t.Fatalf("ожидали *Error, получили %v", err)
	}
	if le.Class != ClassPermanent || le.Code != "invalidtoken" || le.Function != FuncUpload {
		t.Errorf("ошибка классифицирована неверно: %+v", le)
	}
}

// TestInvalidToken_Refreshable проверяет сброс кэша токена сервиса при invalidtoken.
func TestInvalidToken_Refreshable(t *testing.T) {
	server := setupMockLMS(t, restHandler(t, FuncSiteInfo,
		`{"exception":"moodle_exception","errorcode":"invalidtoken","message":"Invalid token"}`))

	var invalidated atomic.Int32
	httpClient, _ := NewHTTPClient("", 5*time.Second)
	client := New(Config{
		BaseURL:         server.URL,
		Token:           StaticToken("ws-token"),
		InvalidateToken: func() { invalidated.Add(1) },
	}, httpClient, testLogger())

	_, err := client.SiteInfo(context.Background())
	if !IsTransient(err) {
		t.Errorf("invalidtoken при обновляемом токене должен быть transient: %v", err)
	}
	if invalidated.Load() != 1 {
		t.Errorf("кэш токена сброшен %d раз, хотели 1", invalidated.Load())
	}
}

// TestInvalidToken_StudentTokenPermanent проверяет, что отозванный токен
// студента не сбрасывает кэш сервиса и требует повторной привязки.
func TestInvalidToken_StudentTokenPermanent(t *testing.T) {
	server := setupMockLMS(t, restHandlerAs(t, testCred.Token, FuncSaveSubmission,
		`{"exception":"moodle_exception","errorcode":"invalidtoken","message":"Invalid token"}`))

	var invalidated atomic.Int32
	httpClient, _ := NewHTTPClient("", 5*time.Second)
	client := New(Config{
		BaseURL:         server.URL,
		Token:           StaticToken("ws-token"),
		InvalidateToken: func() { invalidated.Add(1) },
	}, httpClient, testLogger())

	err := client.SaveSubmission(context.Background(), testCred, 7, 934021)
	var le *Error
	if !errors.As(err, &le) || le.Class != ClassPermanent || le.Code != "invalidtoken" {
		t.Fatalf("ожидали постоянную ошибку invalidtoken, получили %v", err)
	}
	if !strings.Contains(le.Message, "повторная привязка") {
		t.Errorf("сообщение без подсказки о привязке: %q", le.Message)
	}
	if invalidated.Load() != 0 {
		t.Errorf("кэш токена сервиса сброшен %d раз", invalidated.Load())
	}
}

// TestStudentCalls_RequireCredential проверяет отказ без токена студента.
func TestStudentCalls_RequireCredential(t *testing.T) {
	var calls atomic.Int32
	server := setupMockLMS(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	})
	client := newTestClient(t, server.URL, time.Second)

	for name, cred := range map[string]Credential{
		"без токена": {UserID: 501},
		"без userid": {Token: "student-token"},
	} {
		t.Run(name, func(t *testing.T) {
			err := client.SubmitForGrading(context.Background(), cred, 7)
			var le *Error
			if !errors.As(err, &le) || le.Code != "nocredential" || le.Class != ClassPermanent {
				t.Errorf("ожидали nocredential, получили %v", err)
			}
		})
	}
	if calls.Load() != 0 {
		t.Errorf("LMS вызвана %d раз без учётных данных", calls.Load())
	}
}

// TestSaveSubmission проверяет шаг 2 и разбор предупреждений.
func TestSaveSubmission(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantErr   bool
		wantClass Class
		wantCode  string
	}{
		{name: "пустой список — успех", body: `[]`},
		{name: "null — успех", body: `null`},
		{name: "объект без предупреждений", body: `{"warnings":[]}`},
		{
			name:      "предупреждение — постоянная ошибка",
			body:      `[{"item":"assignment","itemid":7,"warningcode":"couldnotsavesubmission","message":"Could not save submission"}]`,
			wantErr:   true,
			wantClass: ClassPermanent,
			wantCode:  "couldnotsavesubmission",
		},
		{
			name:      "исключение обслуживания — временная ошибка",
			body:      `{"exception":"moodle_exception","errorcode":"sitemaintenance","message":"Site is undergoing maintenance"}`,
			wantErr:   true,
			wantClass: ClassTransient,
			wantCode:  "sitemaintenance",
		},
		{
			name:      "закрытое окно сдачи — постоянная ошибка",
			body:      `{"exception":"moodle_exception","errorcode":"nopermissions","message":"Sorry, but you do not currently have permissions to do that"}`,
			wantErr:   true,
			wantClass: ClassPermanent,
			wantCode:  "nopermissions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := setupMockLMS(t, func(w http.ResponseWriter, r *http.Request) {
				r.ParseForm()
				if r.PostForm.Get("assignmentid") != "7" || r.PostForm.Get("plugindata[files_filemanager]") != "934021" {
					t.Errorf("неверные параметры: %v", r.PostForm)
				}
				restHandlerAs(t, testCred.Token, FuncSaveSubmission, tt.body)(w, r)
			})

			err := newTestClient(t, server.URL, 5*time.Second).SaveSubmission(context.Background(), testCred, 7, 934021)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("SaveSubmission: %v", err)
				}
				return
			}
			var le *Error
			if !errors.As(err, &le) {
				t.Fatalf("ожидали *Error, получили %v", err)
			}
			if le.Class != tt.wantClass || le.Code != tt.wantCode {
				t.Errorf("Class = %s, Code = %s; хотели %s, %s", le.Class, le.Code, tt.wantClass, tt.wantCode)
			}
		})
	}
}

// TestHTTPStatusClassification проверяет классификацию HTTP-статусов.
func TestHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   Class
	}{
		{http.StatusInternalServerError, ClassTransient},
		{http.StatusBadGateway, ClassTransient},
		{http.StatusServiceUnavailable, ClassTransient},
		{http.StatusTooManyRequests, ClassTransient},
		{http.StatusRequestTimeout, ClassTransient},
		{http.StatusNotFound, ClassPermanent},
		{http.StatusForbidden, ClassPermanent},
		{http.StatusBadRequest, ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			server := setupMockLMS(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})

			err := newTestClient(t, server.URL, 5*time.Second).SubmitForGrading(context.Background(), testCred, 7)
			var le *Error
			if !errors.As(err, &le) {
				t.Fatalf("ожидали *Error, получили %v", err)
			}
			if le.Class != tt.want || le.StatusCode != tt.status {
				t.Errorf("HTTP %d: Class = %s, хотели %s", tt.status, le.Class, tt.want)
			}
		})
	}
}

// TestTimeout проверяет, что таймаут шага — временная ошибка с флагом Timeout.
func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	server := setupMockLMS(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	client := newTestClient(t, server.URL, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.SaveSubmission(ctx, testCred, 7, 1)
	if !IsTransient(err) || !IsTimeout(err) {
		t.Errorf("ожидали transient-таймаут, получили %v", err)
	}
}

// TestNetworkError проверяет недоступный сервер.
func TestNetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	err := newTestClient(t, url, time.Second).SubmitForGrading(context.Background(), testCred, 7)
	if !IsTransient(err) {
		t.Errorf("недоступный сервер должен давать transient, получили %v", err)
	}
}

// TestInvalidResponse проверяет HTML вместо JSON.
func TestInvalidResponse(t *testing.T) {
	server := setupMockLMS(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>Bad gateway</html>")
	})

	_, err := newTestClient(t, server.URL, time.Second).SubmissionStatus(context.Background(), testCred, 7)
	var le *Error
	if !errors.As(err, &le) || le.Code != "invalidresponse" || le.Class != ClassTransient {
		t.Errorf("ожидали invalidresponse, получили %v", err)
	}
}

// TestSubmissionStatus проверяет разбор mod_assign_get_submission_status.
func TestSubmissionStatus(t *testing.T) {
	tests := []struct {
		name          string
		body          string
		wantID        int64
		wantStatus    string
		wantCanSubmit bool
		wantSubmitted bool
	}{
		{
			name:          "черновик",
			body:          `{"lastattempt":{"submission":{"id":55,"status":"draft"},"cansubmit":true},"warnings":[]}`,
			wantID:        55,
			wantStatus:    "draft",
			wantCanSubmit: true,
		},
		{
			name:          "уже отправлен",
			body:          `{"lastattempt":{"submission":{"id":55,"userid":501,"status":"submitted"},"cansubmit":false}}`,
			wantID:        55,
			wantStatus:    "submitted",
			wantSubmitted: true,
		},
		{
			name:       "нет попытки",
			body:       `{"warnings":[]}`,
			wantStatus: "new",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := setupMockLMS(t, func(w http.ResponseWriter, r *http.Request) {
				r.ParseForm()
				if r.PostForm.Get("assignid") != "7" || r.PostForm.Get("userid") != "501" {
					t.Errorf("assignid = %q, userid = %q", r.PostForm.Get("assignid"), r.PostForm.Get("userid"))
				}
				restHandlerAs(t, testCred.Token, FuncSubmissionStatus, tt.body)(w, r)
			})

			st, err := newTestClient(t, server.URL, time.Second).SubmissionStatus(context.Background(), testCred, 7)
			if err != nil {
				t.Fatalf("SubmissionStatus: %v", err)
			}
			if st.SubmissionID != tt.wantID || st.Status != tt.wantStatus ||
				st.CanSubmit != tt.wantCanSubmit || st.Submitted() != tt.wantSubmitted {
				t.Errorf("SubmissionStatus = %+v", st)
			}
		})
	}
}

// TestSubmissionStatus_ForeignSubmission проверяет отказ, если LMS вернула
// ответ другой учётной записи.
func TestSubmissionStatus_ForeignSubmission(t *testing.T) {
	server := setupMockLMS(t, restHandlerAs(t, testCred.Token, FuncSubmissionStatus,
		`{"lastattempt":{"submission":{"id":4242,"userid":77,"status":"submitted"}}}`))

	_, err := newTestClient(t, server.URL, time.Second).SubmissionStatus(context.Background(), testCred, 7)
	var le *Error
	if !errors.As(err, &le) || le.Code != "foreignsubmission" || le.Class != ClassPermanent {
		t.Fatalf("ожидали foreignsubmission, получили %v", err)
	}
}

// TestSubmitForGrading_Warning проверяет couldnotsubmitforgrading.
func TestSubmitForGrading_Warning(t *testing.T) {
	server := setupMockLMS(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("acceptsubmissionstatement") != "1" {
			t.Error("acceptsubmissionstatement не передан")
		}
		restHandlerAs(t, testCred.Token, FuncSubmitForGrading,
			`[{"item":"7","warningcode":"couldnotsubmitforgrading","message":"Could not submit assignment for grading"}]`)(w, r)
	})

	err := newTestClient(t, server.URL, time.Second).SubmitForGrading(context.Background(), testCred, 7)
	var le *Error
	if !errors.As(err, &le) || le.Class != ClassPermanent || le.Code != "couldnotsubmitforgrading" {
		t.Errorf("ожидали постоянную ошибку couldnotsubmitforgrading, получили %v", err)
	}
}

// TestCheckReady проверяет проверку готовности через core_webservice_get_site_info.
func TestCheckReady(t *testing.T) {
	server := setupMockLMS(t, restHandler(t, FuncSiteInfo,
		`{"sitename":"Exam LMS","username":"exam-bridge","userid":3,"release":"4.3"}`))

	status, msg := newTestClient(t, server.URL, time.Second).CheckReady()
	if status != "ok" {
		t.Errorf("CheckReady() = %s (%s)", status, msg)
	}
}

// TestTokenSource проверяет получение и кэширование токена.
func TestTokenSource(t *testing.T) {
	var requests atomic.Int32
	server := setupMockLMS(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login/token.php" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		r.ParseForm()
		if r.PostForm.Get("username") != "svc" || r.PostForm.Get("service") != "moodle_mobile_app" {
			t.Errorf("неверные параметры: %v", r.PostForm)
		}
		n := requests.Add(1)
		fmt.Fprintf(w, `{"token":"tok-%d","privatetoken":null}`, n)
	})

	httpClient, _ := NewHTTPClient("", time.Second)
	src := NewTokenSource(server.URL, "svc", "secret", "moodle_mobile_app", time.Hour, httpClient, testLogger())
	now := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return now }

	ctx := context.Background()
	tok, err := src.Token(ctx)
	if err != nil || tok != "tok-1" {
		t.Fatalf("Token() = %q, %v", tok, err)
	}
	if tok, _ = src.Token(ctx); tok != "tok-1" || requests.Load() != 1 {
		t.Errorf("токен не взят из кэша: %q, запросов %d", tok, requests.Load())
	}

	// За 30 секунд до истечения — обновление
	now = now.Add(time.Hour - 20*time.Second)
	if tok, _ = src.Token(ctx); tok != "tok-2" {
		t.Errorf("токен не обновлён перед истечением: %q", tok)
	}

	src.Invalidate()
	if tok, _ = src.Token(ctx); tok != "tok-3" {
		t.Errorf("Invalidate не сбросил кэш: %q", tok)
	}
}

// TestTokenSource_InvalidLogin проверяет ошибку входа.
func TestTokenSource_InvalidLogin(t *testing.T) {
	server := setupMockLMS(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"error":"Invalid login, please try again","errorcode":"invalidlogin"}`)
	})

	httpClient, _ := NewHTTPClient("", time.Second)
	src := NewTokenSource(server.URL, "svc", "wrong", "moodle_mobile_app", time.Hour, httpClient, testLogger())

	_, err := src.Token(context.Background())
	var le *Error
	if !errors.As(err, &le) || le.Class != ClassPermanent || le.Code != "invalidlogin" {
		t.Errorf("ожидали постоянную ошибку invalidlogin, получили %v", err)
	}
}

// TestNewHTTPClient_BadCA проверяет ошибку чтения CA.
func TestNewHTTPClient_BadCA(t *testing.T) {
	if _, err := NewHTTPClient("/nonexistent/ca.pem", time.Second); err == nil {
		t.Error("ожидали ошибку для несуществующего CA")
	}
}

func TestNewFromConfig(t *testing.T) {
	server := setupMockLMS(t, restHandler(t, FuncSiteInfo,
		`{"sitename":"Exam LMS","username":"exam-bridge","userid":3,"release":"4.3"}`))

	client, err := NewFromConfig(&config.Config{
		LMSURL:         server.URL,
		LMSToken:       "ws-token",
		LMSHTTPTimeout: time.Second,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewFromConfig: %v", err)
	}

	info, err := client.SiteInfo(context.Background())
	if err != nil || info.SiteName != "Exam LMS" {
		t.Errorf("SiteInfo() = %+v, %v", info, err)
	}

	if _, err := NewFromConfig(&config.Config{
		LMSURL:        server.URL,
		LMSToken:      "ws-token",
		LMSCACertPath: "/nonexistent/ca.pem",
	}, testLogger()); err == nil {
		t.Error("ожидали ошибку для несуществующего CA")
	}
}

// TestIssueTokenAndSiteInfoAs проверяет выпуск токена студента и чтение
// его учётной записи.
func TestIssueTokenAndSiteInfoAs(t *testing.T) {
	server := setupMockLMS(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login/token.php":
			r.ParseForm()
			if r.PostForm.Get("username") != "ivanov" || r.PostForm.Get("service") != "exam_bridge" {
				t.Errorf("форма токена: %v", r.PostForm)
			}
			io.WriteString(w, `{"token":"student-token"}`)
		default:
			restHandlerAs(t, "student-token", FuncSiteInfo,
				`{"sitename":"LMS","username":"ivanov","userid":501}`)(w, r)
		}
	})

	httpClient, _ := NewHTTPClient("", time.Second)
	client := New(Config{BaseURL: server.URL, Token: StaticToken("ws-token"), Service: "exam_bridge"}, httpClient, testLogger())

	token, err := client.IssueToken(context.Background(), "ivanov", "secret")
	if err != nil || token != "student-token" {
		t.Fatalf("IssueToken = %q, %v", token, err)
	}
	info, err := client.SiteInfoAs(context.Background(), token)
	if err != nil {
		t.Fatalf("SiteInfoAs: %v", err)
	}
	if info.UserID != 501 || info.Username != "ivanov" {
		t.Errorf("SiteInfoAs = %+v", info)
	}
}

// TestSiteInfoAs_NoUser проверяет отказ для токена без пользователя.
func TestSiteInfoAs_NoUser(t *testing.T) {
	server := setupMockLMS(t, restHandlerAs(t, "student-token", FuncSiteInfo, `{"sitename":"LMS"}`))

	_, err := newTestClient(t, server.URL, time.Second).SiteInfoAs(context.Background(), "student-token")
	var le *Error
	if !errors.As(err, &le) || le.Code != "invalidresponse" {
		t.Errorf("ожидали invalidresponse, получили %v", err)
	}
}

// TestAssignments проверяет разбор mod_assign_get_assignments.
func TestAssignments(t *testing.T) {
	server := setupMockLMS(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("courseids[0]") != "3" || r.PostForm.Get("courseids[1]") != "4" {
			t.Errorf("courseids: %v", r.PostForm)
		}
		restHandler(t, FuncGetAssignments, `{"courses":[
			{"id":3,"assignments":[{"id":7,"cmid":42,"course":3,"name":"19AI405 Экзамен"},{"id":8,"name":"Опрос"}]},
			{"id":4,"assignments":[]}
		],"warnings":[]}`)(w, r)
	})

	got, err := newTestClient(t, server.URL, time.Second).Assignments(context.Background(), []int64{3, 4})
	if err != nil {
		t.Fatalf("Assignments: %v", err)
	}
	want := []Assignment{
		{ID: 7, CourseID: 3, ModuleID: 42, Name: "19AI405 Экзамен"},
		{ID: 8, CourseID: 3, Name: "Опрос"},
	}
	if len(got) != len(want) {
		t.Fatalf("Assignments = %+v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("[%d] = %+v, хотели %+v", i, got[i], want[i])
		}
	}
}
