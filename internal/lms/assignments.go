package lms

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"
)

// Assignment — задание курса по данным mod_assign_get_assignments.
type Assignment struct {
	ID       int64
	CourseID int64
	// ModuleID — cmid, id модуля курса из адреса страницы задания
	ModuleID int64
	Name     string
}

// Assignments возвращает задания указанных курсов, доступные токену сервиса.
// Курсы, к которым у сервиса нет доступа, LMS пропускает с предупреждением.
func (c *Client) Assignments(ctx context.Context, courseIDs []int64) ([]Assignment, error) {
	params := url.Values{}
	for i, id := range courseIDs {
		params.Set("courseids["+strconv.Itoa(i)+"]", strconv.FormatInt(id, 10))
	}

	body, err := c.call(ctx, FuncGetAssignments, params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Courses []struct {
			ID          int64 `json:"id"`
			Assignments []struct {
				ID     int64  `json:"id"`
				CMID   int64  `json:"cmid"`
				Course int64  `json:"course"`
				Name   string `json:"name"`
			} `json:"assignments"`
		} `json:"courses"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, invalidResponse(FuncGetAssignments, body, err)
	}

	var out []Assignment
	for _, course := range resp.Courses {
		for _, a := range course.Assignments {
			courseID := a.Course
			if courseID == 0 {
				courseID = course.ID
			}
			out = append(out, Assignment{ID: a.ID, CourseID: courseID, ModuleID: a.CMID, Name: a.Name})
		}
	}
	return out, nil
}
