package dao

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/consts"
	"github.com/grand-thief-cash/chaos/app/projects/ingestor/internal/model"
)

// Redis hashes store timestamps as unix milliseconds and lists as JSON strings.

func msOf(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func timeOf(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}

func timePtrOf(s string) *time.Time {
	t := timeOf(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func encodeTask(t *model.MainTask) map[string]any {
	return map[string]any{
		"uuid":              t.UUID,
		"owner_id":          t.OwnerID,
		"title":             t.Title,
		"status":            string(t.Status),
		"total_resources":   t.TotalResources,
		"total_batches":     t.TotalBatches,
		"completed_batches": t.CompletedBatches,
		"success_count":     t.SuccessCount,
		"failed_count":      t.FailedCount,
		"batch_size":        t.BatchSize,
		"last_error":        t.LastError,
		"created_at":        msOf(t.CreatedAt),
		"updated_at":        msOf(t.UpdatedAt),
	}
}

func decodeTask(m map[string]string) *model.MainTask {
	if len(m) == 0 || m["uuid"] == "" {
		return nil
	}
	return &model.MainTask{
		UUID:             m["uuid"],
		OwnerID:          m["owner_id"],
		Title:            m["title"],
		Status:           consts.TaskStatus(m["status"]),
		TotalResources:   atoi(m["total_resources"]),
		TotalBatches:     atoi(m["total_batches"]),
		CompletedBatches: atoi(m["completed_batches"]),
		SuccessCount:     atoi(m["success_count"]),
		FailedCount:      atoi(m["failed_count"]),
		BatchSize:        atoi(m["batch_size"]),
		LastError:        m["last_error"],
		CreatedAt:        timeOf(m["created_at"]),
		UpdatedAt:        timeOf(m["updated_at"]),
	}
}

func encodeSubtask(s *model.Subtask) (map[string]any, error) {
	items, err := json.Marshal(s.Items)
	if err != nil {
		return nil, err
	}
	results, err := json.Marshal(s.Results)
	if err != nil {
		return nil, err
	}
	m := map[string]any{
		"uuid":          s.UUID,
		"task_uuid":     s.TaskUUID,
		"batch_index":   s.BatchIndex,
		"status":        string(s.Status),
		"items":         string(items),
		"results":       string(results),
		"success_count": s.SuccessCount,
		"failed_count":  s.FailedCount,
		"unprocessed":   s.Unprocessed,
		"created_at":    msOf(s.CreatedAt),
		"started_at":    "",
		"completed_at":  "",
	}
	if s.StartedAt != nil {
		m["started_at"] = msOf(*s.StartedAt)
	}
	if s.CompletedAt != nil {
		m["completed_at"] = msOf(*s.CompletedAt)
	}
	return m, nil
}

func decodeSubtask(m map[string]string) (*model.Subtask, error) {
	if len(m) == 0 || m["uuid"] == "" {
		return nil, nil
	}
	s := &model.Subtask{
		UUID:         m["uuid"],
		TaskUUID:     m["task_uuid"],
		BatchIndex:   atoi(m["batch_index"]),
		Status:       consts.TaskStatus(m["status"]),
		SuccessCount: atoi(m["success_count"]),
		FailedCount:  atoi(m["failed_count"]),
		Unprocessed:  atoi(m["unprocessed"]),
		CreatedAt:    timeOf(m["created_at"]),
		StartedAt:    timePtrOf(m["started_at"]),
		CompletedAt:  timePtrOf(m["completed_at"]),
	}
	if raw := m["items"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &s.Items); err != nil {
			return nil, err
		}
	}
	if raw := m["results"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &s.Results); err != nil {
			return nil, err
		}
	}
	return s, nil
}
