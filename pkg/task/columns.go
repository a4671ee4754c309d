package task

import (
	"fmt"
	"time"
)

// Columns returns the insertable column values of t, keyed like updates.
func Columns(t *Task) map[string]any {
	return map[string]any{
		"id":                   t.ID,
		"title":                t.Title,
		"description":          t.Description,
		"priority":             t.Priority,
		"status":               t.Status,
		"is_active":            t.IsActive,
		"is_required":          t.IsRequired,
		"deadline":             t.Deadline,
		"location":             t.Location,
		"assigned_to":          t.AssignedTo,
		"assigned_by":          t.AssignedBy,
		"department_id":        t.DepartmentID,
		"rejection_count":      t.RejectionCount,
		"rejection_reason":     t.RejectionReason,
		"admin_review_status":  t.AdminReviewStatus,
		"completion_photo_url": t.CompletionPhotoURL,
		"approved_by":          t.ApprovedBy,
		"parent_id":            t.ParentID,
		"idempotency_key":      t.IdempotencyKey,
		"started_at":           t.StartedAt,
		"completed_at":         t.CompletedAt,
		"approved_at":          t.ApprovedAt,
		"created_at":           t.CreatedAt,
		"updated_at":           t.UpdatedAt,
	}
}

// Apply copies column-keyed updates onto t. A nil value clears the column.
func Apply(t *Task, updates map[string]any) error {
	for k, v := range updates {
		var err error
		switch k {
		case "title":
			t.Title, err = asString(k, v)
		case "description":
			t.Description, err = asString(k, v)
		case "priority":
			var s string
			if s, err = asString(k, v); err == nil {
				t.Priority = Priority(s)
			}
		case "status":
			var s string
			if s, err = asString(k, v); err == nil {
				t.Status, err = ParseStatus(s)
			}
		case "is_active":
			t.IsActive, err = asBool(k, v)
		case "is_required":
			t.IsRequired, err = asBool(k, v)
		case "deadline":
			t.Deadline, err = asTime(k, v)
		case "location":
			switch loc := v.(type) {
			case nil:
				t.Location = nil
			case map[string]any:
				t.Location = loc
			default:
				err = fmt.Errorf("column %s: want object, got %T", k, v)
			}
		case "assigned_to":
			t.AssignedTo, err = asString(k, v)
		case "assigned_by":
			t.AssignedBy, err = asString(k, v)
		case "department_id":
			t.DepartmentID, err = asString(k, v)
		case "rejection_count":
			switch n := v.(type) {
			case int:
				t.RejectionCount = n
			case int64:
				t.RejectionCount = int(n)
			default:
				err = fmt.Errorf("column %s: want int, got %T", k, v)
			}
		case "rejection_reason":
			t.RejectionReason, err = asString(k, v)
		case "admin_review_status":
			t.AdminReviewStatus, err = asString(k, v)
		case "completion_photo_url":
			t.CompletionPhotoURL, err = asString(k, v)
		case "approved_by":
			t.ApprovedBy, err = asString(k, v)
		case "parent_id":
			t.ParentID, err = asString(k, v)
		case "idempotency_key":
			t.IdempotencyKey, err = asString(k, v)
		case "started_at":
			t.StartedAt, err = asTime(k, v)
		case "completed_at":
			t.CompletedAt, err = asTime(k, v)
		case "approved_at":
			t.ApprovedAt, err = asTime(k, v)
		case "updated_at":
			var ts *time.Time
			if ts, err = asTime(k, v); err == nil && ts != nil {
				t.UpdatedAt = *ts
			}
		default:
			err = fmt.Errorf("column %s is not updatable", k)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func asString(col string, v any) (string, error) {
	switch s := v.(type) {
	case nil:
		return "", nil
	case string:
		return s, nil
	case Status:
		return string(s), nil
	case Priority:
		return string(s), nil
	}
	return "", fmt.Errorf("column %s: want string, got %T", col, v)
}

func asBool(col string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("column %s: want bool, got %T", col, v)
	}
	return b, nil
}

func asTime(col string, v any) (*time.Time, error) {
	switch ts := v.(type) {
	case nil:
		return nil, nil
	case *time.Time:
		if ts == nil {
			return nil, nil
		}
		cp := *ts
		return &cp, nil
	case time.Time:
		return &ts, nil
	}
	return nil, fmt.Errorf("column %s: want time, got %T", col, v)
}
