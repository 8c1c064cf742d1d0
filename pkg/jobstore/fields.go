package jobstore

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Fields are column assignments applied together with a status transition.
//
// String columns treat nil as "". Timestamp columns accept time.Time,
// *time.Time or nil (stored as NULL).
type Fields map[string]any

// Condition is an extra equality guard on a conditional update. A nil
// Value matches NULL.
type Condition struct {
	Column string
	Value  any
}

type columnKind int

const (
	kindString columnKind = iota
	kindInt
	kindTime
)

var jobColumns = map[string]columnKind{
	"verification_mode":  kindString,
	"input_disk":         kindString,
	"input_key":          kindString,
	"output_disk":        kindString,
	"total_emails":       kindInt,
	"cached_count":       kindInt,
	"unknown_count":      kindInt,
	"valid_count":        kindInt,
	"invalid_count":      kindInt,
	"risky_count":        kindInt,
	"valid_key":          kindString,
	"invalid_key":        kindString,
	"risky_key":          kindString,
	"cached_parts":       kindInt,
	"engine_server_id":   kindString,
	"claimed_at":         kindTime,
	"claim_expires_at":   kindTime,
	"claim_token":        kindString,
	"attempts":           kindInt,
	"error_message":      kindString,
	"policy_version":     kindString,
	"started_at":         kindTime,
	"finished_at":        kindTime,
	"prepared_at":        kindTime,
}

var chunkColumns = map[string]columnKind{
	"input_disk":         kindString,
	"input_key":          kindString,
	"output_disk":        kindString,
	"valid_key":          kindString,
	"invalid_key":        kindString,
	"risky_key":          kindString,
	"email_count":        kindInt,
	"valid_count":        kindInt,
	"invalid_count":      kindInt,
	"risky_count":        kindInt,
	"attempts":           kindInt,
	"max_attempts":       kindInt,
	"engine_server_id":   kindString,
	"assigned_worker_id": kindString,
	"claimed_at":         kindTime,
	"claim_expires_at":   kindTime,
	"claim_token":        kindString,
	"retry_attempt":      kindInt,
	"available_at":       kindTime,
	"retry_planned_at":   kindTime,
	"provider":           kindString,
	"domain":             kindString,
	"preferred_pool":     kindString,
	"last_report_token":  kindString,
	"error_message":      kindString,
}

// ClearClaim returns the assignments that release a chunk lease.
func ClearClaim() Fields {
	return Fields{
		"assigned_worker_id": "",
		"claimed_at":         nil,
		"claim_expires_at":   nil,
		"claim_token":        "",
	}
}

// Merge copies other into f and returns f.
func (f Fields) Merge(other Fields) Fields {
	if f == nil {
		f = Fields{}
	}
	for k, v := range other {
		f[k] = v
	}
	return f
}

func encodeValue(kind columnKind, column string, v any) (any, error) {
	switch kind {
	case kindString:
		switch x := v.(type) {
		case nil:
			return "", nil
		case string:
			return x, nil
		case fmt.Stringer:
			return x.String(), nil
		}
	case kindInt:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int64:
			return x, nil
		case int32:
			return int64(x), nil
		}
	case kindTime:
		switch x := v.(type) {
		case nil:
			return nil, nil
		case time.Time:
			if x.IsZero() {
				return nil, nil
			}
			return FormatTime(x), nil
		case *time.Time:
			return nullTime(x), nil
		}
	}
	return nil, fmt.Errorf("column %s: unsupported value type %T", column, v)
}

// buildUpdate renders a conditional status update. The returned statement
// uses ? placeholders.
func buildUpdate(table string, columns map[string]columnKind, id string, expected, next string, now time.Time, fields Fields, conds []Condition) (string, []any, error) {
	var (
		sets = []string{"status = ?", "updated_at = ?"}
		args = []any{next, FormatTime(now)}
	)

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		kind, ok := columns[name]
		if !ok {
			return "", nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, name)
		}
		v, err := encodeValue(kind, name, fields[name])
		if err != nil {
			return "", nil, err
		}
		sets = append(sets, name+" = ?")
		args = append(args, v)
	}

	where := []string{"id = ?", "status = ?"}
	args = append(args, id, expected)
	for _, c := range conds {
		kind, ok := columns[c.Column]
		if !ok {
			return "", nil, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, c.Column)
		}
		if c.Value == nil && kind == kindTime {
			where = append(where, c.Column+" IS NULL")
			continue
		}
		v, err := encodeValue(kind, c.Column, c.Value)
		if err != nil {
			return "", nil, err
		}
		where = append(where, c.Column+" = ?")
		args = append(args, v)
	}

	query := "UPDATE " + table + " SET " + strings.Join(sets, ", ") + " WHERE " + strings.Join(where, " AND ")
	return query, args, nil
}
