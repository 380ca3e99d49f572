package syncer

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/stripesync/stripesync/internal/registry"
	"github.com/stripesync/stripesync/internal/store"
	"go.uber.org/zap"
)

// SigmaQueryRunner executes a Stripe Sigma query and returns its result
// set. Implementations own scheduling and polling of the Sigma run; the
// syncer only consumes rows.
type SigmaQueryRunner interface {
	RunQuery(ctx context.Context, query string) (*SigmaResult, error)
}

// SigmaResult is a tabular Sigma result.
type SigmaResult struct {
	Columns []string
	Rows    [][]string
}

// ParseSigmaCSV decodes the CSV file Stripe attaches to a finished Sigma
// query run. The first record is the header.
func ParseSigmaCSV(r io.Reader) (*SigmaResult, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return &SigmaResult{}, nil
		}
		return nil, fmt.Errorf("failed to read sigma csv header: %w", err)
	}
	result := &SigmaResult{Columns: header}
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read sigma csv row: %w", err)
		}
		result.Rows = append(result.Rows, record)
	}
	return result, nil
}

// fetchSigmaPage pulls one page of a Sigma-backed object, ordered and
// keyed by the resource's cursor columns. The cursor is a JSON array of
// the last row's cursor values; when the object run carries none, the
// destination table's high-water mark seeds it so re-runs skip ingested
// rows.
func (s *Syncer) fetchSigmaPage(ctx context.Context, accountID string, run *store.SyncRun, objRun *store.ObjectRun, res registry.Resource) (int, bool, error) {
	sc := res.Sigma
	pageSize := sc.PageSize
	if pageSize <= 0 {
		pageSize = s.cfg.PageSize
	}

	cursor, err := s.sigmaCursor(ctx, objRun, sc)
	if err != nil {
		return 0, false, err
	}

	query := buildSigmaQuery(sc, cursor, pageSize)
	result, err := s.sigma.RunQuery(ctx, query)
	if err != nil {
		return 0, false, fmt.Errorf("sigma query for %s failed: %w", res.Name, err)
	}

	if len(result.Rows) == 0 {
		if err := s.store.CompleteObjectSync(ctx, accountID, run.StartedAt, res.Name); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}

	rows, lastCursor, err := sigmaRowsToStore(result, sc)
	if err != nil {
		return 0, false, err
	}

	syncedAt := time.Now()
	if sc.TimestampProtected {
		err = s.store.UpsertRows(ctx, sc.Table, "", accountID, rows, syncedAt)
	} else {
		err = s.store.UpsertRowsUnprotected(ctx, sc.Table, "", accountID, rows, syncedAt)
	}
	if err != nil {
		return 0, false, err
	}
	if err := s.store.IncrementObjectProgress(ctx, accountID, run.StartedAt, res.Name, len(rows)); err != nil {
		return 0, false, err
	}
	if err := s.store.UpdateObjectCursor(ctx, accountID, run.StartedAt, res.Name, lastCursor); err != nil {
		return 0, false, err
	}

	if len(result.Rows) < pageSize {
		if err := s.store.CompleteObjectSync(ctx, accountID, run.StartedAt, res.Name); err != nil {
			return 0, false, err
		}
		return len(rows), false, nil
	}

	s.logger.Debug("sigma page ingested",
		zap.String("object", res.Name),
		zap.Int("rows", len(rows)))
	return len(rows), true, nil
}

// sigmaCursor returns the cursor values the next page starts after. An
// in-flight run uses its own checkpoint; otherwise the destination
// table's maximum first-cursor-column value is the starting point.
func (s *Syncer) sigmaCursor(ctx context.Context, objRun *store.ObjectRun, sc *registry.SigmaConfig) ([]string, error) {
	if objRun.Cursor != nil && *objRun.Cursor != "" {
		var values []string
		if err := json.Unmarshal([]byte(*objRun.Cursor), &values); err == nil && len(values) == len(sc.CursorColumns) {
			return values, nil
		}
		// A scalar cursor from an older run still seeds the first column.
		return []string{*objRun.Cursor}, nil
	}

	max, err := s.store.MaxColumnValue(ctx, sc.Table, sc.CursorColumns[0].Name)
	if err != nil {
		return nil, err
	}
	if max == "" {
		return nil, nil
	}
	return []string{max}, nil
}

// buildSigmaQuery appends the cursor predicate, ordering and limit to the
// resource's base query. Multi-column cursors compare as a tuple so rows
// sharing the leading column are not skipped.
func buildSigmaQuery(sc *registry.SigmaConfig, cursor []string, pageSize int) string {
	var b strings.Builder
	b.WriteString(sc.Query)

	if len(cursor) > 0 {
		cols := make([]string, 0, len(cursor))
		vals := make([]string, 0, len(cursor))
		for i, v := range cursor {
			if i >= len(sc.CursorColumns) {
				break
			}
			col := sc.CursorColumns[i]
			cols = append(cols, col.Name)
			vals = append(vals, sigmaLiteral(col, v))
		}
		b.WriteString(" where (")
		b.WriteString(strings.Join(cols, ", "))
		b.WriteString(") > (")
		b.WriteString(strings.Join(vals, ", "))
		b.WriteString(")")
	}

	order := make([]string, len(sc.CursorColumns))
	for i, col := range sc.CursorColumns {
		order[i] = col.Name
	}
	fmt.Fprintf(&b, " order by %s limit %d", strings.Join(order, ", "), pageSize)
	return b.String()
}

// sigmaLiteral renders a cursor value as a SQL literal of the column's
// declared type.
func sigmaLiteral(col registry.SigmaColumn, v string) string {
	escaped := strings.ReplaceAll(v, "'", "''")
	switch col.Type {
	case "bigint":
		return v
	case "timestamp":
		return "timestamp '" + escaped + "'"
	default:
		return "'" + escaped + "'"
	}
}

// sigmaRowsToStore converts a result page into store rows. Each row's id
// is its cursor values joined with ":"; the payload carries every column
// keyed by name. The returned cursor is the last row's cursor values as a
// JSON array.
func sigmaRowsToStore(result *SigmaResult, sc *registry.SigmaConfig) ([]store.Row, string, error) {
	colIndex := make(map[string]int, len(result.Columns))
	for i, name := range result.Columns {
		colIndex[name] = i
	}
	for _, col := range sc.CursorColumns {
		if _, ok := colIndex[col.Name]; !ok {
			return nil, "", fmt.Errorf("sigma result missing cursor column %q", col.Name)
		}
	}

	rows := make([]store.Row, 0, len(result.Rows))
	var lastCursor []string
	for _, record := range result.Rows {
		payload := make(map[string]string, len(result.Columns))
		for name, i := range colIndex {
			if i < len(record) {
				payload[name] = record[i]
			}
		}
		cursorVals := make([]string, len(sc.CursorColumns))
		for i, col := range sc.CursorColumns {
			cursorVals[i] = payload[col.Name]
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, "", err
		}
		rows = append(rows, store.Row{
			ID:      strings.Join(cursorVals, ":"),
			Payload: raw,
		})
		lastCursor = cursorVals
	}

	encoded, err := json.Marshal(lastCursor)
	if err != nil {
		return nil, "", err
	}
	return rows, string(encoded), nil
}
