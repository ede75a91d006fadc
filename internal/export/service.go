package export

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"github.com/caseidx/caseidx/internal/db"
	"github.com/caseidx/caseidx/internal/sqlgen"
)

// ErrUnsupportedFormat is returned for export formats other than xlsx/csv.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Service dumps a projection or index table to a spreadsheet file. Because
// these tables are dynamically shaped, the column list is discovered from
// the result set, not declared up front.
type Service struct {
	conn      *db.Connection
	exportDir string
	pageSize  int
	now       func() time.Time
	log       zerolog.Logger
}

// Option customizes the export service.
type Option func(*Service)

// WithExportDirectory sets where export files are written.
func WithExportDirectory(dir string) Option {
	return func(s *Service) {
		if strings.TrimSpace(dir) != "" {
			s.exportDir = filepath.Clean(dir)
		}
	}
}

// WithPageSize caps how many rows are fetched per query page.
func WithPageSize(size int) Option {
	return func(s *Service) {
		if size > 0 {
			s.pageSize = size
		}
	}
}

// NewService creates an export service.
func NewService(conn *db.Connection, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		conn:      conn,
		exportDir: "exports",
		pageSize:  1000,
		now:       time.Now,
		log:       log.With().Str("component", "export").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result describes a finished export.
type Result struct {
	Path    string `json:"path"`
	Rows    int    `json:"rows"`
	Columns int    `json:"columns"`
}

// ExportTable writes the full contents of table to a file in the export
// directory and returns its path. The table name passes identifier
// validation before it reaches SQL, same as everywhere else dynamic names
// are used.
func (s *Service) ExportTable(ctx context.Context, table, format string) (Result, error) {
	if !sqlgen.ValidIdentifier(table) {
		return Result{}, fmt.Errorf("invalid table identifier %q", table)
	}

	columns, rows, err := s.readAll(ctx, table)
	if err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(s.exportDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create export directory: %w", err)
	}

	stamp := s.now().UTC().Format("20060102_150405")
	var path string
	switch strings.ToLower(format) {
	case "", "xlsx":
		path = filepath.Join(s.exportDir, fmt.Sprintf("%s_%s.xlsx", table, stamp))
		err = writeXLSX(path, table, columns, rows)
	case "csv":
		path = filepath.Join(s.exportDir, fmt.Sprintf("%s_%s.csv", table, stamp))
		err = writeCSV(path, columns, rows)
	default:
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return Result{}, err
	}

	s.log.Info().Str("table", table).Str("path", path).Int("rows", len(rows)).Msg("table exported")
	return Result{Path: path, Rows: len(rows), Columns: len(columns)}, nil
}

// readAll pages through the table and renders every value as text.
func (s *Service) readAll(ctx context.Context, table string) ([]string, [][]string, error) {
	var columns []string
	var all [][]string

	offset := 0
	for {
		query := s.conn.Dialect.Rebind(
			fmt.Sprintf("SELECT * FROM %s ORDER BY %s LIMIT ? OFFSET ?", table, sqlgen.KeyColumn))
		rows, err := s.conn.DB.QueryContext(ctx, query, s.pageSize, offset)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read table %s: %w", table, err)
		}

		if columns == nil {
			columns, err = rows.Columns()
			if err != nil {
				rows.Close()
				return nil, nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
			}
		}

		fetched := 0
		for rows.Next() {
			values := make([]any, len(columns))
			ptrs := make([]any, len(columns))
			for i := range values {
				ptrs[i] = &values[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				rows.Close()
				return nil, nil, fmt.Errorf("failed to scan row of %s: %w", table, err)
			}

			record := make([]string, len(columns))
			for i, v := range values {
				record[i] = renderValue(v)
			}
			all = append(all, record)
			fetched++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, nil, err
		}
		rows.Close()

		if fetched < s.pageSize {
			return columns, all, nil
		}
		offset += fetched
	}
}

func renderValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func writeXLSX(path, sheet string, columns []string, rows [][]string) error {
	f := excelize.NewFile()
	defer f.Close()

	// Sheet names are capped at 31 characters by the format.
	if len(sheet) > 31 {
		sheet = sheet[:31]
	}
	f.SetSheetName(f.GetSheetName(0), sheet)

	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header row: %w", err)
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		record := make([]any, len(row))
		for j, v := range row {
			record[j] = v
		}
		if err := f.SetSheetRow(sheet, cell, &record); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	return nil
}

func writeCSV(path string, columns []string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer file.Close()

	w := csv.NewWriter(file)
	if err := w.Write(columns); err != nil {
		return err
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// TableExists reports whether the table can be exported; handlers use it to
// answer 404 instead of a query error.
func (s *Service) TableExists(ctx context.Context, table string) (bool, error) {
	if !sqlgen.ValidIdentifier(table) {
		return false, nil
	}
	var query string
	arg := table
	switch s.conn.Dialect {
	case db.DialectPostgres:
		query = s.conn.Dialect.Rebind("SELECT COUNT(*) FROM information_schema.tables WHERE table_name = ?")
		arg = strings.ToLower(table)
	default:
		query = "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ? COLLATE NOCASE"
	}
	var n int
	if err := s.conn.DB.QueryRowContext(ctx, query, arg).Scan(&n); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	return n > 0, nil
}
