package source

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"

	"welcomebot/internal/sheet"
)

type xlsxSource struct {
	path  string
	sheet string
}

func openXLSX(cfg Config) (sheet.Source, error) {
	if strings.TrimSpace(cfg.File.Path) == "" {
		return nil, errors.New("xlsx: path is required")
	}
	return &xlsxSource{path: cfg.File.Path, sheet: strings.TrimSpace(cfg.File.Sheet)}, nil
}

func (s *xlsxSource) Name() string { return "xlsx" }

func (s *xlsxSource) Fetch(ctx context.Context) (sheet.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, sheet.NewFetchError(s.Name(), "open", err)
	}
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return nil, sheet.NewFetchError(s.Name(), "open", err)
	}
	defer f.Close()

	name := s.sheet
	if name == "" {
		list := f.GetSheetList()
		if len(list) == 0 {
			return sheet.Table{}, nil
		}
		name = list[0]
	}
	rows, err := f.GetRows(name)
	if err != nil {
		return nil, sheet.NewFetchError(s.Name(), "rows", err)
	}
	return sheet.FromRows(rows), nil
}

type csvSource struct {
	path string
}

func openCSV(cfg Config) (sheet.Source, error) {
	if strings.TrimSpace(cfg.File.Path) == "" {
		return nil, errors.New("csv: path is required")
	}
	return &csvSource{path: cfg.File.Path}, nil
}

func (s *csvSource) Name() string { return "csv" }

func (s *csvSource) Fetch(ctx context.Context) (sheet.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, sheet.NewFetchError(s.Name(), "open", err)
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, sheet.NewFetchError(s.Name(), "open", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, sheet.NewFetchError(s.Name(), "parse", err)
	}
	if len(rows) > 0 && len(rows[0]) > 0 {
		rows[0][0] = strings.TrimPrefix(rows[0][0], "\ufeff")
	}
	return sheet.FromRows(rows), nil
}
