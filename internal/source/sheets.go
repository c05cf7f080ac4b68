package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"welcomebot/internal/sheet"
	logx "welcomebot/pkg/logx"
)

const (
	sheetsReadonlyScope = "https://www.googleapis.com/auth/spreadsheets.readonly"
	defaultSheetsBase   = "https://sheets.googleapis.com"
	maxResponseBytes    = 32 << 20
)

type sheetsSource struct {
	cfg    SheetsConfig
	client *http.Client
	log    logx.Logger
}

func openSheets(cfg Config, log logx.Logger) (sheet.Source, error) {
	sc := cfg.Sheets
	if strings.TrimSpace(sc.SpreadsheetID) == "" {
		return nil, errors.New("sheets: spreadsheet_id is required")
	}
	if strings.TrimSpace(sc.Range) == "" {
		sc.Range = "Sheet1"
	}
	if strings.TrimSpace(sc.BaseURL) == "" {
		sc.BaseURL = defaultSheetsBase
	}
	sc.BaseURL = strings.TrimRight(sc.BaseURL, "/")

	base := &http.Client{Timeout: cfg.Timeout}
	client := base
	// Without credentials or an API key the sheet must be public.
	if strings.TrimSpace(sc.CredentialsFile) != "" {
		b, err := os.ReadFile(sc.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("sheets: read credentials: %w", err)
		}
		jwt, err := google.JWTConfigFromJSON(b, sheetsReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("sheets: parse credentials: %w", err)
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client = jwt.Client(ctx)
		client.Timeout = cfg.Timeout
	}

	return &sheetsSource{cfg: sc, client: client, log: log}, nil
}

func (s *sheetsSource) Name() string { return "sheets" }

func (s *sheetsSource) endpoint() string {
	u := fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s",
		s.cfg.BaseURL, url.PathEscape(s.cfg.SpreadsheetID), url.PathEscape(s.cfg.Range))
	q := url.Values{}
	q.Set("majorDimension", "ROWS")
	q.Set("valueRenderOption", "FORMATTED_VALUE")
	if s.cfg.CredentialsFile == "" && s.cfg.APIKey != "" {
		q.Set("key", s.cfg.APIKey)
	}
	return u + "?" + q.Encode()
}

func (s *sheetsSource) Fetch(ctx context.Context) (sheet.Table, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(), nil)
	if err != nil {
		return nil, sheet.NewFetchError(s.Name(), "request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, sheet.NewFetchError(s.Name(), "http", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, sheet.NewFetchError(s.Name(), "read", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(body, "error.message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, sheet.NewFetchError(s.Name(), "http", fmt.Errorf("status %d: %s", resp.StatusCode, msg))
	}
	if !gjson.ValidBytes(body) {
		return nil, sheet.NewFetchError(s.Name(), "decode", errors.New("invalid json response"))
	}

	rows, err := parseValues(body)
	if err != nil {
		return nil, sheet.NewFetchError(s.Name(), "decode", err)
	}
	s.log.Debug("sheet fetched", logx.String("range", s.cfg.Range), logx.Int("rows", len(rows)))
	return sheet.FromRows(rows), nil
}

// parseValues reads the "values" matrix of a ValueRange. A missing matrix is
// an empty sheet.
func parseValues(body []byte) ([][]string, error) {
	values := gjson.GetBytes(body, "values")
	if !values.Exists() {
		return nil, nil
	}
	if !values.IsArray() {
		return nil, errors.New("values is not an array")
	}
	var rows [][]string
	var bad error
	values.ForEach(func(_, row gjson.Result) bool {
		if !row.IsArray() {
			bad = errors.New("row is not an array")
			return false
		}
		cells := make([]string, 0, len(row.Array()))
		row.ForEach(func(_, cell gjson.Result) bool {
			cells = append(cells, cell.String())
			return true
		})
		rows = append(rows, cells)
		return true
	})
	return rows, bad
}
