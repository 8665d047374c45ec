// Package extract turns a cached threat report into normalized records.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/itchyny/gojq"

	"github.com/DeafMist/sigma-rag/internal/models"
	"github.com/DeafMist/sigma-rag/internal/processing"
)

// ErrMalformedReport is returned when the report does not have the shape the
// selector expects.
var ErrMalformedReport = errors.New("malformed report")

// TextMode selects how a record's full text is built.
type TextMode string

const (
	// TextConcat joins title, description, level and id.
	TextConcat TextMode = "concat"
	// TextField uses a single named field of the source object.
	TextField TextMode = "field"
)

// DefaultSelector points at the Sigma results of a VirusTotal file report.
const DefaultSelector = ".data.attributes.sigma_analysis_results[]"

// Options configures an Extractor.
type Options struct {
	Selector     string
	TextMode     TextMode
	ContentField string
}

// Extractor evaluates a jq selector over a report and builds records.
type Extractor struct {
	code *gojq.Code
	opts Options
}

// New compiles the selector in opts.
func New(opts Options) (*Extractor, error) {
	if opts.Selector == "" {
		opts.Selector = DefaultSelector
	}
	if opts.TextMode == "" {
		opts.TextMode = TextConcat
	}
	switch opts.TextMode {
	case TextConcat:
	case TextField:
		if opts.ContentField == "" {
			return nil, errors.New("content field is required in field text mode")
		}
	default:
		return nil, fmt.Errorf("unknown text mode %q", opts.TextMode)
	}

	query, err := gojq.Parse(opts.Selector)
	if err != nil {
		return nil, fmt.Errorf("parse selector %q: %w", opts.Selector, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("compile selector %q: %w", opts.Selector, err)
	}
	return &Extractor{code: code, opts: opts}, nil
}

// Extract reads the JSON document at path and returns one record per object
// the selector yields, in source order.
func (e *Extractor) Extract(ctx context.Context, path string) ([]models.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReport, err)
	}
	return e.ExtractValue(ctx, doc)
}

// ExtractValue runs the selector over an already decoded document.
func (e *Extractor) ExtractValue(ctx context.Context, doc any) ([]models.Record, error) {
	objects, err := e.selectObjects(ctx, doc)
	if err != nil {
		return nil, err
	}

	records := make([]models.Record, len(objects))
	ids := make([]string, len(objects))
	for i, obj := range objects {
		records[i] = e.buildRecord(obj)
		if records[i].ID == "" {
			records[i].ID = processing.FallbackRecordID(records[i].Title, records[i].Description, i)
		}
		ids[i] = records[i].ID
	}
	for i, id := range processing.UniqueIDs(ids) {
		records[i].ID = id
	}
	return records, nil
}

func (e *Extractor) selectObjects(ctx context.Context, doc any) ([]map[string]any, error) {
	var out []map[string]any
	iter := e.code.RunWithContext(ctx, doc)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		switch val := v.(type) {
		case error:
			var halt *gojq.HaltError
			if errors.As(val, &halt) && halt.Value() == nil {
				return out, nil
			}
			return nil, fmt.Errorf("%w: selector %q: %v", ErrMalformedReport, e.opts.Selector, val)
		case map[string]any:
			out = append(out, val)
		case []any:
			for i, item := range val {
				obj, isObj := item.(map[string]any)
				if !isObj {
					return nil, fmt.Errorf("%w: element %d is %T, want object", ErrMalformedReport, i, item)
				}
				out = append(out, obj)
			}
		default:
			return nil, fmt.Errorf("%w: selector %q yielded %T, want object", ErrMalformedReport, e.opts.Selector, v)
		}
	}
	return out, nil
}

func (e *Extractor) buildRecord(obj map[string]any) models.Record {
	r := models.Record{
		ID:           stringField(obj, models.FieldRuleID),
		Title:        stringField(obj, models.FieldRuleTitle),
		Description:  stringField(obj, models.FieldRuleDescription),
		Level:        stringField(obj, models.FieldRuleLevel),
		Source:       stringField(obj, models.FieldRuleSource),
		Author:       stringField(obj, models.FieldRuleAuthor),
		MatchContext: stringField(obj, models.FieldMatchContext),
	}
	if e.opts.TextMode == TextField {
		r.FullText = stringField(obj, e.opts.ContentField)
	} else {
		r.FullText = processing.ComposeText(r.Title, r.Description, r.Level, r.ID)
	}
	return r
}

func stringField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(data)
	}
}
