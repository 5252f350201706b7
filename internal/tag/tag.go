// Package tag implements batch access to runtime tags: typed data points
// with a current value, quality flag, and timestamp.
package tag

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/forgeline/gwbridge/internal/gateway"
	"github.com/forgeline/gwbridge/internal/logging"
)

// DataType is a tag's declared data type. Writes are checked against it
// before dispatch; the service never silently coerces an incompatible value.
type DataType string

const (
	TypeBool     DataType = "Bool"
	TypeInt32    DataType = "Int32"
	TypeInt64    DataType = "Int64"
	TypeFloat32  DataType = "Float32"
	TypeFloat64  DataType = "Float64"
	TypeString   DataType = "String"
	TypeDateTime DataType = "DateTime"
)

// Quality is the gateway's confidence flag on a tag value.
type Quality string

const (
	QualityGood      Quality = "Good"
	QualityBad       Quality = "Bad"
	QualityUncertain Quality = "Uncertain"
)

// Tag is one runtime data point as reported by the gateway.
type Tag struct {
	Path      string    `json:"path"`
	DataType  DataType  `json:"dataType"`
	Value     any       `json:"value"`
	Quality   Quality   `json:"quality"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadResult is the per-path outcome of ReadMany.
type ReadResult struct {
	Path string
	Tag  *Tag
	Err  error
}

// Write is one path/value pair for WriteMany.
type Write struct {
	Path  string
	Value any
}

// WriteResult is the per-path outcome of WriteMany.
type WriteResult struct {
	Path string
	Err  error
}

// Service provides tag operations on top of the gateway client.
type Service struct {
	client *gateway.Client
	logger logging.Logger
}

// NewService creates a tag Service.
func NewService(client *gateway.Client, logger logging.Logger) *Service {
	return &Service{
		client: client,
		logger: logging.OrNop(logger).With(logging.Field{Key: "component", Value: "tag"}),
	}
}

// readResponse is the gateway's batch read body.
type readResponse struct {
	Results []struct {
		Path  string `json:"path"`
		Tag   *Tag   `json:"tag,omitempty"`
		Error string `json:"error,omitempty"`
	} `json:"results"`
}

// ReadMany reads the given tag paths in one request and returns a per-path
// result list in the same order. Unknown paths fail their own slot with
// ErrNotFound; the rest of the batch is unaffected.
func (s *Service) ReadMany(ctx context.Context, paths []string) ([]ReadResult, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	var resp readResponse
	err := s.client.PostJSON(ctx, "/tags/read", map[string]any{"paths": paths}, &resp)
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]*ReadResult, len(resp.Results))
	for i := range resp.Results {
		r := resp.Results[i]
		out := &ReadResult{Path: r.Path, Tag: r.Tag}
		if r.Error != "" {
			out.Err = fmt.Errorf("%s: %w", r.Error, gateway.ErrNotFound)
			out.Tag = nil
		}
		byPath[r.Path] = out
	}

	results := make([]ReadResult, len(paths))
	failed := 0
	for i, p := range paths {
		if r, ok := byPath[p]; ok {
			results[i] = *r
		} else {
			results[i] = ReadResult{Path: p, Err: fmt.Errorf("no result for path %s: %w", p, gateway.ErrNotFound)}
		}
		if results[i].Err != nil {
			failed++
		}
	}

	if failed > 0 && failed < len(paths) {
		return results, fmt.Errorf("%d of %d tag reads failed: %w", failed, len(paths), gateway.ErrPartialFailure)
	}
	if failed == len(paths) {
		return results, fmt.Errorf("all %d tag reads failed: %w", failed, gateway.ErrNotFound)
	}
	return results, nil
}

// writeResponse is the gateway's batch write body.
type writeResponse struct {
	Results []struct {
		Path  string `json:"path"`
		Error string `json:"error,omitempty"`
	} `json:"results"`
}

// WriteMany validates every value against its tag's declared data type and
// dispatches the compatible items in one batch. An incompatible item fails
// its own slot with ErrValidation while the others still proceed; the
// returned slice mirrors the input order. Mixed outcomes are reported as
// ErrPartialFailure.
func (s *Service) WriteMany(ctx context.Context, writes []Write) ([]WriteResult, error) {
	if len(writes) == 0 {
		return nil, nil
	}

	results := make([]WriteResult, len(writes))
	for i, w := range writes {
		results[i].Path = w.Path
	}

	// Declared types come from a batch read of the target paths.
	paths := make([]string, len(writes))
	for i, w := range writes {
		paths[i] = w.Path
	}
	reads, err := s.ReadMany(ctx, paths)
	if err != nil && reads == nil {
		return nil, err
	}

	declared := make(map[string]DataType, len(reads))
	for _, r := range reads {
		if r.Tag != nil {
			declared[r.Path] = r.Tag.DataType
		}
	}

	// Local validation pass; only compatible items go on the wire.
	type pending struct {
		index int
		write Write
	}
	var toSend []pending
	for i, w := range writes {
		dt, ok := declared[w.Path]
		if !ok {
			results[i].Err = fmt.Errorf("tag %s: %w", w.Path, gateway.ErrNotFound)
			continue
		}
		if err := CheckValue(dt, w.Value); err != nil {
			results[i].Err = err
			s.logger.Warn("rejected tag write",
				logging.Field{Key: "path", Value: w.Path},
				logging.Field{Key: "error", Value: err.Error()})
			continue
		}
		toSend = append(toSend, pending{index: i, write: w})
	}

	if len(toSend) > 0 {
		payload := make([]map[string]any, len(toSend))
		for i, p := range toSend {
			payload[i] = map[string]any{"path": p.write.Path, "value": p.write.Value}
		}

		var resp writeResponse
		if err := s.client.PostJSON(ctx, "/tags/write", map[string]any{"writes": payload}, &resp); err != nil {
			for _, p := range toSend {
				results[p.index].Err = err
			}
		} else {
			remoteErr := make(map[string]string, len(resp.Results))
			for _, r := range resp.Results {
				if r.Error != "" {
					remoteErr[r.Path] = r.Error
				}
			}
			for _, p := range toSend {
				if msg, bad := remoteErr[p.write.Path]; bad {
					results[p.index].Err = fmt.Errorf("%s: %w", msg, gateway.ErrValidation)
				}
			}
		}
	}

	failed := 0
	for i := range results {
		if results[i].Err != nil {
			failed++
		}
	}
	switch {
	case failed == 0:
		return results, nil
	case failed == len(writes):
		return results, fmt.Errorf("all %d tag writes failed: %w", failed, gateway.ErrPartialFailure)
	default:
		return results, fmt.Errorf("%d of %d tag writes failed: %w", failed, len(writes), gateway.ErrPartialFailure)
	}
}

// CheckValue reports whether v is assignable to a tag of type dt without
// silent coercion. Integer values are acceptable for float tags; the reverse
// is not. JSON decoding hands numbers over as float64, so integer checks
// accept a float64 with no fractional part.
func CheckValue(dt DataType, v any) error {
	bad := func() error {
		return fmt.Errorf("value %v (%T) not assignable to %s tag: %w", v, v, dt, gateway.ErrValidation)
	}
	if v == nil {
		return bad()
	}

	switch dt {
	case TypeBool:
		if _, ok := v.(bool); !ok {
			return bad()
		}
	case TypeInt32:
		n, ok := asInteger(v)
		if !ok || n < math.MinInt32 || n > math.MaxInt32 {
			return bad()
		}
	case TypeInt64:
		if _, ok := asInteger(v); !ok {
			return bad()
		}
	case TypeFloat32, TypeFloat64:
		switch v.(type) {
		case float64, float32, int, int32, int64:
		default:
			return bad()
		}
	case TypeString:
		if _, ok := v.(string); !ok {
			return bad()
		}
	case TypeDateTime:
		switch t := v.(type) {
		case time.Time:
		case string:
			if _, err := time.Parse(time.RFC3339, t); err != nil {
				return bad()
			}
		default:
			return bad()
		}
	default:
		return fmt.Errorf("unknown tag data type %q: %w", dt, gateway.ErrValidation)
	}
	return nil
}

func asInteger(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int64(n), true
		}
	case float32:
		f := float64(n)
		if f == math.Trunc(f) && !math.IsInf(f, 0) {
			return int64(f), true
		}
	}
	return 0, false
}
