package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/ppiankov/tempora/internal/errors"
	"github.com/ppiankov/tempora/internal/model"
	"github.com/ppiankov/tempora/internal/store"
)

// Asserter records one fact draft
type Asserter interface {
	Assert(ctx context.Context, draft model.FactDraft) (*store.WriteResult, error)
}

// AssertJob records one draft of a batch
type AssertJob struct {
	Index    int
	Draft    model.FactDraft
	Asserter Asserter
}

// Execute runs the assertion
func (j *AssertJob) Execute(ctx context.Context) Result {
	res, err := j.Asserter.Assert(ctx, j.Draft)
	return &AssertResult{
		Index: j.Index,
		Draft: j.Draft,
		Write: res,
		Error: err,
	}
}

// AssertResult is the outcome of one batch entry
type AssertResult struct {
	Index int
	Draft model.FactDraft
	Write *store.WriteResult
	Error error
}

// GetError returns the error from the assertion
func (r *AssertResult) GetError() error {
	return r.Error
}

// BatchProcessor asserts many drafts concurrently. The store serializes the
// writes, so concurrency only overlaps validation and snapshot reads.
type BatchProcessor struct {
	asserter    Asserter
	concurrency int
	queueSize   int
}

// NewBatchProcessor creates a new batch processor
func NewBatchProcessor(asserter Asserter, concurrency, queueSize int) *BatchProcessor {
	return &BatchProcessor{
		asserter:    asserter,
		concurrency: concurrency,
		queueSize:   queueSize,
	}
}

// AssertAll asserts every draft and returns the results in input order
func (b *BatchProcessor) AssertAll(ctx context.Context, drafts []model.FactDraft) []*AssertResult {
	if len(drafts) == 0 {
		return []*AssertResult{}
	}

	pool := NewPool(ctx, b.concurrency, b.queueSize)
	pool.Start()

	submitted := 0
	for i, draft := range drafts {
		if !pool.Submit(&AssertJob{Index: i, Draft: draft, Asserter: b.asserter}) {
			break
		}
		submitted++
	}

	results := pool.Wait()

	out := make([]*AssertResult, 0, len(drafts))
	done := make(map[int]bool, len(results))
	for _, r := range results {
		ar := r.(*AssertResult)
		done[ar.Index] = true
		out = append(out, ar)
	}
	// Drafts that never made it into the queue are reported, not dropped
	for i := submitted; i < len(drafts); i++ {
		if !done[i] {
			out = append(out, &AssertResult{Index: i, Draft: drafts[i], Error: errors.Wrap(ctx.Err(), "batch cancelled")})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// AssertFile reads drafts from a JSON lines file and asserts them
func (b *BatchProcessor) AssertFile(ctx context.Context, filePath string) ([]*AssertResult, error) {
	drafts, err := ReadDraftsFromFile(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "read drafts")
	}

	return b.AssertAll(ctx, drafts), nil
}

// ReadDraftsFromFile reads one JSON fact draft per line. Blank lines and
// lines starting with # are skipped.
func ReadDraftsFromFile(filePath string) ([]model.FactDraft, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrap(err, "open file")
	}
	defer func() { _ = file.Close() }()

	var drafts []model.FactDraft

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var d model.FactDraft
		if err := json.Unmarshal([]byte(line), &d); err != nil {
			return nil, errors.Wrapf(errors.ErrInvalidInput, "line %d: %v", lineNo, err)
		}
		drafts = append(drafts, d)
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan file")
	}

	return drafts, nil
}
