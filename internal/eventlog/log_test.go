package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/applyctl/flowctl/internal/apperrors"
	"github.com/applyctl/flowctl/internal/store"
)

type fakeRepo struct {
	store.Repository
	fails int
	seq   int64
}

func (f *fakeRepo) AppendEvent(ctx context.Context, e *store.Event) (int64, error) {
	if f.fails > 0 {
		f.fails--
		return 0, errors.New("transient")
	}
	f.seq++
	return f.seq, nil
}

func TestAppend_RetriesThenSucceeds(t *testing.T) {
	repo := &fakeRepo{fails: 2}
	l := New(repo)
	l.sleep = func(time.Duration) {}
	seq, err := l.Append(context.Background(), &store.Event{Type: store.EventItemQueued})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected seq 1, got %d", seq)
	}
}

func TestAppend_ExhaustsToFatal(t *testing.T) {
	repo := &fakeRepo{fails: 100}
	l := New(repo)
	l.sleep = func(time.Duration) {}
	_, err := l.Append(context.Background(), &store.Event{Type: store.EventItemQueued})
	if !errors.Is(err, apperrors.ErrFatalLogWrite) {
		t.Fatalf("expected ErrFatalLogWrite, got %v", err)
	}
}
