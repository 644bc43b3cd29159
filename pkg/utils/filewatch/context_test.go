package filewatch_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opst/deepff/pkg/utils/filewatch"
)

func waitDone(t *testing.T, ctx context.Context, d time.Duration) bool {
	t.Helper()
	select {
	case <-ctx.Done():
		return true
	case <-time.After(d):
		return false
	}
}

func TestUntilModifyContext(t *testing.T) {
	t.Run("when the watched file is written, it cancels context", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(dir, "config.yaml")
		if err := os.WriteFile(file, []byte("a: 1"), 0644); err != nil {
			t.Fatal(err)
		}

		ctx, cancel, err := filewatch.UntilModifyContext(context.Background(), file)
		if err != nil {
			t.Fatal(err)
		}
		defer cancel()

		if err := ctx.Err(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := os.WriteFile(file, []byte("a: 2"), 0644); err != nil {
			t.Fatal(err)
		}

		if !waitDone(t, ctx, 5*time.Second) {
			t.Fatal("context is not canceled")
		}
		if cause := context.Cause(ctx); cause == nil || !strings.Contains(cause.Error(), "config.yaml") {
			t.Errorf("unexpected cause: %v", cause)
		}
	})

	t.Run("when other file in the same directory is written, it does not cancel context", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(dir, "config.yaml")
		if err := os.WriteFile(file, []byte("a: 1"), 0644); err != nil {
			t.Fatal(err)
		}

		ctx, cancel, err := filewatch.UntilModifyContext(context.Background(), file)
		if err != nil {
			t.Fatal(err)
		}
		defer cancel()

		if err := os.WriteFile(filepath.Join(dir, "other"), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		if waitDone(t, ctx, 200*time.Millisecond) {
			t.Fatalf("context is canceled: %v", context.Cause(ctx))
		}
	})

	t.Run("when the directory does not exist, it returns error", func(t *testing.T) {
		_, _, err := filewatch.UntilModifyContext(
			context.Background(), filepath.Join(t.TempDir(), "no", "such", "file"),
		)
		if err == nil {
			t.Error("expected error, but got nil")
		}
	})
}
