package sqlite

import (
	"context"
	"testing"

	"github.com/koltyakov/relayhub/internal/domain"
)

func BenchmarkResolveSession(b *testing.B) {
	store, err := OpenWithOptions(b.TempDir()+"/bench.db", OpenOptions{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if _, err := store.UpsertSession(ctx, "bench", "s-bench", ""); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.GetSession(ctx, "s-bench"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkResolveAPIKeyMiss(b *testing.B) {
	store, err := OpenWithOptions(b.TempDir()+"/bench.db", OpenOptions{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := store.ResolveAPIKey(ctx, "missing"); err != domain.ErrUnauthorized {
			b.Fatal(err)
		}
	}
}
