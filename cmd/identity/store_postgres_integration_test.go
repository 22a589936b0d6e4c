package identity

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"pairline/cmd/identity/ids"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests run only when PAIRLINE_DATABASE_URL is set.

func mustNewPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("PAIRLINE_DATABASE_URL"))
	if dsn == "" {
		t.Skip("PAIRLINE_DATABASE_URL not set; skipping Postgres integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	suffix, _ := ids.NewULID(time.Now())
	schema := "pairline_id_it_" + strings.ToLower(suffix)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})

	st, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return st
}

func TestPostgresStore_SignupLoginConflict(t *testing.T) {
	t.Parallel()

	st := mustNewPostgresStore(t)
	svc := newTestService(st)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	u, err := svc.Signup(ctx, "Alice", "Alice@Example.com", "tea-and-toast")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if _, err := svc.Signup(ctx, "Other", "alice@example.com", "tea-and-toast"); !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}

	got, err := svc.Login(ctx, "alice@example.com", "tea-and-toast")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != u.ID || got.Name != "Alice" {
		t.Fatalf("login user=%+v", got)
	}

	if err := st.UpdatePasswordHash(ctx, "missing", "h"); !IsNotFound(err) {
		t.Fatalf("update missing err=%v", err)
	}
	if _, err := st.UserByEmail(ctx, "nobody@example.com"); !IsNotFound(err) {
		t.Fatalf("lookup missing err=%v", err)
	}
}
