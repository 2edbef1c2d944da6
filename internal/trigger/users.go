package trigger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultUsersTable holds one row per user learning state.
const DefaultUsersTable = "user_learning_states"

// PostgresUsers reads eligible users from the learning-state table.
type PostgresUsers struct {
	pool  *pgxpool.Pool
	query string
}

func NewPostgresUsers(pool *pgxpool.Pool, table string) *PostgresUsers {
	if table == "" {
		table = DefaultUsersTable
	}
	ident := pgx.Identifier{table}.Sanitize()
	return &PostgresUsers{
		pool:  pool,
		query: fmt.Sprintf(`SELECT DISTINCT user_id FROM %s WHERE status = 'in_progress' ORDER BY user_id`, ident),
	}
}

func (u *PostgresUsers) InProgressUsers(ctx context.Context) ([]string, error) {
	rows, err := u.pool.Query(ctx, u.query)
	if err != nil {
		return nil, fmt.Errorf("query in_progress users: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan in_progress users: %w", err)
	}
	return ids, nil
}

// StaticUsers is a fixed user list, used for local runs without a database.
type StaticUsers []string

func (s StaticUsers) InProgressUsers(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}
