package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/hashicorp/go-hclog"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// serviceNameRe guards the table-name interpolation in GetAccount; service
// names come from the catalog's type column, not from end users, but the
// table name cannot be a bind parameter.
var serviceNameRe = regexp.MustCompile(`^[a-z0-9_]+$`)

// PostgresCatalog implements Catalog over a pgx connection pool.
type PostgresCatalog struct {
	pool   *pgxpool.Pool
	logger hclog.Logger
}

// NewPostgresCatalog wraps a pool.
func NewPostgresCatalog(pool *pgxpool.Pool, logger hclog.Logger) *PostgresCatalog {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &PostgresCatalog{pool: pool, logger: logger.Named("catalog")}
}

func (c *PostgresCatalog) StreamServices(ctx context.Context, chunkSize int, fn func([]ServiceRow) error) error {
	if chunkSize <= 0 {
		chunkSize = 10000
	}
	offset := 0
	for {
		rows, err := c.pool.Query(ctx,
			`SELECT uuid, type, account_id FROM spider_service ORDER BY id LIMIT $1 OFFSET $2`,
			chunkSize, offset)
		if err != nil {
			return fmt.Errorf("failed to query spider_service: %w", err)
		}
		chunk := make([]ServiceRow, 0, chunkSize)
		for rows.Next() {
			var row ServiceRow
			if err := rows.Scan(&row.UUID, &row.Type, &row.AccountID); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan spider_service row: %w", err)
			}
			chunk = append(chunk, row)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to read spider_service rows: %w", err)
		}
		if len(chunk) > 0 {
			if err := fn(chunk); err != nil {
				return err
			}
		}
		if len(chunk) < chunkSize {
			return nil
		}
		offset += chunkSize
	}
}

func (c *PostgresCatalog) GetService(ctx context.Context, uuid string) (*ServiceRow, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT uuid, type, account_id FROM spider_service WHERE uuid = $1`, uuid)
	var out ServiceRow
	if err := row.Scan(&out.UUID, &out.Type, &out.AccountID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read spider_service row %s: %w", uuid, err)
	}
	return &out, nil
}

func (c *PostgresCatalog) GetAccount(ctx context.Context, service string, accountID int64) (map[string]string, error) {
	if !serviceNameRe.MatchString(service) {
		return nil, fmt.Errorf("invalid service name %q", service)
	}
	table := fmt.Sprintf("content_%saccount", service)
	rows, err := c.pool.Query(ctx,
		fmt.Sprintf(`SELECT * FROM %s WHERE account_id = $1`, table), accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", table, err)
		}
		return nil, ErrNotFound
	}
	fields := rows.FieldDescriptions()
	values, err := rows.Values()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s row: %w", table, err)
	}
	account := make(map[string]string, len(fields))
	for i, fd := range fields {
		if values[i] == nil {
			continue
		}
		account[string(fd.Name)] = fmt.Sprintf("%v", values[i])
	}
	return account, nil
}

func (c *PostgresCatalog) DeleteService(ctx context.Context, uuid string) error {
	tag, err := c.pool.Exec(ctx, `DELETE FROM spider_service WHERE uuid = $1`, uuid)
	if err != nil {
		return fmt.Errorf("failed to delete spider_service row %s: %w", uuid, err)
	}
	if tag.RowsAffected() == 0 {
		c.logger.Debug("delete matched no rows", "uuid", uuid)
	}
	return nil
}
