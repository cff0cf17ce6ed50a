package rowstore

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thorium-go/thorium/internal/keymodel"
)

// chunkGroupsExists is the §4.2 "chunks groups by 50" limit for
// sha256_exists.
const chunkGroupsExists = 50

// chunkAuthorizeSide is the §4.2 "chunks the cartesian product by
// 50×50 when >100" limit for authorize.
const chunkAuthorizeSide = 50

// chunkGet is the §4.2 "Groups are queried in chunks of 100" limit for
// get.
const chunkGet = 100

// Postgres is the reference RowStore implementation, grounded on the
// teacher's internal/controlplane/jobs/store.go SQL idiom (prepared
// statements, explicit table-per-entity schema) ported from SQLite to
// Postgres and from one table to the §6 samples/tags/results/logs
// schema.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and ensures the §6 tables exist.
func Open(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("rowstore: connect: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS samples (
			"group" TEXT NOT NULL,
			year INT NOT NULL,
			bucket INT NOT NULL,
			sha256 TEXT NOT NULL,
			sha1 TEXT NOT NULL,
			md5 TEXT NOT NULL,
			id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			submitter TEXT NOT NULL,
			origin TEXT NOT NULL,
			uploaded TIMESTAMPTZ NOT NULL,
			PRIMARY KEY ("group", year, bucket, uploaded, id)
		)`,
		`CREATE INDEX IF NOT EXISTS samples_sha256_idx ON samples(sha256)`,
		`CREATE TABLE IF NOT EXISTS tags (
			type TEXT NOT NULL,
			"group" TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			year INT NOT NULL,
			bucket INT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			target TEXT NOT NULL,
			PRIMARY KEY (type, "group", key, value, year, bucket, timestamp, target)
		)`,
		`CREATE INDEX IF NOT EXISTS tags_target_idx ON tags(target)`,
		`CREATE TABLE IF NOT EXISTS results (
			target TEXT NOT NULL,
			tool TEXT NOT NULL,
			year INT NOT NULL,
			bucket INT NOT NULL,
			id TEXT NOT NULL,
			tool_version TEXT NOT NULL DEFAULT '',
			cmd TEXT NOT NULL DEFAULT '',
			groups TEXT[] NOT NULL DEFAULT '{}',
			display_type TEXT NOT NULL,
			payload BYTEA NOT NULL,
			files TEXT[] NOT NULL DEFAULT '{}',
			children JSONB NOT NULL DEFAULT '{}',
			uploaded TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (target, tool, year, bucket, id)
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			reaction TEXT NOT NULL,
			stage INT NOT NULL,
			bucket INT NOT NULL,
			index INT NOT NULL,
			line TEXT NOT NULL,
			PRIMARY KEY (reaction, stage, bucket, index)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("rowstore: migrate: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) InsertSample(ctx context.Context, row SampleRow) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO samples ("group", year, bucket, sha256, sha1, md5, id, name, description, submitter, origin, uploaded)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT ("group", year, bucket, uploaded, id) DO NOTHING`,
		row.Group, row.Year, row.Bucket, row.SHA256, row.SHA1, row.MD5, row.ID,
		row.Name, row.Description, row.Submitter, row.Origin, row.Uploaded)
	if err != nil {
		return fmt.Errorf("rowstore: insert sample: %w", err)
	}
	return nil
}

// SamplesByGroupsAndSHA256 implements §4.2 get: rows whose group is in
// groups, chunked by 100, sorted descending by uploaded.
func (p *Postgres) SamplesByGroupsAndSHA256(ctx context.Context, groups []string, sha256 string) ([]SampleRow, error) {
	var out []SampleRow
	for _, chunk := range keymodel.ChunkStrings(groups, chunkGet) {
		rows, err := p.pool.Query(ctx, `
			SELECT "group", year, bucket, sha256, sha1, md5, id, name, description, submitter, origin, uploaded
			FROM samples WHERE sha256=$1 AND "group" = ANY($2) ORDER BY uploaded DESC`,
			sha256, chunk)
		if err != nil {
			return nil, fmt.Errorf("rowstore: samples by group: %w", err)
		}
		for rows.Next() {
			var r SampleRow
			if err := rows.Scan(&r.Group, &r.Year, &r.Bucket, &r.SHA256, &r.SHA1, &r.MD5, &r.ID,
				&r.Name, &r.Description, &r.Submitter, &r.Origin, &r.Uploaded); err != nil {
				rows.Close()
				return nil, fmt.Errorf("rowstore: scan sample: %w", err)
			}
			out = append(out, r)
		}
		rows.Close()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Uploaded.After(out[j].Uploaded) })
	return out, nil
}

// SHA256ExistsInGroups implements §4.2: chunks groups by 50, returns
// true on first hit.
func (p *Postgres) SHA256ExistsInGroups(ctx context.Context, groups []string, sha256 string) (bool, error) {
	for _, chunk := range keymodel.ChunkStrings(groups, chunkGroupsExists) {
		var exists bool
		err := p.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM samples WHERE sha256=$1 AND "group" = ANY($2))`,
			sha256, chunk).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("rowstore: sha256 exists: %w", err)
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// AuthorizeSHA256s implements §4.2 authorize: every sha256 must appear
// in at least one group row; chunks the cartesian product by 50x50
// when there are more than 100 combinations.
func (p *Postgres) AuthorizeSHA256s(ctx context.Context, groups []string, sha256s []string) (bool, error) {
	remaining := map[string]bool{}
	for _, h := range sha256s {
		remaining[h] = true
	}

	side := chunkAuthorizeSide
	if len(groups)*len(sha256s) <= 100 {
		side = 0 // ChunkStrings returns the whole list as one chunk
	}
	groupChunks := keymodel.ChunkStrings(groups, side)
	shaChunks := keymodel.ChunkStrings(sha256s, side)
	for _, gChunk := range groupChunks {
		for _, sChunk := range shaChunks {
			rows, err := p.pool.Query(ctx,
				`SELECT DISTINCT sha256 FROM samples WHERE "group" = ANY($1) AND sha256 = ANY($2)`,
				gChunk, sChunk)
			if err != nil {
				return false, fmt.Errorf("rowstore: authorize: %w", err)
			}
			for rows.Next() {
				var h string
				if err := rows.Scan(&h); err != nil {
					rows.Close()
					return false, fmt.Errorf("rowstore: authorize scan: %w", err)
				}
				delete(remaining, h)
			}
			rows.Close()
		}
	}
	return len(remaining) == 0, nil
}

func (p *Postgres) DeleteSampleRows(ctx context.Context, sha256, id string, groups []string) error {
	for _, chunk := range keymodel.ChunkStrings(groups, chunkGet) {
		_, err := p.pool.Exec(ctx,
			`DELETE FROM samples WHERE sha256=$1 AND id=$2 AND "group" = ANY($3)`,
			sha256, id, chunk)
		if err != nil {
			return fmt.Errorf("rowstore: delete sample rows: %w", err)
		}
	}
	return nil
}

// RemainingSubmitters returns, for every remaining row of sha256, the
// set of submitters per group — the group_submitter_map of §4.2.
func (p *Postgres) RemainingSubmitters(ctx context.Context, sha256 string) (map[string]map[string]bool, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT "group", submitter FROM samples WHERE sha256=$1`, sha256)
	if err != nil {
		return nil, fmt.Errorf("rowstore: remaining submitters: %w", err)
	}
	defer rows.Close()

	out := map[string]map[string]bool{}
	for rows.Next() {
		var group, submitter string
		if err := rows.Scan(&group, &submitter); err != nil {
			return nil, fmt.Errorf("rowstore: scan remaining submitter: %w", err)
		}
		if out[group] == nil {
			out[group] = map[string]bool{}
		}
		out[group][submitter] = true
	}
	return out, nil
}

func (p *Postgres) InsertTag(ctx context.Context, row TagRow) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO tags (type, "group", key, value, year, bucket, timestamp, target)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (type, "group", key, value, year, bucket, timestamp, target) DO NOTHING`,
		row.Type, row.Group, row.Key, row.Value, row.Year, row.Bucket, row.Timestamp, row.Target)
	if err != nil {
		return fmt.Errorf("rowstore: insert tag: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteTags(ctx context.Context, typ, group, target string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM tags WHERE type=$1 AND "group"=$2 AND target=$3`, typ, group, target)
	if err != nil {
		return fmt.Errorf("rowstore: delete tags: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteTagForValue(ctx context.Context, typ, group, key, value, target string) error {
	_, err := p.pool.Exec(ctx,
		`DELETE FROM tags WHERE type=$1 AND "group"=$2 AND key=$3 AND value=$4 AND target=$5`,
		typ, group, key, value, target)
	if err != nil {
		return fmt.Errorf("rowstore: delete tag for value: %w", err)
	}
	return nil
}

// maxTagPredicates is the §4.5 "join at most 98 predicates per query"
// cap.
const maxTagPredicates = 98

func (p *Postgres) QueryTags(ctx context.Context, query TagQuery) ([]TagRow, error) {
	if len(query.Tags) == 0 {
		return nil, nil
	}
	// Divide the per-query predicate budget by the number of distinct
	// keys, per §4.5 "dividing by |kinds|".
	perKey := maxTagPredicates / len(query.Tags)
	if perKey < 1 {
		perKey = 1
	}

	var out []TagRow
	for key, values := range query.Tags {
		for _, chunk := range keymodel.ChunkStrings(values, perKey) {
			q := `SELECT type, "group", key, value, year, bucket, timestamp, target FROM tags
				WHERE type=$1 AND key=$2 AND value = ANY($3)`
			args := []any{query.Type, key, chunk}
			if len(query.Groups) > 0 {
				q += ` AND "group" = ANY($4)`
				args = append(args, query.Groups)
			}
			q += ` ORDER BY timestamp DESC, target`
			if query.Limit > 0 {
				q += fmt.Sprintf(" LIMIT %d", query.Limit)
			}
			rows, err := p.pool.Query(ctx, q, args...)
			if err != nil {
				return nil, fmt.Errorf("rowstore: query tags: %w", err)
			}
			for rows.Next() {
				var r TagRow
				if err := rows.Scan(&r.Type, &r.Group, &r.Key, &r.Value, &r.Year, &r.Bucket, &r.Timestamp, &r.Target); err != nil {
					rows.Close()
					return nil, fmt.Errorf("rowstore: scan tag: %w", err)
				}
				out = append(out, r)
			}
			rows.Close()
		}
	}
	return out, nil
}

func (p *Postgres) InsertResult(ctx context.Context, row ResultRow) error {
	childrenJSON := "{}"
	if len(row.Children) > 0 {
		parts := make([]string, 0, len(row.Children))
		for k, v := range row.Children {
			parts = append(parts, fmt.Sprintf("%q:%q", k, v))
		}
		childrenJSON = "{" + strings.Join(parts, ",") + "}"
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO results (target, tool, year, bucket, id, tool_version, cmd, groups, display_type, payload, files, children, uploaded)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::jsonb,$13)
		ON CONFLICT (target, tool, year, bucket, id) DO NOTHING`,
		row.Target, row.Tool, row.Year, row.Bucket, row.ID, row.ToolVersion, row.Cmd,
		row.Groups, row.DisplayType, row.Payload, row.Files, childrenJSON, row.Uploaded)
	if err != nil {
		return fmt.Errorf("rowstore: insert result: %w", err)
	}
	return nil
}

func (p *Postgres) ResultsByTarget(ctx context.Context, target string, includeHidden bool) ([]ResultRow, error) {
	q := `SELECT target, tool, year, bucket, id, tool_version, cmd, groups, display_type, payload, files, uploaded
		FROM results WHERE target=$1`
	if !includeHidden {
		q += ` AND display_type <> 'Hidden'`
	}
	q += ` ORDER BY uploaded DESC`
	rows, err := p.pool.Query(ctx, q, target)
	if err != nil {
		return nil, fmt.Errorf("rowstore: results by target: %w", err)
	}
	defer rows.Close()

	var out []ResultRow
	for rows.Next() {
		var r ResultRow
		if err := rows.Scan(&r.Target, &r.Tool, &r.Year, &r.Bucket, &r.ID, &r.ToolVersion, &r.Cmd,
			&r.Groups, &r.DisplayType, &r.Payload, &r.Files, &r.Uploaded); err != nil {
			return nil, fmt.Errorf("rowstore: scan result: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *Postgres) DeleteResultsByTarget(ctx context.Context, target string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM results WHERE target=$1`, target)
	if err != nil {
		return fmt.Errorf("rowstore: delete results: %w", err)
	}
	return nil
}

func (p *Postgres) AppendLog(ctx context.Context, line LogLine) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO logs (reaction, stage, bucket, index, line) VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (reaction, stage, bucket, index) DO UPDATE SET line = EXCLUDED.line`,
		line.Reaction, line.Stage, line.Bucket, line.Index, line.Line)
	if err != nil {
		return fmt.Errorf("rowstore: append log: %w", err)
	}
	return nil
}

func (p *Postgres) LogLines(ctx context.Context, reaction string, stage int) ([]LogLine, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT reaction, stage, bucket, index, line FROM logs
		WHERE reaction=$1 AND stage=$2 ORDER BY bucket, index`, reaction, stage)
	if err != nil {
		return nil, fmt.Errorf("rowstore: log lines: %w", err)
	}
	defer rows.Close()

	var out []LogLine
	for rows.Next() {
		var l LogLine
		if err := rows.Scan(&l.Reaction, &l.Stage, &l.Bucket, &l.Index, &l.Line); err != nil {
			return nil, fmt.Errorf("rowstore: scan log: %w", err)
		}
		out = append(out, l)
	}
	return out, nil
}

var _ RowStore = (*Postgres)(nil)
