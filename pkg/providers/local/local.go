// Package local implements a stack provider backed by a SQLite database.
//
// Stacks behave like CloudFormation stacks without touching any cloud: a
// create, update or delete first reports an *_IN_PROGRESS status and
// settles after Options.Settle. Templates are YAML documents:
//
//	outputs:
//	  VpcId: vpc-${Name}
//	fail: optional reason that makes the operation fail
//
// ${Param} in output values is replaced by the stack parameter Param.
package local

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/stackrun/stackrun/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Name is the provider name.
const Name = "local"

// Stack statuses, named after their CloudFormation counterparts.
const (
	StatusCreateInProgress = "CREATE_IN_PROGRESS"
	StatusCreateComplete   = "CREATE_COMPLETE"
	StatusCreateFailed     = "CREATE_FAILED"
	StatusUpdateInProgress = "UPDATE_IN_PROGRESS"
	StatusUpdateComplete   = "UPDATE_COMPLETE"
	StatusUpdateFailed     = "UPDATE_FAILED"
	StatusDeleteInProgress = "DELETE_IN_PROGRESS"
	StatusDeleteComplete   = "DELETE_COMPLETE"
	StatusDeleteFailed     = "DELETE_FAILED"
)

// Options configures a Provider.
type Options struct {
	// Path is the database file, or ":memory:".
	Path string

	// Settle is how long operations stay in progress.
	Settle time.Duration

	// Now defaults to time.Now.
	Now func() time.Time

	Logger zerolog.Logger
}

// Provider keeps stacks in SQLite. It is safe for concurrent use.
type Provider struct {
	db     *sql.DB
	settle time.Duration
	now    func() time.Time
	logger zerolog.Logger

	// mu serializes read-modify-write of a stack row.
	mu sync.Mutex
}

// Template is the document a local stack is created from.
type Template struct {
	Outputs map[string]string `yaml:"outputs"`
	Fail    string            `yaml:"fail"`
}

// ParseTemplate parses a local template body. An empty body is valid.
func ParseTemplate(body []byte) (*Template, error) {
	var tmpl Template
	if err := yaml.Unmarshal(body, &tmpl); err != nil {
		return nil, fmt.Errorf("invalid local template: %w", err)
	}
	return &tmpl, nil
}

// New opens the database at opts.Path and applies migrations.
func New(ctx context.Context, opts Options) (*Provider, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("local provider database path is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", opts.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local provider database: %w", err)
	}
	// Every connection to :memory: opens a separate database.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping local provider database: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Provider{
		db:     db,
		settle: opts.Settle,
		now:    opts.Now,
		logger: opts.Logger.With().Str("provider", Name).Logger(),
	}, nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: "local_provider_migrations"})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate local provider database: %w", err)
	}
	return nil
}

// Close closes the database.
func (p *Provider) Close() error {
	return p.db.Close()
}

// Name returns "local".
func (p *Provider) Name() string { return Name }

// row is one stored stack.
type row struct {
	name          string
	status        string
	statusReason  string
	template      string
	templateHash  string
	parameters    map[string]string
	tags          map[string]string
	outputs       map[string]string
	pendingStatus string
	pendingReason string
	settleAt      int64
	createdAt     int64
	updatedAt     int64
}

func (r *row) state() *engine.StackState {
	return &engine.StackState{
		Name:         r.name,
		Status:       r.status,
		StatusReason: r.statusReason,
		Outputs:      r.outputs,
		Parameters:   r.parameters,
		Tags:         r.tags,
		TemplateHash: r.templateHash,
		UpdatedAt:    time.Unix(0, r.updatedAt).UTC(),
	}
}

// GetState returns the stack, first settling any operation whose delay
// has passed. A settled delete removes the row and reports
// DELETE_COMPLETE once; later calls return ErrStackNotFound.
func (p *Provider) GetState(ctx context.Context, stackName string) (*engine.StackState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.load(ctx, stackName)
	if err != nil {
		return nil, err
	}

	now := p.now()
	if r.pendingStatus == "" || now.UnixNano() < r.settleAt {
		return r.state(), nil
	}

	r.status, r.statusReason = r.pendingStatus, r.pendingReason
	r.pendingStatus, r.pendingReason, r.settleAt = "", "", 0
	r.updatedAt = now.UnixNano()

	if r.status == StatusDeleteComplete {
		if _, err := p.db.ExecContext(ctx, `DELETE FROM stacks WHERE name = ?`, stackName); err != nil {
			return nil, fmt.Errorf("failed to delete stack %s: %w", stackName, err)
		}
	} else if err := p.save(ctx, r); err != nil {
		return nil, err
	}

	p.logger.Debug().Str("stack", stackName).Str("status", r.status).Msg("Stack settled")
	return r.state(), nil
}

// IsInProgress reports *_IN_PROGRESS statuses.
func (p *Provider) IsInProgress(s *engine.StackState) bool {
	return strings.HasSuffix(s.Status, "_IN_PROGRESS")
}

// IsComplete reports a finished create or update.
func (p *Provider) IsComplete(s *engine.StackState) bool {
	return s.Status == StatusCreateComplete || s.Status == StatusUpdateComplete
}

// IsDestroyed reports DELETE_COMPLETE.
func (p *Provider) IsDestroyed(s *engine.StackState) bool {
	return s.Status == StatusDeleteComplete
}

// IsFailed reports *_FAILED statuses.
func (p *Provider) IsFailed(s *engine.StackState) bool {
	return strings.HasSuffix(s.Status, "_FAILED")
}

// Create records a new stack in CREATE_IN_PROGRESS.
func (p *Provider) Create(ctx context.Context, stackName string, desc *engine.Description) error {
	tmpl, err := ParseTemplate(desc.Template)
	if err != nil {
		return engine.NewPermanentError(fmt.Sprintf("cannot create %s", stackName), err).
			WithCode(engine.ErrCodeValidation).
			WithResource(stackName)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.load(ctx, stackName); err == nil {
		return engine.NewConflictError(fmt.Sprintf("stack %s already exists", stackName), nil).
			WithCode(engine.ErrCodeConflict).
			WithResource(stackName)
	} else if !engine.IsNotFound(err) {
		return err
	}

	now := p.now().UnixNano()
	r := &row{
		name:      stackName,
		status:    StatusCreateInProgress,
		createdAt: now,
		updatedAt: now,
	}
	p.apply(r, desc, tmpl, StatusCreateComplete, StatusCreateFailed)

	if err := p.insert(ctx, r); err != nil {
		return err
	}
	p.logger.Info().Str("stack", stackName).Msg("Stack create requested")
	return nil
}

// Update moves an existing stack to UPDATE_IN_PROGRESS. An update that
// changes nothing is a no-op.
func (p *Provider) Update(ctx context.Context, stackName string, desc *engine.Description) error {
	tmpl, err := ParseTemplate(desc.Template)
	if err != nil {
		return engine.NewPermanentError(fmt.Sprintf("cannot update %s", stackName), err).
			WithCode(engine.ErrCodeValidation).
			WithResource(stackName)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.load(ctx, stackName)
	if err != nil {
		return err
	}
	if r.pendingStatus != "" || p.IsInProgress(r.state()) {
		return engine.NewConflictError(fmt.Sprintf("stack %s is in %s state and cannot be updated", stackName, r.status), nil).
			WithCode(engine.ErrCodeConflict).
			WithResource(stackName)
	}
	if r.status == StatusCreateFailed {
		return engine.NewPermanentError(fmt.Sprintf("stack %s is in %s state, destroy it before updating", stackName, r.status), nil).
			WithCode(engine.ErrCodeProviderFailed).
			WithResource(stackName)
	}
	if r.templateHash == desc.TemplateHash() && maps.Equal(r.parameters, desc.Parameters) && maps.Equal(r.tags, desc.Tags) {
		p.logger.Debug().Str("stack", stackName).Msg("No updates are to be performed")
		return nil
	}

	r.status = StatusUpdateInProgress
	r.statusReason = ""
	r.updatedAt = p.now().UnixNano()
	p.apply(r, desc, tmpl, StatusUpdateComplete, StatusUpdateFailed)

	if err := p.save(ctx, r); err != nil {
		return err
	}
	p.logger.Info().Str("stack", stackName).Msg("Stack update requested")
	return nil
}

// Destroy moves a stack to DELETE_IN_PROGRESS. Destroying an absent stack
// is not an error.
func (p *Provider) Destroy(ctx context.Context, stackName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, err := p.load(ctx, stackName)
	if engine.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if r.status == StatusDeleteInProgress {
		return nil
	}

	now := p.now()
	r.status = StatusDeleteInProgress
	r.statusReason = ""
	r.pendingStatus = StatusDeleteComplete
	r.pendingReason = ""
	r.settleAt = now.Add(p.settle).UnixNano()
	r.updatedAt = now.UnixNano()

	if err := p.save(ctx, r); err != nil {
		return err
	}
	p.logger.Info().Str("stack", stackName).Msg("Stack delete requested")
	return nil
}

// apply stores desc on r and schedules the settled status.
func (p *Provider) apply(r *row, desc *engine.Description, tmpl *Template, complete, failed string) {
	r.template = string(desc.Template)
	r.templateHash = desc.TemplateHash()
	r.parameters = copyMap(desc.Parameters)
	r.tags = copyMap(desc.Tags)
	r.pendingStatus = complete
	r.pendingReason = ""
	if tmpl.Fail != "" {
		r.pendingStatus = failed
		r.pendingReason = tmpl.Fail
	} else {
		r.outputs = renderOutputs(tmpl.Outputs, desc.Parameters)
	}
	r.settleAt = time.Unix(0, r.updatedAt).Add(p.settle).UnixNano()
}

func (p *Provider) load(ctx context.Context, stackName string) (*row, error) {
	var (
		r                        row
		parameters, tags, output string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT name, status, status_reason, template, template_hash, parameters, tags, outputs,
		       pending_status, pending_reason, settle_at, created_at, updated_at
		FROM stacks WHERE name = ?
	`, stackName).Scan(
		&r.name, &r.status, &r.statusReason, &r.template, &r.templateHash,
		&parameters, &tags, &output,
		&r.pendingStatus, &r.pendingReason, &r.settleAt, &r.createdAt, &r.updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewStackNotFoundError(stackName, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stack %s: %w", stackName, err)
	}

	for _, field := range []struct {
		raw string
		dst *map[string]string
	}{
		{parameters, &r.parameters},
		{tags, &r.tags},
		{output, &r.outputs},
	} {
		if err := json.Unmarshal([]byte(field.raw), field.dst); err != nil {
			return nil, fmt.Errorf("failed to decode stack %s: %w", stackName, err)
		}
	}
	return &r, nil
}

func (p *Provider) insert(ctx context.Context, r *row) error {
	parameters, tags, outputs, err := encodeMaps(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO stacks (name, status, status_reason, template, template_hash, parameters, tags, outputs,
		                    pending_status, pending_reason, settle_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.name, r.status, r.statusReason, r.template, r.templateHash, parameters, tags, outputs,
		r.pendingStatus, r.pendingReason, r.settleAt, r.createdAt, r.updatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert stack %s: %w", r.name, err)
	}
	return nil
}

func (p *Provider) save(ctx context.Context, r *row) error {
	parameters, tags, outputs, err := encodeMaps(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		UPDATE stacks
		SET status = ?, status_reason = ?, template = ?, template_hash = ?, parameters = ?, tags = ?,
		    outputs = ?, pending_status = ?, pending_reason = ?, settle_at = ?, updated_at = ?
		WHERE name = ?
	`, r.status, r.statusReason, r.template, r.templateHash, parameters, tags,
		outputs, r.pendingStatus, r.pendingReason, r.settleAt, r.updatedAt, r.name)
	if err != nil {
		return fmt.Errorf("failed to update stack %s: %w", r.name, err)
	}
	return nil
}

// List returns the names of all stored stacks.
func (p *Provider) List(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT name FROM stacks ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list stacks: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan stack: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func encodeMaps(r *row) (string, string, string, error) {
	out := make([]string, 0, 3)
	for _, m := range []map[string]string{r.parameters, r.tags, r.outputs} {
		if m == nil {
			m = map[string]string{}
		}
		data, err := json.Marshal(m)
		if err != nil {
			return "", "", "", fmt.Errorf("failed to encode stack %s: %w", r.name, err)
		}
		out = append(out, string(data))
	}
	return out[0], out[1], out[2], nil
}

func renderOutputs(outputs, params map[string]string) map[string]string {
	if len(outputs) == 0 {
		return map[string]string{}
	}
	pairs := make([]string, 0, 2*len(params))
	for k, v := range params {
		pairs = append(pairs, "${"+k+"}", v)
	}
	replacer := strings.NewReplacer(pairs...)

	rendered := make(map[string]string, len(outputs))
	for k, v := range outputs {
		rendered[k] = replacer.Replace(v)
	}
	return rendered
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
