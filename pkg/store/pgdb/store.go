// Package pgdb provides the postgres store.Store implementation. Row level
// pessimistic locks are taken with SELECT ... FOR UPDATE inside the request
// transaction, which is how the state machine serializes status transitions
// on one activation.
package pgdb

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"code.activault.org/server/pkg/store"
)

// PGDB is implemented by pgx.Tx, pgx.Conn & pgxpool.Pool
// accessing a postgres database through this common interface simplifies testing
type PGDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

//go:embed schema.sql
var schemaScriptTpl string

// Migrate creates the database schema.
func Migrate(pgconn *pgx.Conn, dbschema string) error {
	schemaName := pgx.Identifier{dbschema}.Sanitize()
	schemaScript := strings.ReplaceAll(schemaScriptTpl, "${schema_name}", schemaName)

	_, err := pgconn.Exec(context.Background(), schemaScript)

	return wrapError(err, "failed db schema initialization") // nil if err is nil...
}

// Store implements store.Store over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store from a postgres DSN.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if nil != err {
		return nil, wrapError(err, "failed connection pool creation")
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (self *Store) Close() {
	self.pool.Close()
}

// InTx runs fn inside a database transaction; it commits when fn returns nil
// and rolls back otherwise.
func (self *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	err := pgx.BeginFunc(ctx, self.pool, func(ptx pgx.Tx) error {
		return fn(&pgTx{ctx: ctx, db: ptx})
	})
	return wrapError(err, "transaction failed") // nil if err is nil
}

var _ store.Store = &Store{}

type pgTx struct {
	ctx context.Context
	db  PGDB
}

var _ store.Tx = &pgTx{}

const activationCols = `
	   activation_id as "ActivationID",
	   application_id as "ApplicationID",
	   user_id as "UserID",
	   coalesce(activation_name, '') as "ActivationName",
	   activation_code as "ActivationCode",
	   status as "Status",
	   coalesce(blocked_reason, '') as "BlockedReason",
	   counter as "Counter",
	   ctr_data as "CtrData",
	   device_public_key as "DevicePublicKey",
	   server_private_key as "ServerPrivateKey",
	   server_private_key_mode as "ServerPrivateKeyEncryption",
	   server_public_key as "ServerPublicKey",
	   failed_attempts as "FailedAttempts",
	   max_failed_attempts as "MaxFailedAttempts",
	   expires_at as "ExpiresAt",
	   created_at as "CreatedAt",
	   last_used_at as "LastUsedAt",
	   coalesce(last_changed_at, '0001-01-01T00:00:00Z'::timestamptz) as "LastChangedAt",
	   master_keypair_id as "MasterKeyPairID",
	   version as "Version",
	   coalesce(extras, '') as "Extras",
	   flags as "Flags"
`

func (self *pgTx) loadActivation(activationId string, dst *store.Activation, forUpdate bool) error {
	query := fmt.Sprintf(`SELECT %s FROM activation WHERE activation_id = $1`, activationCols)
	if forUpdate {
		query += " FOR UPDATE"
	}
	rows, err := self.db.Query(self.ctx, query, activationId)
	if nil != err {
		return wrapError(err, "failed db.Query")
	}
	activation, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByNameLax[store.Activation])
	if nil != err {
		if errors.Is(err, pgx.ErrNoRows) {
			return wrapError(store.ErrNotFound, "unknown activation")
		}
		return wrapError(err, "failed loading activation")
	}
	*dst = activation
	return nil
}

func (self *pgTx) LoadActivation(activationId string, dst *store.Activation) error {
	return self.loadActivation(activationId, dst, false)
}

func (self *pgTx) LoadActivationForUpdate(activationId string, dst *store.Activation) error {
	return self.loadActivation(activationId, dst, true)
}

func (self *pgTx) FindCreatedActivationByCode(applicationId int64, activationCode string, dst *store.Activation) error {
	rows, err := self.db.Query(
		self.ctx,
		fmt.Sprintf(
			`SELECT %s FROM activation
			 WHERE application_id = $1 AND activation_code = $2 AND status = $3`,
			activationCols,
		),
		applicationId, activationCode, store.ActivationCreated,
	)
	if nil != err {
		return wrapError(err, "failed db.Query")
	}
	activation, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByNameLax[store.Activation])
	if nil != err {
		if errors.Is(err, pgx.ErrNoRows) {
			return wrapError(store.ErrNotFound, "no matching created activation")
		}
		return wrapError(err, "failed loading activation")
	}
	*dst = activation
	return nil
}

func (self *pgTx) ListActivationsByUser(applicationId int64, userId string) ([]store.Activation, error) {
	rows, err := self.db.Query(
		self.ctx,
		fmt.Sprintf(
			`SELECT %s FROM activation
			 WHERE user_id = $1 AND ($2 = 0 OR application_id = $2)
			 ORDER BY created_at`,
			activationCols,
		),
		userId, applicationId,
	)
	if nil != err {
		return nil, wrapError(err, "failed db.Query")
	}
	activations, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[store.Activation])
	return activations, wrapError(err, "failed pgx.CollectRows") // nil if err is nil
}

func (self *pgTx) LookupActivations(query store.ActivationQuery) ([]store.Activation, error) {
	statuses := make([]int16, 0, len(query.Statuses))
	for _, s := range query.Statuses {
		statuses = append(statuses, int16(s))
	}
	// nil slices would reach the database as NULL arrays and void the
	// cardinality() guards
	userIds := query.UserIDs
	if nil == userIds {
		userIds = []string{}
	}
	applicationIds := query.ApplicationIDs
	if nil == applicationIds {
		applicationIds = []int64{}
	}
	rows, err := self.db.Query(
		self.ctx,
		fmt.Sprintf(
			`SELECT %s FROM activation
			 WHERE (cardinality($1::text[]) = 0 OR user_id = ANY($1))
			   AND (cardinality($2::bigint[]) = 0 OR application_id = ANY($2))
			   AND ($3::timestamptz IS NULL OR last_used_at < $3)
			   AND ($4::timestamptz IS NULL OR last_used_at >= $4)
			   AND (cardinality($5::smallint[]) = 0 OR status = ANY($5))
			 ORDER BY created_at`,
			activationCols,
		),
		userIds,
		applicationIds,
		nullableTime(query.LastUsedBefore),
		nullableTime(query.LastUsedAfter),
		statuses,
	)
	if nil != err {
		return nil, wrapError(err, "failed db.Query")
	}
	activations, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[store.Activation])
	return activations, wrapError(err, "failed pgx.CollectRows") // nil if err is nil
}

func (self *pgTx) SaveActivation(activation *store.Activation) error {
	if "" == activation.ActivationID {
		return newError("activation has no id")
	}
	flags := activation.Flags
	if nil == flags {
		flags = []string{}
	}
	_, err := self.db.Exec(
		self.ctx,
		`INSERT INTO activation(
		   activation_id, application_id, user_id, activation_name, activation_code,
		   status, blocked_reason, counter, ctr_data, device_public_key,
		   server_private_key, server_private_key_mode, server_public_key,
		   failed_attempts, max_failed_attempts, expires_at, created_at,
		   last_used_at, last_changed_at, master_keypair_id, version, extras, flags)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		 ON CONFLICT (activation_id) DO UPDATE SET
		   activation_name = EXCLUDED.activation_name,
		   status = EXCLUDED.status,
		   blocked_reason = EXCLUDED.blocked_reason,
		   counter = EXCLUDED.counter,
		   ctr_data = EXCLUDED.ctr_data,
		   device_public_key = EXCLUDED.device_public_key,
		   server_private_key = EXCLUDED.server_private_key,
		   server_private_key_mode = EXCLUDED.server_private_key_mode,
		   failed_attempts = EXCLUDED.failed_attempts,
		   max_failed_attempts = EXCLUDED.max_failed_attempts,
		   expires_at = EXCLUDED.expires_at,
		   last_used_at = EXCLUDED.last_used_at,
		   last_changed_at = EXCLUDED.last_changed_at,
		   version = EXCLUDED.version,
		   extras = EXCLUDED.extras,
		   flags = EXCLUDED.flags`,
		activation.ActivationID, activation.ApplicationID, activation.UserID,
		activation.ActivationName, activation.ActivationCode, activation.Status,
		activation.BlockedReason, activation.Counter, activation.CtrData,
		activation.DevicePublicKey, activation.ServerPrivateKey,
		activation.ServerPrivateKeyEncryption, activation.ServerPublicKey,
		activation.FailedAttempts, activation.MaxFailedAttempts,
		activation.ExpiresAt, activation.CreatedAt, activation.LastUsedAt,
		nullableTime(activation.LastChangedAt), activation.MasterKeyPairID,
		activation.Version, activation.Extras, flags,
	)
	return wrapError(err, "failed saving activation") // nil if err is nil...
}

func (self *pgTx) ActivationIdExists(activationId string) (bool, error) {
	var count int
	row := self.db.QueryRow(self.ctx, `SELECT count(*) FROM activation WHERE activation_id = $1`, activationId)
	err := row.Scan(&count)
	return count > 0, wrapError(err, "failed count query") // nil if err is nil
}

func (self *pgTx) ActivationCodeExists(applicationId int64, activationCode string) (bool, error) {
	var count int
	row := self.db.QueryRow(
		self.ctx,
		`SELECT count(*) FROM activation WHERE application_id = $1 AND activation_code = $2 AND status = $3`,
		applicationId, activationCode, store.ActivationCreated,
	)
	err := row.Scan(&count)
	return count > 0, wrapError(err, "failed count query") // nil if err is nil
}

// Applications, versions, master key pairs

func (self *pgTx) SaveApplication(application *store.Application) error {
	if nil == application.Roles {
		application.Roles = []string{}
	}
	if 0 == application.ID {
		row := self.db.QueryRow(
			self.ctx,
			`INSERT INTO application(name, roles) VALUES ($1, $2) RETURNING id`,
			application.Name, application.Roles,
		)
		return wrapError(row.Scan(&application.ID), "failed saving application") // nil if err is nil
	}
	_, err := self.db.Exec(
		self.ctx,
		`UPDATE application SET name = $2, roles = $3 WHERE id = $1`,
		application.ID, application.Name, application.Roles,
	)
	return wrapError(err, "failed saving application") // nil if err is nil
}

func (self *pgTx) LoadApplication(applicationId int64, dst *store.Application) error {
	rows, err := self.db.Query(
		self.ctx,
		`SELECT id as "ID", name as "Name", roles as "Roles" FROM application WHERE id = $1`,
		applicationId,
	)
	if nil != err {
		return wrapError(err, "failed db.Query")
	}
	application, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByNameLax[store.Application])
	if nil != err {
		if errors.Is(err, pgx.ErrNoRows) {
			return wrapError(store.ErrNotFound, "unknown application")
		}
		return wrapError(err, "failed loading application")
	}
	*dst = application
	return nil
}

func (self *pgTx) ListApplications() ([]store.Application, error) {
	rows, err := self.db.Query(
		self.ctx,
		`SELECT id as "ID", name as "Name", roles as "Roles" FROM application ORDER BY id`,
	)
	if nil != err {
		return nil, wrapError(err, "failed db.Query")
	}
	applications, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[store.Application])
	return applications, wrapError(err, "failed pgx.CollectRows") // nil if err is nil
}

const versionCols = `
	   id as "ID",
	   application_id as "ApplicationID",
	   name as "Name",
	   application_key as "ApplicationKey",
	   application_secret as "ApplicationSecret",
	   supported as "Supported"
`

func (self *pgTx) SaveApplicationVersion(version *store.ApplicationVersion) error {
	if 0 == version.ID {
		row := self.db.QueryRow(
			self.ctx,
			`INSERT INTO application_version(application_id, name, application_key, application_secret, supported)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (application_key) DO NOTHING
			 RETURNING id`,
			version.ApplicationID, version.Name, version.ApplicationKey,
			version.ApplicationSecret, version.Supported,
		)
		err := row.Scan(&version.ID)
		if nil != err {
			if errors.Is(err, pgx.ErrNoRows) {
				return wrapError(store.ErrConflict, "application key already in use")
			}
			return wrapError(err, "failed saving application version")
		}
		return nil
	}
	_, err := self.db.Exec(
		self.ctx,
		`UPDATE application_version SET name = $2, supported = $3 WHERE id = $1`,
		version.ID, version.Name, version.Supported,
	)
	return wrapError(err, "failed saving application version") // nil if err is nil
}

func (self *pgTx) LoadVersionByApplicationKey(applicationKey string, dst *store.ApplicationVersion) error {
	rows, err := self.db.Query(
		self.ctx,
		fmt.Sprintf(`SELECT %s FROM application_version WHERE application_key = $1`, versionCols),
		applicationKey,
	)
	if nil != err {
		return wrapError(err, "failed db.Query")
	}
	version, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByNameLax[store.ApplicationVersion])
	if nil != err {
		if errors.Is(err, pgx.ErrNoRows) {
			return wrapError(store.ErrNotFound, "unknown application key")
		}
		return wrapError(err, "failed loading application version")
	}
	*dst = version
	return nil
}

func (self *pgTx) ListApplicationVersions(applicationId int64) ([]store.ApplicationVersion, error) {
	rows, err := self.db.Query(
		self.ctx,
		fmt.Sprintf(`SELECT %s FROM application_version WHERE application_id = $1 ORDER BY id`, versionCols),
		applicationId,
	)
	if nil != err {
		return nil, wrapError(err, "failed db.Query")
	}
	versions, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[store.ApplicationVersion])
	return versions, wrapError(err, "failed pgx.CollectRows") // nil if err is nil
}

func (self *pgTx) SaveMasterKeyPair(pair *store.MasterKeyPair) error {
	if 0 != pair.ID {
		return newError("master key pairs are immutable")
	}
	row := self.db.QueryRow(
		self.ctx,
		`INSERT INTO master_keypair(application_id, master_private_key, master_public_key, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		pair.ApplicationID, pair.MasterPrivateKey, pair.MasterPublicKey, pair.CreatedAt,
	)
	return wrapError(row.Scan(&pair.ID), "failed saving master key pair") // nil if err is nil
}

func (self *pgTx) LoadLatestMasterKeyPair(applicationId int64, dst *store.MasterKeyPair) error {
	rows, err := self.db.Query(
		self.ctx,
		`SELECT
		   id as "ID",
		   application_id as "ApplicationID",
		   master_private_key as "MasterPrivateKey",
		   master_public_key as "MasterPublicKey",
		   created_at as "CreatedAt"
		 FROM master_keypair
		 WHERE application_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		applicationId,
	)
	if nil != err {
		return wrapError(err, "failed db.Query")
	}
	pair, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByNameLax[store.MasterKeyPair])
	if nil != err {
		if errors.Is(err, pgx.ErrNoRows) {
			return wrapError(store.ErrNotFound, "no master key pair for application")
		}
		return wrapError(err, "failed loading master key pair")
	}
	*dst = pair
	return nil
}

// Recovery codes and configuration

func (self *pgTx) SaveRecoveryCode(code *store.RecoveryCode) error {
	if 0 == code.ID {
		row := self.db.QueryRow(
			self.ctx,
			`INSERT INTO recovery_code(
			   application_id, user_id, activation_id, recovery_code, status,
			   failed_attempts, max_failed_attempts, created_at, last_changed_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
			code.ApplicationID, code.UserID, code.ActivationID, code.RecoveryCode,
			code.Status, code.FailedAttempts, code.MaxFailedAttempts,
			code.CreatedAt, nullableTime(code.LastChangedAt),
		)
		err := row.Scan(&code.ID)
		if nil != err {
			return wrapError(err, "failed saving recovery code")
		}
	} else {
		_, err := self.db.Exec(
			self.ctx,
			`UPDATE recovery_code SET status = $2, failed_attempts = $3, last_changed_at = $4 WHERE id = $1`,
			code.ID, code.Status, code.FailedAttempts, nullableTime(code.LastChangedAt),
		)
		if nil != err {
			return wrapError(err, "failed saving recovery code")
		}
	}

	for i := range code.Puks {
		puk := &code.Puks[i]
		if 0 == puk.ID {
			row := self.db.QueryRow(
				self.ctx,
				`INSERT INTO recovery_puk(recovery_code_id, puk_index, puk_hash, puk_mode, status, last_changed_at)
				 VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
				code.ID, puk.PukIndex, puk.PukHash, puk.PukEncryption, puk.Status,
				nullableTime(puk.LastChangedAt),
			)
			err := row.Scan(&puk.ID)
			if nil != err {
				return wrapError(err, "failed saving recovery puk")
			}
		} else {
			_, err := self.db.Exec(
				self.ctx,
				`UPDATE recovery_puk SET status = $2, last_changed_at = $3 WHERE id = $1`,
				puk.ID, puk.Status, nullableTime(puk.LastChangedAt),
			)
			if nil != err {
				return wrapError(err, "failed saving recovery puk")
			}
		}
	}

	return nil
}

const recoveryCols = `
	   id as "ID",
	   application_id as "ApplicationID",
	   user_id as "UserID",
	   coalesce(activation_id, '') as "ActivationID",
	   recovery_code as "RecoveryCode",
	   status as "Status",
	   failed_attempts as "FailedAttempts",
	   max_failed_attempts as "MaxFailedAttempts",
	   created_at as "CreatedAt",
	   coalesce(last_changed_at, '0001-01-01T00:00:00Z'::timestamptz) as "LastChangedAt"
`

func (self *pgTx) loadPuks(code *store.RecoveryCode) error {
	rows, err := self.db.Query(
		self.ctx,
		`SELECT
		   id as "ID",
		   puk_index as "PukIndex",
		   puk_hash as "PukHash",
		   puk_mode as "PukEncryption",
		   status as "Status",
		   coalesce(last_changed_at, '0001-01-01T00:00:00Z'::timestamptz) as "LastChangedAt"
		 FROM recovery_puk WHERE recovery_code_id = $1 ORDER BY puk_index`,
		code.ID,
	)
	if nil != err {
		return wrapError(err, "failed db.Query")
	}
	puks, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[store.RecoveryPuk])
	if nil != err {
		return wrapError(err, "failed loading recovery puks")
	}
	code.Puks = puks
	return nil
}

func (self *pgTx) LoadRecoveryCodeForUpdate(applicationId int64, recoveryCode string, dst *store.RecoveryCode) error {
	rows, err := self.db.Query(
		self.ctx,
		fmt.Sprintf(
			`SELECT %s FROM recovery_code WHERE application_id = $1 AND recovery_code = $2 FOR UPDATE`,
			recoveryCols,
		),
		applicationId, recoveryCode,
	)
	if nil != err {
		return wrapError(err, "failed db.Query")
	}
	code, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByNameLax[store.RecoveryCode])
	if nil != err {
		if errors.Is(err, pgx.ErrNoRows) {
			return wrapError(store.ErrNotFound, "unknown recovery code")
		}
		return wrapError(err, "failed loading recovery code")
	}
	*dst = code
	return self.loadPuks(dst)
}

func (self *pgTx) ListRecoveryCodesByActivation(applicationId int64, activationId string) ([]store.RecoveryCode, error) {
	rows, err := self.db.Query(
		self.ctx,
		fmt.Sprintf(
			`SELECT %s FROM recovery_code WHERE application_id = $1 AND activation_id = $2 ORDER BY id`,
			recoveryCols,
		),
		applicationId, activationId,
	)
	if nil != err {
		return nil, wrapError(err, "failed db.Query")
	}
	codes, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[store.RecoveryCode])
	if nil != err {
		return nil, wrapError(err, "failed loading recovery codes")
	}
	for i := range codes {
		err = self.loadPuks(&codes[i])
		if nil != err {
			return nil, err
		}
	}
	return codes, nil
}

func (self *pgTx) RecoveryCodeExists(applicationId int64, recoveryCode string) (bool, error) {
	var count int
	row := self.db.QueryRow(
		self.ctx,
		`SELECT count(*) FROM recovery_code WHERE application_id = $1 AND recovery_code = $2`,
		applicationId, recoveryCode,
	)
	err := row.Scan(&count)
	return count > 0, wrapError(err, "failed count query") // nil if err is nil
}

func (self *pgTx) LoadRecoveryConfig(applicationId int64, dst *store.RecoveryConfig) error {
	row := self.db.QueryRow(
		self.ctx,
		`SELECT application_id, activation_recovery_enabled FROM recovery_config WHERE application_id = $1`,
		applicationId,
	)
	err := row.Scan(&dst.ApplicationID, &dst.ActivationRecoveryEnabled)
	if nil != err {
		if errors.Is(err, pgx.ErrNoRows) {
			return wrapError(store.ErrNotFound, "no recovery config for application")
		}
		return wrapError(err, "failed loading recovery config")
	}
	return nil
}

func (self *pgTx) SaveRecoveryConfig(config *store.RecoveryConfig) error {
	_, err := self.db.Exec(
		self.ctx,
		`INSERT INTO recovery_config(application_id, activation_recovery_enabled) VALUES ($1, $2)
		 ON CONFLICT (application_id) DO UPDATE SET activation_recovery_enabled = EXCLUDED.activation_recovery_enabled`,
		config.ApplicationID, config.ActivationRecoveryEnabled,
	)
	return wrapError(err, "failed saving recovery config") // nil if err is nil
}

// Tokens

func (self *pgTx) SaveToken(token *store.Token) error {
	_, err := self.db.Exec(
		self.ctx,
		`INSERT INTO token(token_id, token_secret, activation_id, signature_type_created, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		token.TokenID, token.TokenSecret, token.ActivationID,
		string(token.SignatureTypeCreated), token.CreatedAt,
	)
	return wrapError(err, "failed saving token") // nil if err is nil
}

func (self *pgTx) LoadToken(tokenId string, dst *store.Token) error {
	rows, err := self.db.Query(
		self.ctx,
		`SELECT
		   token_id as "TokenID",
		   token_secret as "TokenSecret",
		   activation_id as "ActivationID",
		   signature_type_created as "SignatureTypeCreated",
		   created_at as "CreatedAt"
		 FROM token WHERE token_id = $1`,
		tokenId,
	)
	if nil != err {
		return wrapError(err, "failed db.Query")
	}
	token, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByNameLax[store.Token])
	if nil != err {
		if errors.Is(err, pgx.ErrNoRows) {
			return wrapError(store.ErrNotFound, "unknown token")
		}
		return wrapError(err, "failed loading token")
	}
	*dst = token
	return nil
}

func (self *pgTx) DeleteToken(tokenId string) error {
	_, err := self.db.Exec(self.ctx, `DELETE FROM token WHERE token_id = $1`, tokenId)
	return wrapError(err, "failed token removal") // nil if err is nil
}

// Integrations

func (self *pgTx) SaveIntegration(integration *store.Integration) error {
	_, err := self.db.Exec(
		self.ctx,
		`INSERT INTO integration(id, name, client_token, client_secret)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		integration.ID, integration.Name, integration.ClientToken, integration.ClientSecret,
	)
	return wrapError(err, "failed saving integration") // nil if err is nil
}

func (self *pgTx) ListIntegrations() ([]store.Integration, error) {
	rows, err := self.db.Query(
		self.ctx,
		`SELECT
		   id as "ID",
		   name as "Name",
		   client_token as "ClientToken",
		   client_secret as "ClientSecret"
		 FROM integration ORDER BY name`,
	)
	if nil != err {
		return nil, wrapError(err, "failed db.Query")
	}
	integrations, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[store.Integration])
	return integrations, wrapError(err, "failed pgx.CollectRows") // nil if err is nil
}

func (self *pgTx) DeleteIntegration(integrationId string) error {
	var deleted int
	row := self.db.QueryRow(
		self.ctx,
		`WITH deleted AS (DELETE FROM integration WHERE id = $1 RETURNING id)
		 SELECT count(id) FROM deleted`,
		integrationId,
	)
	err := row.Scan(&deleted)
	if nil != err {
		return wrapError(err, "failed DELETE query")
	}
	if 0 == deleted {
		return wrapError(store.ErrNotFound, "unknown integration id")
	}
	return nil
}

// Callback URLs

func (self *pgTx) SaveCallbackUrl(callback *store.CallbackUrl) error {
	if nil == callback.Attributes {
		callback.Attributes = []string{}
	}
	_, err := self.db.Exec(
		self.ctx,
		`INSERT INTO callback_url(id, application_id, name, url, attributes)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name, url = EXCLUDED.url, attributes = EXCLUDED.attributes`,
		callback.ID, callback.ApplicationID, callback.Name, callback.URL, callback.Attributes,
	)
	return wrapError(err, "failed saving callback url") // nil if err is nil
}

func (self *pgTx) LoadCallbackUrl(callbackId string, dst *store.CallbackUrl) error {
	rows, err := self.db.Query(
		self.ctx,
		`SELECT
		   id as "ID",
		   application_id as "ApplicationID",
		   name as "Name",
		   url as "URL",
		   attributes as "Attributes"
		 FROM callback_url WHERE id = $1`,
		callbackId,
	)
	if nil != err {
		return wrapError(err, "failed db.Query")
	}
	callback, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByNameLax[store.CallbackUrl])
	if nil != err {
		if errors.Is(err, pgx.ErrNoRows) {
			return wrapError(store.ErrNotFound, "unknown callback id")
		}
		return wrapError(err, "failed loading callback url")
	}
	*dst = callback
	return nil
}

func (self *pgTx) ListCallbackUrls(applicationId int64) ([]store.CallbackUrl, error) {
	rows, err := self.db.Query(
		self.ctx,
		`SELECT
		   id as "ID",
		   application_id as "ApplicationID",
		   name as "Name",
		   url as "URL",
		   attributes as "Attributes"
		 FROM callback_url WHERE application_id = $1 ORDER BY name`,
		applicationId,
	)
	if nil != err {
		return nil, wrapError(err, "failed db.Query")
	}
	callbacks, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[store.CallbackUrl])
	return callbacks, wrapError(err, "failed pgx.CollectRows") // nil if err is nil
}

func (self *pgTx) DeleteCallbackUrl(callbackId string) error {
	var deleted int
	row := self.db.QueryRow(
		self.ctx,
		`WITH deleted AS (DELETE FROM callback_url WHERE id = $1 RETURNING id)
		 SELECT count(id) FROM deleted`,
		callbackId,
	)
	err := row.Scan(&deleted)
	if nil != err {
		return wrapError(err, "failed DELETE query")
	}
	if 0 == deleted {
		return wrapError(store.ErrNotFound, "unknown callback id")
	}
	return nil
}

// History and audit

func (self *pgTx) AppendActivationHistory(entry *store.ActivationHistory) error {
	row := self.db.QueryRow(
		self.ctx,
		`INSERT INTO activation_history(activation_id, status, event_reason, external_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		entry.ActivationID, entry.Status, entry.EventReason, entry.ExternalUserID, entry.CreatedAt,
	)
	return wrapError(row.Scan(&entry.ID), "failed appending history") // nil if err is nil
}

func (self *pgTx) ListActivationHistory(activationId string, from, to time.Time) ([]store.ActivationHistory, error) {
	rows, err := self.db.Query(
		self.ctx,
		`SELECT
		   id as "ID",
		   activation_id as "ActivationID",
		   status as "Status",
		   coalesce(event_reason, '') as "EventReason",
		   coalesce(external_user_id, '') as "ExternalUserID",
		   created_at as "CreatedAt"
		 FROM activation_history
		 WHERE activation_id = $1
		   AND ($2::timestamptz IS NULL OR created_at >= $2)
		   AND ($3::timestamptz IS NULL OR created_at <= $3)
		 ORDER BY created_at, id`,
		activationId, nullableTime(from), nullableTime(to),
	)
	if nil != err {
		return nil, wrapError(err, "failed db.Query")
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[store.ActivationHistory])
	return entries, wrapError(err, "failed pgx.CollectRows") // nil if err is nil
}

func (self *pgTx) AppendSignatureAudit(entry *store.SignatureAudit) error {
	row := self.db.QueryRow(
		self.ctx,
		`INSERT INTO signature_audit(
		   activation_id, user_id, application_id, version, signature_type,
		   signature, data, valid, note, counter_before, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		entry.ActivationID, entry.UserID, entry.ApplicationID, entry.Version,
		string(entry.SignatureType), entry.Signature, entry.Data, entry.Valid,
		entry.Note, entry.CounterBefore, entry.CreatedAt,
	)
	return wrapError(row.Scan(&entry.ID), "failed appending audit entry") // nil if err is nil
}

func (self *pgTx) ListSignatureAudit(query store.SignatureAuditQuery) ([]store.SignatureAudit, error) {
	rows, err := self.db.Query(
		self.ctx,
		`SELECT
		   id as "ID",
		   activation_id as "ActivationID",
		   user_id as "UserID",
		   application_id as "ApplicationID",
		   version as "Version",
		   signature_type as "SignatureType",
		   signature as "Signature",
		   data as "Data",
		   valid as "Valid",
		   coalesce(note, '') as "Note",
		   counter_before as "CounterBefore",
		   created_at as "CreatedAt"
		 FROM signature_audit
		 WHERE ($1 = '' OR user_id = $1)
		   AND ($2 = 0 OR application_id = $2)
		   AND ($3::timestamptz IS NULL OR created_at >= $3)
		   AND ($4::timestamptz IS NULL OR created_at <= $4)
		 ORDER BY created_at, id`,
		query.UserID, query.ApplicationID, nullableTime(query.From), nullableTime(query.To),
	)
	if nil != err {
		return nil, wrapError(err, "failed db.Query")
	}
	entries, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[store.SignatureAudit])
	return entries, wrapError(err, "failed pgx.CollectRows") // nil if err is nil
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
