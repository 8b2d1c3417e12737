// Package boltdb provides a store.Store implementation that keeps all data
// in a single file database. It suits development setups, tests and small
// deployments; larger installations use the pgdb implementation.
//
// bbolt runs a single writer at a time, so every InTx transaction is
// serialized: the pessimistic row lock the state machine asks for through
// LoadActivationForUpdate holds trivially.
package boltdb

import (
	"context"
	"encoding/binary"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"code.activault.org/server/internal/transport"
	"code.activault.org/server/pkg/store"
)

const connectTimeout = 5 * time.Second

var bucketNames = []string{
	"applicationTbl",
	"versionTbl",
	"masterKeyTbl",
	"activationTbl",
	"recoveryTbl",
	"recoveryCfgTbl",
	"tokenTbl",
	"integrationTbl",
	"callbackTbl",
	"historyTbl",
	"auditTbl",
}

// records are persisted as CBOR with exact time round-tripping
var cborSrz = transport.CBORSerializer{}

// Store implements store.Store over a bbolt file database.
type Store struct {
	db *bolt.DB
}

// New opens (creating if needed) the database at dbpath.
// It errors if the schema can not be created.
func New(dbpath string) (*Store, error) {
	db, err := bolt.Open(dbpath, 0600, &bolt.Options{Timeout: connectTimeout})
	if nil != err {
		return nil, wrapError(err, "failed connecting to database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range bucketNames {
			_, err := tx.CreateBucketIfNotExists([]byte(name))
			if nil != err {
				return wrapError(err, "failed %s bucket creation", name)
			}
		}
		return nil
	})
	if nil != err {
		db.Close()
		return nil, wrapError(err, "failed db initialization")
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (self *Store) Close() error {
	return wrapError(self.db.Close(), "failed closing database") // nil if err is nil
}

// InTx runs fn inside a read-write transaction.
func (self *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); nil != err {
		return wrapError(err, "context done before transaction")
	}
	return self.db.Update(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

var _ store.Store = &Store{}

type boltTx struct {
	tx *bolt.Tx
}

var _ store.Tx = &boltTx{}

// key helpers

func int64Key(id int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return buf[:]
}

func nextId(b *bolt.Bucket) (int64, error) {
	n, err := b.NextSequence()
	if nil != err {
		return 0, wrapError(err, "failed sequence generation")
	}
	return int64(n), nil
}

func put(b *bolt.Bucket, key []byte, v any) error {
	data, err := cborSrz.Marshal(v)
	if nil != err {
		return wrapError(err, "failed record marshaling")
	}
	return wrapError(b.Put(key, data), "failed bucket put") // nil if err is nil
}

func get(b *bolt.Bucket, key []byte, dst any) error {
	data := b.Get(key)
	if nil == data {
		return wrapError(store.ErrNotFound, "no record for key")
	}
	return wrapError(cborSrz.Unmarshal(data, dst), "failed record unmarshaling") // nil if err is nil
}

// scan iterates all records of bucket, unmarshaling each into a fresh T and
// passing it to visit. visit returns false to stop the iteration.
func scan[T any](b *bolt.Bucket, visit func(rec *T) (bool, error)) error {
	c := b.Cursor()
	for k, v := c.First(); nil != k; k, v = c.Next() {
		rec := new(T)
		err := cborSrz.Unmarshal(v, rec)
		if nil != err {
			return wrapError(err, "failed record unmarshaling")
		}
		more, err := visit(rec)
		if nil != err {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// Activations

func (self *boltTx) activations() *bolt.Bucket { return self.tx.Bucket([]byte("activationTbl")) }

func (self *boltTx) LoadActivation(activationId string, dst *store.Activation) error {
	return get(self.activations(), []byte(activationId), dst)
}

// LoadActivationForUpdate is identical to LoadActivation: the enclosing
// bbolt write transaction is exclusive already.
func (self *boltTx) LoadActivationForUpdate(activationId string, dst *store.Activation) error {
	return get(self.activations(), []byte(activationId), dst)
}

func (self *boltTx) FindCreatedActivationByCode(applicationId int64, activationCode string, dst *store.Activation) error {
	var found bool
	err := scan(self.activations(), func(rec *store.Activation) (bool, error) {
		if rec.ApplicationID == applicationId &&
			rec.ActivationCode == activationCode &&
			store.ActivationCreated == rec.Status {
			*dst = *rec
			found = true
			return false, nil
		}
		return true, nil
	})
	if nil != err {
		return err
	}
	if !found {
		return wrapError(store.ErrNotFound, "no matching created activation")
	}
	return nil
}

func (self *boltTx) ListActivationsByUser(applicationId int64, userId string) ([]store.Activation, error) {
	var rv []store.Activation
	err := scan(self.activations(), func(rec *store.Activation) (bool, error) {
		if rec.UserID != userId {
			return true, nil
		}
		if applicationId != 0 && rec.ApplicationID != applicationId {
			return true, nil
		}
		rv = append(rv, *rec)
		return true, nil
	})
	return rv, err
}

func (self *boltTx) LookupActivations(query store.ActivationQuery) ([]store.Activation, error) {
	var rv []store.Activation
	err := scan(self.activations(), func(rec *store.Activation) (bool, error) {
		if len(query.UserIDs) > 0 && !containsString(query.UserIDs, rec.UserID) {
			return true, nil
		}
		if len(query.ApplicationIDs) > 0 && !containsInt64(query.ApplicationIDs, rec.ApplicationID) {
			return true, nil
		}
		if !query.LastUsedBefore.IsZero() && !rec.LastUsedAt.Before(query.LastUsedBefore) {
			return true, nil
		}
		if !query.LastUsedAfter.IsZero() && rec.LastUsedAt.Before(query.LastUsedAfter) {
			return true, nil
		}
		if len(query.Statuses) > 0 && !containsStatus(query.Statuses, rec.Status) {
			return true, nil
		}
		rv = append(rv, *rec)
		return true, nil
	})
	return rv, err
}

func (self *boltTx) SaveActivation(activation *store.Activation) error {
	if "" == activation.ActivationID {
		return newError("activation has no id")
	}
	return put(self.activations(), []byte(activation.ActivationID), activation)
}

func (self *boltTx) ActivationIdExists(activationId string) (bool, error) {
	return nil != self.activations().Get([]byte(activationId)), nil
}

func (self *boltTx) ActivationCodeExists(applicationId int64, activationCode string) (bool, error) {
	var exists bool
	err := scan(self.activations(), func(rec *store.Activation) (bool, error) {
		if rec.ApplicationID == applicationId &&
			rec.ActivationCode == activationCode &&
			store.ActivationCreated == rec.Status {
			exists = true
			return false, nil
		}
		return true, nil
	})
	return exists, err
}

// Applications, versions, master key pairs

func (self *boltTx) applicationTbl() *bolt.Bucket { return self.tx.Bucket([]byte("applicationTbl")) }
func (self *boltTx) versionTbl() *bolt.Bucket     { return self.tx.Bucket([]byte("versionTbl")) }
func (self *boltTx) masterKeyTbl() *bolt.Bucket   { return self.tx.Bucket([]byte("masterKeyTbl")) }

func (self *boltTx) SaveApplication(application *store.Application) error {
	b := self.applicationTbl()
	if 0 == application.ID {
		id, err := nextId(b)
		if nil != err {
			return err
		}
		application.ID = id
	}
	return put(b, int64Key(application.ID), application)
}

func (self *boltTx) LoadApplication(applicationId int64, dst *store.Application) error {
	return get(self.applicationTbl(), int64Key(applicationId), dst)
}

func (self *boltTx) ListApplications() ([]store.Application, error) {
	var rv []store.Application
	err := scan(self.applicationTbl(), func(rec *store.Application) (bool, error) {
		rv = append(rv, *rec)
		return true, nil
	})
	return rv, err
}

func (self *boltTx) SaveApplicationVersion(version *store.ApplicationVersion) error {
	b := self.versionTbl()
	if 0 == version.ID {
		// application keys are globally unique
		var conflict bool
		err := scan(b, func(rec *store.ApplicationVersion) (bool, error) {
			if rec.ApplicationKey == version.ApplicationKey {
				conflict = true
				return false, nil
			}
			return true, nil
		})
		if nil != err {
			return err
		}
		if conflict {
			return wrapError(store.ErrConflict, "application key already in use")
		}
		id, err := nextId(b)
		if nil != err {
			return err
		}
		version.ID = id
	}
	return put(b, int64Key(version.ID), version)
}

func (self *boltTx) LoadVersionByApplicationKey(applicationKey string, dst *store.ApplicationVersion) error {
	var found bool
	err := scan(self.versionTbl(), func(rec *store.ApplicationVersion) (bool, error) {
		if rec.ApplicationKey == applicationKey {
			*dst = *rec
			found = true
			return false, nil
		}
		return true, nil
	})
	if nil != err {
		return err
	}
	if !found {
		return wrapError(store.ErrNotFound, "unknown application key")
	}
	return nil
}

func (self *boltTx) ListApplicationVersions(applicationId int64) ([]store.ApplicationVersion, error) {
	var rv []store.ApplicationVersion
	err := scan(self.versionTbl(), func(rec *store.ApplicationVersion) (bool, error) {
		if rec.ApplicationID == applicationId {
			rv = append(rv, *rec)
		}
		return true, nil
	})
	return rv, err
}

func (self *boltTx) SaveMasterKeyPair(pair *store.MasterKeyPair) error {
	b := self.masterKeyTbl()
	if 0 == pair.ID {
		id, err := nextId(b)
		if nil != err {
			return err
		}
		pair.ID = id
	}
	return put(b, int64Key(pair.ID), pair)
}

func (self *boltTx) LoadLatestMasterKeyPair(applicationId int64, dst *store.MasterKeyPair) error {
	var best *store.MasterKeyPair
	err := scan(self.masterKeyTbl(), func(rec *store.MasterKeyPair) (bool, error) {
		if rec.ApplicationID != applicationId {
			return true, nil
		}
		if nil == best || rec.CreatedAt.After(best.CreatedAt) ||
			(rec.CreatedAt.Equal(best.CreatedAt) && rec.ID > best.ID) {
			best = rec
		}
		return true, nil
	})
	if nil != err {
		return err
	}
	if nil == best {
		return wrapError(store.ErrNotFound, "no master key pair for application")
	}
	*dst = *best
	return nil
}

// Recovery codes and configuration

func (self *boltTx) recoveryTbl() *bolt.Bucket    { return self.tx.Bucket([]byte("recoveryTbl")) }
func (self *boltTx) recoveryCfgTbl() *bolt.Bucket { return self.tx.Bucket([]byte("recoveryCfgTbl")) }

func (self *boltTx) SaveRecoveryCode(code *store.RecoveryCode) error {
	b := self.recoveryTbl()
	if 0 == code.ID {
		id, err := nextId(b)
		if nil != err {
			return err
		}
		code.ID = id
	}
	for i := range code.Puks {
		if 0 == code.Puks[i].ID {
			code.Puks[i].ID = code.ID*1000 + int64(code.Puks[i].PukIndex)
		}
	}
	return put(b, int64Key(code.ID), code)
}

func (self *boltTx) LoadRecoveryCodeForUpdate(applicationId int64, recoveryCode string, dst *store.RecoveryCode) error {
	var found bool
	err := scan(self.recoveryTbl(), func(rec *store.RecoveryCode) (bool, error) {
		if rec.ApplicationID == applicationId && rec.RecoveryCode == recoveryCode {
			*dst = *rec
			found = true
			return false, nil
		}
		return true, nil
	})
	if nil != err {
		return err
	}
	if !found {
		return wrapError(store.ErrNotFound, "unknown recovery code")
	}
	return nil
}

func (self *boltTx) ListRecoveryCodesByActivation(applicationId int64, activationId string) ([]store.RecoveryCode, error) {
	var rv []store.RecoveryCode
	err := scan(self.recoveryTbl(), func(rec *store.RecoveryCode) (bool, error) {
		if rec.ApplicationID == applicationId && rec.ActivationID == activationId {
			rv = append(rv, *rec)
		}
		return true, nil
	})
	return rv, err
}

func (self *boltTx) RecoveryCodeExists(applicationId int64, recoveryCode string) (bool, error) {
	var exists bool
	err := scan(self.recoveryTbl(), func(rec *store.RecoveryCode) (bool, error) {
		if rec.ApplicationID == applicationId && rec.RecoveryCode == recoveryCode {
			exists = true
			return false, nil
		}
		return true, nil
	})
	return exists, err
}

func (self *boltTx) LoadRecoveryConfig(applicationId int64, dst *store.RecoveryConfig) error {
	return get(self.recoveryCfgTbl(), int64Key(applicationId), dst)
}

func (self *boltTx) SaveRecoveryConfig(config *store.RecoveryConfig) error {
	return put(self.recoveryCfgTbl(), int64Key(config.ApplicationID), config)
}

// Tokens

func (self *boltTx) tokenTbl() *bolt.Bucket { return self.tx.Bucket([]byte("tokenTbl")) }

func (self *boltTx) SaveToken(token *store.Token) error {
	if "" == token.TokenID {
		return newError("token has no id")
	}
	return put(self.tokenTbl(), []byte(token.TokenID), token)
}

func (self *boltTx) LoadToken(tokenId string, dst *store.Token) error {
	return get(self.tokenTbl(), []byte(tokenId), dst)
}

func (self *boltTx) DeleteToken(tokenId string) error {
	return wrapError(self.tokenTbl().Delete([]byte(tokenId)), "failed token removal") // nil if err is nil
}

// Integrations

func (self *boltTx) integrationTbl() *bolt.Bucket { return self.tx.Bucket([]byte("integrationTbl")) }

func (self *boltTx) SaveIntegration(integration *store.Integration) error {
	if "" == integration.ID {
		return newError("integration has no id")
	}
	return put(self.integrationTbl(), []byte(integration.ID), integration)
}

func (self *boltTx) ListIntegrations() ([]store.Integration, error) {
	var rv []store.Integration
	err := scan(self.integrationTbl(), func(rec *store.Integration) (bool, error) {
		rv = append(rv, *rec)
		return true, nil
	})
	return rv, err
}

func (self *boltTx) DeleteIntegration(integrationId string) error {
	b := self.integrationTbl()
	if nil == b.Get([]byte(integrationId)) {
		return wrapError(store.ErrNotFound, "unknown integration id")
	}
	return wrapError(b.Delete([]byte(integrationId)), "failed integration removal") // nil if err is nil
}

// Callback URLs

func (self *boltTx) callbackTbl() *bolt.Bucket { return self.tx.Bucket([]byte("callbackTbl")) }

func (self *boltTx) SaveCallbackUrl(callback *store.CallbackUrl) error {
	if "" == callback.ID {
		return newError("callback has no id")
	}
	return put(self.callbackTbl(), []byte(callback.ID), callback)
}

func (self *boltTx) LoadCallbackUrl(callbackId string, dst *store.CallbackUrl) error {
	return get(self.callbackTbl(), []byte(callbackId), dst)
}

func (self *boltTx) ListCallbackUrls(applicationId int64) ([]store.CallbackUrl, error) {
	var rv []store.CallbackUrl
	err := scan(self.callbackTbl(), func(rec *store.CallbackUrl) (bool, error) {
		if rec.ApplicationID == applicationId {
			rv = append(rv, *rec)
		}
		return true, nil
	})
	if nil != err {
		return nil, err
	}
	sort.Slice(rv, func(i, j int) bool { return rv[i].Name < rv[j].Name })
	return rv, nil
}

func (self *boltTx) DeleteCallbackUrl(callbackId string) error {
	b := self.callbackTbl()
	if nil == b.Get([]byte(callbackId)) {
		return wrapError(store.ErrNotFound, "unknown callback id")
	}
	return wrapError(b.Delete([]byte(callbackId)), "failed callback removal") // nil if err is nil
}

// History and audit

func (self *boltTx) historyTbl() *bolt.Bucket { return self.tx.Bucket([]byte("historyTbl")) }
func (self *boltTx) auditTbl() *bolt.Bucket   { return self.tx.Bucket([]byte("auditTbl")) }

func (self *boltTx) AppendActivationHistory(entry *store.ActivationHistory) error {
	b := self.historyTbl()
	id, err := nextId(b)
	if nil != err {
		return err
	}
	entry.ID = id
	return put(b, int64Key(id), entry)
}

func (self *boltTx) ListActivationHistory(activationId string, from, to time.Time) ([]store.ActivationHistory, error) {
	var rv []store.ActivationHistory
	err := scan(self.historyTbl(), func(rec *store.ActivationHistory) (bool, error) {
		if rec.ActivationID == activationId && timeInRange(rec.CreatedAt, from, to) {
			rv = append(rv, *rec)
		}
		return true, nil
	})
	return rv, err
}

func (self *boltTx) AppendSignatureAudit(entry *store.SignatureAudit) error {
	b := self.auditTbl()
	id, err := nextId(b)
	if nil != err {
		return err
	}
	entry.ID = id
	return put(b, int64Key(id), entry)
}

func (self *boltTx) ListSignatureAudit(query store.SignatureAuditQuery) ([]store.SignatureAudit, error) {
	var rv []store.SignatureAudit
	err := scan(self.auditTbl(), func(rec *store.SignatureAudit) (bool, error) {
		if "" != query.UserID && rec.UserID != query.UserID {
			return true, nil
		}
		if 0 != query.ApplicationID && rec.ApplicationID != query.ApplicationID {
			return true, nil
		}
		if !timeInRange(rec.CreatedAt, query.From, query.To) {
			return true, nil
		}
		rv = append(rv, *rec)
		return true, nil
	})
	return rv, err
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsInt64(haystack []int64, needle int64) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func containsStatus(haystack []store.ActivationStatus, needle store.ActivationStatus) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}

func timeInRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}
