package boltdb

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"code.activault.org/server/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "test.db"))
	if nil != err {
		t.Fatalf("Failed store creation, got error %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedApplication(t *testing.T, st *Store) (store.Application, store.ApplicationVersion, store.MasterKeyPair) {
	t.Helper()
	application := store.Application{Name: "test-app"}
	version := store.ApplicationVersion{Name: "v1", ApplicationKey: "app-key-1", ApplicationSecret: "app-secret-1", Supported: true}
	pair := store.MasterKeyPair{MasterPrivateKey: []byte("priv"), MasterPublicKey: []byte("pub"), CreatedAt: time.Now()}
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		err := tx.SaveApplication(&application)
		if nil != err {
			return err
		}
		version.ApplicationID = application.ID
		err = tx.SaveApplicationVersion(&version)
		if nil != err {
			return err
		}
		pair.ApplicationID = application.ID
		return tx.SaveMasterKeyPair(&pair)
	})
	if nil != err {
		t.Fatalf("Failed seeding, got error %v", err)
	}
	return application, version, pair
}

func TestApplicationRoundTrip(t *testing.T) {
	st := newTestStore(t)
	application, version, pair := seedApplication(t, st)

	err := st.InTx(context.Background(), func(tx store.Tx) error {
		var loaded store.Application
		err := tx.LoadApplication(application.ID, &loaded)
		if nil != err {
			return err
		}
		if loaded.Name != "test-app" {
			t.Errorf("Failed application round trip, %q", loaded.Name)
		}

		var loadedVersion store.ApplicationVersion
		err = tx.LoadVersionByApplicationKey("app-key-1", &loadedVersion)
		if nil != err {
			return err
		}
		if loadedVersion.ID != version.ID || !loadedVersion.Supported {
			t.Error("Failed version round trip")
		}

		var loadedPair store.MasterKeyPair
		err = tx.LoadLatestMasterKeyPair(application.ID, &loadedPair)
		if nil != err {
			return err
		}
		if loadedPair.ID != pair.ID {
			t.Error("Failed master key pair round trip")
		}
		return nil
	})
	if nil != err {
		t.Fatalf("Failed transaction, got error %v", err)
	}
}

func TestApplicationKeyConflict(t *testing.T) {
	st := newTestStore(t)
	application, _, _ := seedApplication(t, st)

	err := st.InTx(context.Background(), func(tx store.Tx) error {
		duplicate := store.ApplicationVersion{
			ApplicationID:  application.ID,
			Name:           "v2",
			ApplicationKey: "app-key-1",
		}
		return tx.SaveApplicationVersion(&duplicate)
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Errorf("Failed conflict control, got %v", err)
	}
}

func TestLatestMasterKeyPair(t *testing.T) {
	st := newTestStore(t)
	application, _, _ := seedApplication(t, st)

	newer := store.MasterKeyPair{
		ApplicationID:    application.ID,
		MasterPrivateKey: []byte("priv2"),
		MasterPublicKey:  []byte("pub2"),
		CreatedAt:        time.Now().Add(time.Hour),
	}
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		err := tx.SaveMasterKeyPair(&newer)
		if nil != err {
			return err
		}
		var latest store.MasterKeyPair
		err = tx.LoadLatestMasterKeyPair(application.ID, &latest)
		if nil != err {
			return err
		}
		if latest.ID != newer.ID {
			t.Error("Failed latest-by-created-at control")
		}
		return nil
	})
	if nil != err {
		t.Fatalf("Failed transaction, got error %v", err)
	}
}

func TestActivationRoundTrip(t *testing.T) {
	st := newTestStore(t)
	application, _, pair := seedApplication(t, st)

	now := time.Now().Round(0)
	activation := store.Activation{
		ActivationID:      "activation-1",
		ApplicationID:     application.ID,
		UserID:            "alice",
		ActivationCode:    "AAAAA-BBBBB-CCCCC-DDDDD",
		Status:            store.ActivationCreated,
		ServerPrivateKey:  []byte("encrypted"),
		ServerPublicKey:   []byte("public"),
		MaxFailedAttempts: 5,
		ExpiresAt:         now.Add(2 * time.Minute),
		CreatedAt:         now,
		LastUsedAt:        now,
		MasterKeyPairID:   pair.ID,
	}
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		return tx.SaveActivation(&activation)
	})
	if nil != err {
		t.Fatalf("Failed save, got error %v", err)
	}

	err = st.InTx(context.Background(), func(tx store.Tx) error {
		var loaded store.Activation
		err := tx.LoadActivation("activation-1", &loaded)
		if nil != err {
			return err
		}
		if loaded.UserID != "alice" || loaded.Status != store.ActivationCreated {
			t.Error("Failed activation round trip")
		}
		if !loaded.LastChangedAt.IsZero() {
			t.Error("Failed zero time round trip")
		}

		var byCode store.Activation
		err = tx.FindCreatedActivationByCode(application.ID, "AAAAA-BBBBB-CCCCC-DDDDD", &byCode)
		if nil != err {
			return err
		}
		if byCode.ActivationID != "activation-1" {
			t.Error("Failed lookup by code")
		}

		exists, err := tx.ActivationCodeExists(application.ID, "AAAAA-BBBBB-CCCCC-DDDDD")
		if nil != err {
			return err
		}
		if !exists {
			t.Error("Failed code existence control")
		}

		err = tx.LoadActivation("missing", &loaded)
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Failed not-found control, got %v", err)
		}
		return nil
	})
	if nil != err {
		t.Fatalf("Failed transaction, got error %v", err)
	}
}

func TestTokenLifecycle(t *testing.T) {
	st := newTestStore(t)

	token := store.Token{
		TokenID:      "token-1",
		TokenSecret:  []byte("secret"),
		ActivationID: "activation-1",
		CreatedAt:    time.Now(),
	}
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		err := tx.SaveToken(&token)
		if nil != err {
			return err
		}
		var loaded store.Token
		err = tx.LoadToken("token-1", &loaded)
		if nil != err {
			return err
		}
		if loaded.ActivationID != "activation-1" {
			t.Error("Failed token round trip")
		}
		err = tx.DeleteToken("token-1")
		if nil != err {
			return err
		}
		err = tx.LoadToken("token-1", &loaded)
		if !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Failed removal control, got %v", err)
		}
		return nil
	})
	if nil != err {
		t.Fatalf("Failed transaction, got error %v", err)
	}
}

func TestRecoveryCodeRoundTrip(t *testing.T) {
	st := newTestStore(t)
	application, _, _ := seedApplication(t, st)

	code := store.RecoveryCode{
		ApplicationID:     application.ID,
		UserID:            "alice",
		ActivationID:      "activation-1",
		RecoveryCode:      "EEEEE-FFFFF-GGGGG-HHHHH",
		Status:            store.RecoveryCodeCreated,
		MaxFailedAttempts: 10,
		CreatedAt:         time.Now(),
		Puks: []store.RecoveryPuk{{
			PukIndex: 1,
			PukHash:  []byte("hash"),
			Status:   store.RecoveryPukValid,
		}},
	}
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		return tx.SaveRecoveryCode(&code)
	})
	if nil != err {
		t.Fatalf("Failed save, got error %v", err)
	}

	err = st.InTx(context.Background(), func(tx store.Tx) error {
		var loaded store.RecoveryCode
		err := tx.LoadRecoveryCodeForUpdate(application.ID, "EEEEE-FFFFF-GGGGG-HHHHH", &loaded)
		if nil != err {
			return err
		}
		if len(loaded.Puks) != 1 || loaded.Puks[0].PukIndex != 1 {
			t.Error("Failed puk round trip")
		}
		if nil == loaded.FirstValidPuk() {
			t.Error("Failed valid puk control")
		}

		byActivation, err := tx.ListRecoveryCodesByActivation(application.ID, "activation-1")
		if nil != err {
			return err
		}
		if len(byActivation) != 1 {
			t.Errorf("Failed listing control, %d != 1", len(byActivation))
		}
		return nil
	})
	if nil != err {
		t.Fatalf("Failed transaction, got error %v", err)
	}
}

func TestHistoryAndAuditFilters(t *testing.T) {
	st := newTestStore(t)

	base := time.Now()
	err := st.InTx(context.Background(), func(tx store.Tx) error {
		for i, status := range []store.ActivationStatus{store.ActivationCreated, store.ActivationOtpUsed, store.ActivationActive} {
			err := tx.AppendActivationHistory(&store.ActivationHistory{
				ActivationID: "activation-1",
				Status:       status,
				CreatedAt:    base.Add(time.Duration(i) * time.Minute),
			})
			if nil != err {
				return err
			}
		}
		return tx.AppendSignatureAudit(&store.SignatureAudit{
			ActivationID:  "activation-1",
			UserID:        "alice",
			ApplicationID: 1,
			Valid:         true,
			CreatedAt:     base,
		})
	})
	if nil != err {
		t.Fatalf("Failed seeding, got error %v", err)
	}

	err = st.InTx(context.Background(), func(tx store.Tx) error {
		all, err := tx.ListActivationHistory("activation-1", time.Time{}, time.Time{})
		if nil != err {
			return err
		}
		if len(all) != 3 {
			t.Errorf("Failed unfiltered listing, %d != 3", len(all))
		}

		window, err := tx.ListActivationHistory("activation-1", base.Add(30*time.Second), time.Time{})
		if nil != err {
			return err
		}
		if len(window) != 2 {
			t.Errorf("Failed windowed listing, %d != 2", len(window))
		}

		audits, err := tx.ListSignatureAudit(store.SignatureAuditQuery{UserID: "alice"})
		if nil != err {
			return err
		}
		if len(audits) != 1 {
			t.Errorf("Failed audit listing, %d != 1", len(audits))
		}
		audits, err = tx.ListSignatureAudit(store.SignatureAuditQuery{UserID: "bob"})
		if nil != err {
			return err
		}
		if len(audits) != 0 {
			t.Errorf("Failed audit filter, %d != 0", len(audits))
		}
		return nil
	})
	if nil != err {
		t.Fatalf("Failed transaction, got error %v", err)
	}
}
