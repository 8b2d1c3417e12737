package service

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"path/filepath"
	"testing"

	"code.activault.org/server/internal/observability"
	"code.activault.org/server/pkg/crypto"
	"code.activault.org/server/pkg/ecies"
	"code.activault.org/server/pkg/keyvault"
	"code.activault.org/server/pkg/store"
	"code.activault.org/server/pkg/store/boltdb"
)

// testEnv assembles a service over a throwaway bbolt store with one
// application registered.
type testEnv struct {
	svc     *Service
	store   store.Store
	app     ApplicationDetail
	version store.ApplicationVersion
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	observability.SetTestDebugLogging(t)

	st, err := boltdb.New(filepath.Join(t.TempDir(), "test.db"))
	if nil != err {
		t.Fatalf("Failed store creation, got error %v", err)
	}
	t.Cleanup(func() { st.Close() })

	codec, err := keyvault.NewCodec([]byte("test-master-secret"), keyvault.AESHMAC)
	if nil != err {
		t.Fatalf("Failed codec creation, got error %v", err)
	}
	svc, err := New(st, codec, nil, DefaultConfig())
	if nil != err {
		t.Fatalf("Failed service creation, got error %v", err)
	}

	app, err := svc.CreateApplication(context.Background(), "test-app", nil)
	if nil != err {
		t.Fatalf("Failed application creation, got error %v", err)
	}

	return &testEnv{svc: svc, store: st, app: app, version: app.Versions[0]}
}

func (self *testEnv) enableRecovery(t *testing.T) {
	t.Helper()
	err := self.svc.SetRecoveryConfig(context.Background(), self.app.Application.ID, true)
	if nil != err {
		t.Fatalf("Failed recovery config, got error %v", err)
	}
}

// loadActivation reads an activation row straight from the store.
func (self *testEnv) loadActivation(t *testing.T, activationId string) store.Activation {
	t.Helper()
	var activation store.Activation
	err := self.store.InTx(context.Background(), func(tx store.Tx) error {
		return tx.LoadActivation(activationId, &activation)
	})
	if nil != err {
		t.Fatalf("Failed activation loading, got error %v", err)
	}
	return activation
}

func (self *testEnv) masterPublicKey(t *testing.T) *ecdh.PublicKey {
	t.Helper()
	pub, err := crypto.PublicKeyFromBytes(self.app.MasterPublicKey)
	if nil != err {
		t.Fatalf("Failed master public key parsing, got error %v", err)
	}
	return pub
}

// simulatedDevice mimics the mobile client during pairing and afterwards.
type simulatedDevice struct {
	keyPair         *ecdh.PrivateKey
	encryptor       *ecies.Encryptor
	activationId    string
	ctrData         []byte
	serverPublicKey *ecdh.PublicKey
	recovery        *ActivationRecovery
}

// newSimulatedDevice prepares the layer-2 request cryptogram of a device.
func newSimulatedDevice(t *testing.T, env *testEnv, activationName string) (*simulatedDevice, ecies.Cryptogram) {
	t.Helper()
	keyPair, err := crypto.GenerateKeyPair()
	if nil != err {
		t.Fatalf("Failed device key generation, got error %v", err)
	}
	sharedInfo2 := ecies.SharedInfo2ForApplication([]byte(env.version.ApplicationSecret))
	encryptor, err := ecies.NewEncryptor(env.masterPublicKey(t), ecies.ActivationLayer2, sharedInfo2, true)
	if nil != err {
		t.Fatalf("Failed encryptor creation, got error %v", err)
	}
	payload, err := json.Marshal(ActivationLayer2Request{
		DevicePublicKey: crypto.PublicKeyBytes(keyPair.PublicKey()),
		ActivationName:  activationName,
	})
	if nil != err {
		t.Fatalf("Failed layer-2 marshaling, got error %v", err)
	}
	cryptogram, err := encryptor.EncryptRequest(payload)
	if nil != err {
		t.Fatalf("Failed layer-2 encryption, got error %v", err)
	}
	return &simulatedDevice{keyPair: keyPair, encryptor: encryptor}, cryptogram
}

// absorbLayer2Response decodes the pairing response the way the device does.
func (self *simulatedDevice) absorbLayer2Response(t *testing.T, cryptogram ecies.Cryptogram) {
	t.Helper()
	plaintext, err := self.encryptor.DecryptResponse(cryptogram)
	if nil != err {
		t.Fatalf("Failed layer-2 response decryption, got error %v", err)
	}
	var layer2 ActivationLayer2Response
	err = json.Unmarshal(plaintext, &layer2)
	if nil != err {
		t.Fatalf("Failed layer-2 response parsing, got error %v", err)
	}
	self.activationId = layer2.ActivationID
	self.ctrData = layer2.CtrData
	self.recovery = layer2.ActivationRecovery
	self.serverPublicKey, err = crypto.PublicKeyFromBytes(layer2.ServerPublicKey)
	if nil != err {
		t.Fatalf("Failed server public key parsing, got error %v", err)
	}
}

// transportKey derives the device side transport key.
func (self *simulatedDevice) transportKey(t *testing.T) []byte {
	t.Helper()
	z, err := crypto.ComputeSharedSecret(self.keyPair, self.serverPublicKey)
	if nil != err {
		t.Fatalf("Failed device ECDH, got error %v", err)
	}
	return crypto.DeriveSecretKey(z, crypto.LabelTransport)
}

// sharedSecret derives the raw device side ECDH secret.
func (self *simulatedDevice) sharedSecret(t *testing.T) []byte {
	t.Helper()
	z, err := crypto.ComputeSharedSecret(self.keyPair, self.serverPublicKey)
	if nil != err {
		t.Fatalf("Failed device ECDH, got error %v", err)
	}
	return z
}

// pairActivation runs init + prepare for userId and returns the paired
// device simulation.
func pairActivation(t *testing.T, env *testEnv, userId string) *simulatedDevice {
	t.Helper()
	initResp, err := env.svc.InitActivation(context.Background(), InitActivationRequest{
		ApplicationID: env.app.Application.ID,
		UserID:        userId,
	})
	if nil != err {
		t.Fatalf("Failed init, got error %v", err)
	}

	device, cryptogram := newSimulatedDevice(t, env, "test device")
	prepareResp, err := env.svc.PrepareActivation(context.Background(), PrepareActivationRequest{
		ActivationCode: initResp.ActivationCode,
		ApplicationKey: env.version.ApplicationKey,
		Cryptogram:     cryptogram,
	})
	if nil != err {
		t.Fatalf("Failed prepare, got error %v", err)
	}
	device.absorbLayer2Response(t, prepareResp.Cryptogram)
	if device.activationId != initResp.ActivationID {
		t.Fatalf("Failed activation id control, %q != %q", device.activationId, initResp.ActivationID)
	}
	return device
}
