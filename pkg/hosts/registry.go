package hosts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dockerpilot/dockerpilot/pkg/dockerapi"
	"github.com/dockerpilot/dockerpilot/pkg/opserr"
)

const serversFile = "servers.json"

// Registry owns the host records and their encrypted credentials. It is
// read-mostly and serialized by one reader-writer lock; records referenced
// by an in-flight operation refuse deletion until released.
type Registry struct {
	logger logrus.FieldLogger

	mu      sync.RWMutex
	records map[string]Record
	secrets map[string][]byte // ciphertext per record id
	inUse   map[string]int

	box  *secretBox
	salt []byte
	path string
}

type serversDocument struct {
	Salt  string         `json:"salt"`
	Hosts []storedRecord `json:"hosts"`
}

type storedRecord struct {
	Record
	SecretMaterial string `json:"secret_material"`
}

// NewRegistry loads servers.json from configRoot, creating an empty store
// (with a fresh KDF salt) when none exists.
func NewRegistry(logger logrus.FieldLogger, configRoot string) (*Registry, error) {
	r := &Registry{
		logger:  logger,
		records: make(map[string]Record),
		secrets: make(map[string][]byte),
		inUse:   make(map[string]int),
		path:    filepath.Join(configRoot, serversFile),
	}

	buf, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		salt, err := newSalt()
		if err != nil {
			return nil, err
		}
		r.box = newSecretBox(configRoot, salt)
		r.salt = salt
		if err := r.persistLocked(salt); err != nil {
			return nil, err
		}
		return r, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "unable to read servers file")
	}

	var doc serversDocument
	if err := json.Unmarshal(buf, &doc); err != nil {
		return nil, errors.Wrap(err, "unable to parse servers file")
	}

	salt, err := base64.StdEncoding.DecodeString(doc.Salt)
	if err != nil {
		return nil, errors.Wrap(err, "unable to decode salt")
	}
	r.box = newSecretBox(configRoot, salt)
	r.salt = salt

	for _, stored := range doc.Hosts {
		ciphertext, err := base64.StdEncoding.DecodeString(stored.SecretMaterial)
		if err != nil {
			logger.WithField("host_id", stored.ID).Warn("Dropping host record with undecodable secret")
			continue
		}
		r.records[stored.ID] = stored.Record
		r.secrets[stored.ID] = ciphertext
	}

	return r, nil
}

// List returns every stored record plus the implicit local one, secrets
// excluded, sorted by id for stable output.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Record, 0, len(r.records)+1)
	result = append(result, LocalRecord())
	for _, record := range r.records {
		result = append(result, record)
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return result
}

func (r *Registry) Get(id string) (Record, error) {
	if id == LocalID {
		return LocalRecord(), nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	record, ok := r.records[id]
	if !ok {
		return Record{}, opserr.New(opserr.KindHostNotFound, "host %s is not registered", id)
	}

	return record, nil
}

func (r *Registry) Create(record Record, secret Secret) error {
	if record.ID == "" || record.ID == LocalID {
		return opserr.New(opserr.KindMissingField, "host id %q is reserved or empty", record.ID)
	}
	if record.Hostname == "" || record.Username == "" {
		return opserr.New(opserr.KindMissingField, "hostname and username are required")
	}
	if secret.empty() {
		return opserr.New(opserr.KindMissingField, "secret material is required")
	}

	ciphertext, err := r.sealSecret(secret)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[record.ID]; exists {
		return opserr.New(opserr.KindConflict, "host %s already exists", record.ID)
	}

	if record.Port == 0 {
		record.Port = 22
	}
	record.CreatedAt = time.Now()

	r.records[record.ID] = record
	r.secrets[record.ID] = ciphertext

	return r.persistLocked(r.salt)
}

// Update replaces the record; secret is optional and keeps the stored
// material when nil.
func (r *Registry) Update(id string, record Record, secret *Secret) error {
	if id == LocalID {
		return opserr.New(opserr.KindConflict, "the local host cannot be updated")
	}

	var ciphertext []byte
	if secret != nil {
		var err error
		if ciphertext, err = r.sealSecret(*secret); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.records[id]
	if !ok {
		return opserr.New(opserr.KindHostNotFound, "host %s is not registered", id)
	}

	record.ID = id
	record.CreatedAt = existing.CreatedAt
	if record.Port == 0 {
		record.Port = 22
	}

	r.records[id] = record
	if ciphertext != nil {
		r.secrets[id] = ciphertext
	}

	return r.persistLocked(r.salt)
}

func (r *Registry) Delete(id string) error {
	if id == LocalID {
		return opserr.New(opserr.KindConflict, "the local host cannot be deleted")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return opserr.New(opserr.KindHostNotFound, "host %s is not registered", id)
	}
	if r.inUse[id] > 0 {
		return opserr.New(opserr.KindConflict, "host %s is referenced by an in-flight operation", id)
	}

	delete(r.records, id)
	delete(r.secrets, id)

	return r.persistLocked(r.salt)
}

// Test opens a connection for an unsaved record and returns after one
// successful daemon Ping. Failures carry the typed resolution kinds.
func (r *Registry) Test(ctx context.Context, record Record, secret Secret) error {
	client, err := r.connect(ctx, record, secret)
	if err != nil {
		return err
	}
	defer client.Close()

	return nil
}

// Resolve opens an authenticated client for the host id. The client is
// owned by the calling operation and must be closed by it; connections
// are never pooled across operations.
func (r *Registry) Resolve(ctx context.Context, id string) (dockerapi.Client, error) {
	if id == LocalID {
		return dockerapi.NewLocal(ctx)
	}

	r.mu.RLock()
	record, ok := r.records[id]
	ciphertext := r.secrets[id]
	r.mu.RUnlock()

	if !ok {
		return nil, opserr.New(opserr.KindHostNotFound, "host %s is not registered", id)
	}

	secret, err := r.openSecret(ciphertext)
	if err != nil {
		return nil, err
	}

	return r.connect(ctx, record, secret)
}

// Retain marks a host as referenced by an in-flight operation; Release
// undoes it. Delete refuses while the count is positive.
func (r *Registry) Retain(id string) {
	if id == LocalID {
		return
	}

	r.mu.Lock()
	r.inUse[id]++
	r.mu.Unlock()
}

func (r *Registry) Release(id string) {
	if id == LocalID {
		return
	}

	r.mu.Lock()
	if r.inUse[id] > 0 {
		r.inUse[id]--
	}
	r.mu.Unlock()
}

func (r *Registry) connect(ctx context.Context, record Record, secret Secret) (dockerapi.Client, error) {
	if record.ID == LocalID {
		return dockerapi.NewLocal(ctx)
	}

	transport, err := dialSSH(record, secret)
	if err != nil {
		return nil, err
	}

	client, err := dockerapi.NewOverSSH(ctx, transport)
	if err != nil {
		_ = transport.Close()
		if opserr.KindOf(err) == opserr.KindDaemonUnavailable {
			return nil, opserr.Wrap(err, opserr.KindDaemonError, "daemon on host %s rejected the connection", record.ID)
		}
		return nil, err
	}

	return client, nil
}

func (r *Registry) sealSecret(secret Secret) ([]byte, error) {
	plaintext, err := json.Marshal(secret)
	if err != nil {
		return nil, errors.Wrap(err, "unable to marshal secret")
	}
	return r.box.seal(plaintext)
}

func (r *Registry) openSecret(ciphertext []byte) (Secret, error) {
	plaintext, err := r.box.open(ciphertext)
	if err != nil {
		return Secret{}, opserr.Wrap(err, opserr.KindAuthRejected, "unable to decrypt stored credentials")
	}

	var secret Secret
	if err := json.Unmarshal(plaintext, &secret); err != nil {
		return Secret{}, errors.Wrap(err, "unable to unmarshal secret")
	}

	return secret, nil
}

func (r *Registry) persistLocked(salt []byte) error {
	doc := serversDocument{Salt: base64.StdEncoding.EncodeToString(salt)}

	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		doc.Hosts = append(doc.Hosts, storedRecord{
			Record:         r.records[id],
			SecretMaterial: base64.StdEncoding.EncodeToString(r.secrets[id]),
		})
	}

	buf, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "unable to marshal servers file")
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return errors.Wrap(err, "unable to create config directory")
	}

	if err := os.WriteFile(r.path, buf, 0o600); err != nil {
		return errors.Wrap(err, "unable to write servers file")
	}

	return nil
}
