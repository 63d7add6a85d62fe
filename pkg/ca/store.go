package ca

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketRoot   = []byte("ca")
	bucketIssued = []byte("issued")

	// Keys inside the root bucket
	keyRootCert = []byte("root_cert")
	keyRootKey  = []byte("root_key")
)

// ErrRootNotFound is returned when the store holds no root CA material.
var ErrRootNotFound = errors.New("root CA material not found")

// IssuedCertificate is the audit row recorded for every certificate the
// authority signs.
type IssuedCertificate struct {
	Serial      string    `json:"serial"`
	ServiceName string    `json:"service_name"`
	CommonName  string    `json:"common_name"`
	NotBefore   time.Time `json:"not_before"`
	NotAfter    time.Time `json:"not_after"`
	IssuedAt    time.Time `json:"issued_at"`
}

// Store persists the CA's root material and its issuance audit trail in
// a BoltDB file. The root private key only ever exists here and in the
// authority's memory.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if needed) the CA store at path.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating CA state directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening CA store %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRoot, bucketIssued} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("creating bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadRoot returns the stored root certificate and private key in DER.
func (s *Store) LoadRoot() (certDER, keyDER []byte, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoot)
		cert := b.Get(keyRootCert)
		key := b.Get(keyRootKey)
		if cert == nil || key == nil {
			return ErrRootNotFound
		}
		// Copies: bolt values are only valid inside the transaction.
		certDER = append([]byte(nil), cert...)
		keyDER = append([]byte(nil), key...)
		return nil
	})
	return certDER, keyDER, err
}

// SaveRoot persists freshly generated root material.
func (s *Store) SaveRoot(certDER, keyDER []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRoot)
		if err := b.Put(keyRootCert, certDER); err != nil {
			return err
		}
		return b.Put(keyRootKey, keyDER)
	})
}

// RecordIssued appends one audit row keyed by certificate serial.
func (s *Store) RecordIssued(rec IssuedCertificate) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIssued)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.Serial), data)
	})
}

// ListIssued returns every recorded issuance.
func (s *Store) ListIssued() ([]IssuedCertificate, error) {
	var rows []IssuedCertificate
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIssued)
		return b.ForEach(func(k, v []byte) error {
			var rec IssuedCertificate
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			rows = append(rows, rec)
			return nil
		})
	})
	return rows, err
}
